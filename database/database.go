// Copyright 2025 Gild Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrStaleVersion is returned when an optimistic update raced with
	// another writer
	ErrStaleVersion = errors.New("stale record version")
	// ErrInvalidTransition is returned when a status change would move
	// backward through the lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateNonce is returned when inserting an admission request
	// whose nonce already has a row
	ErrDuplicateNonce = errors.New("duplicate nonce")
)

// Config configures the membership store
type Config struct {
	Logger *slog.Logger
	// DataDir is the storage directory. Empty means fully in-memory,
	// useful for dev mode and testing.
	DataDir string
}

// Database is the durable store behind the membership ledger: a sqlite
// database for member and admission-request records, and a badger store
// for the redemption saga journal. Neither is authoritative for token
// balances; the external ledger is.
type Database struct {
	logger  *slog.Logger
	db      *gorm.DB
	journal *badger.DB
	dataDir string
}

// New creates a database instance with optional persistence using the
// provided data directory
func New(config *Config) (*Database, error) {
	logger := config.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var metadataDb *gorm.DB
	var err error
	if config.DataDir == "" {
		// cache=shared allows multiple connections to share the same in-memory database
		metadataDb, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
				TranslateError:         true,
			},
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(config.DataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		metadataDbPath := filepath.Join(config.DataDir, "metadata.sqlite")
		// WAL journal mode, disable sync on write
		metadataConnOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
		metadataDb, err = gorm.Open(
			sqlite.Open(
				fmt.Sprintf("file:%s?%s", metadataDbPath, metadataConnOpts),
			),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
				TranslateError:         true,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	var journalDb *badger.DB
	if config.DataDir == "" {
		badgerOpts := badger.DefaultOptions("").
			WithLogger(newBadgerLogger(logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
		journalDb, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	} else {
		journalDir := filepath.Join(config.DataDir, "journal")
		badgerOpts := badger.DefaultOptions(journalDir).
			WithLogger(newBadgerLogger(logger)).
			WithLoggingLevel(badger.WARNING)
		journalDb, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	}
	// Configure tracing for GORM
	if err := metadataDb.Use(
		tracing.NewPlugin(tracing.WithoutMetrics()),
	); err != nil {
		return nil, err
	}
	d := &Database{
		logger:  logger,
		db:      metadataDb,
		journal: journalDb,
		dataDir: config.DataDir,
	}
	for _, model := range migrateModels {
		d.logger.Debug(fmt.Sprintf("creating table: %#v", model))
		if err := d.db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	if sqlDb, dbErr := d.db.DB(); dbErr == nil {
		err = errors.Join(err, sqlDb.Close())
	}
	err = errors.Join(err, d.journal.Close())
	return err
}

// badgerLogger adapts a slog.Logger to badger's Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...), "component", "journal")
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...), "component", "journal")
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Info(fmt.Sprintf(format, args...), "component", "journal")
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...), "component", "journal")
}
