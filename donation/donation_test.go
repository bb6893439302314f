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

package donation

import (
	"context"
	"testing"

	"github.com/gildlabs/gild/audit"
	"github.com/gildlabs/gild/database"
	"github.com/gildlabs/gild/gateway"
	"github.com/gildlabs/gild/issuer"
	"github.com/gildlabs/gild/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuerAccount = protocol.AccountID("issuer")

type testHarness struct {
	db     *database.Database
	ledger *gateway.MemoryLedger
	desk   *Desk
	params protocol.EconomyParams
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := database.New(&database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	ledger := gateway.NewMemoryLedger(gateway.MemoryLedgerConfig{
		IssuerAccount: testIssuerAccount,
	})
	authority := issuer.NewAuthority(issuer.AuthorityConfig{
		PromRegistry: prometheus.NewRegistry(),
		Gateway:      ledger,
		Account:      testIssuerAccount,
	})
	params := protocol.DefaultEconomyParams()
	desk := NewDesk(DeskConfig{
		PromRegistry: prometheus.NewRegistry(),
		DB:           db,
		Issuer:       authority,
		Audit:        audit.NewEmitter(audit.EmitterConfig{}),
		Params:       params,
	})
	t.Cleanup(func() {
		authority.Stop()
		_ = db.Close()
	})
	return &testHarness{
		db:     db,
		ledger: ledger,
		desk:   desk,
		params: params,
	}
}

func (h *testHarness) createMember(t *testing.T, account string) {
	t.Helper()
	require.NoError(t, h.db.CreateMember(&database.Member{
		Account: account,
		Status:  string(protocol.MemberStatusActive),
	}))
}

func TestDonateBelowThreshold(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, "alice")

	amount := h.params.MinDonationThreshold - 1
	require.NoError(t, h.desk.Donate(ctx, "alice", amount))

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, amount, member.DonatedTotal)
	assert.False(t, member.Recognition)

	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balances[protocol.TokenRecognition])
}

func TestDonateAtThresholdGrantsRecognition(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, "alice")

	require.NoError(
		t, h.desk.Donate(ctx, "alice", h.params.MinDonationThreshold),
	)

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, h.params.MinDonationThreshold, member.DonatedTotal)
	assert.True(t, member.Recognition)

	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), balances[protocol.TokenRecognition])
	assert.True(t, h.ledger.Frozen("alice", protocol.TokenRecognition))
}

func TestRecognitionGrantedOnce(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, "alice")

	require.NoError(
		t, h.desk.Donate(ctx, "alice", h.params.MinDonationThreshold),
	)
	require.NoError(
		t, h.desk.Donate(ctx, "alice", h.params.MinDonationThreshold),
	)

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, 2*h.params.MinDonationThreshold, member.DonatedTotal)
	assert.True(t, member.Recognition)

	// Still exactly one recognition token
	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), balances[protocol.TokenRecognition])
}

func TestCumulativeDonationsDoNotGrant(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, "alice")

	// Many small donations never cross the single-donation threshold,
	// whatever the running total
	small := h.params.MinDonationThreshold - 1
	for range 5 {
		require.NoError(t, h.desk.Donate(ctx, "alice", small))
	}

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, 5*small, member.DonatedTotal)
	assert.False(t, member.Recognition)
}

func TestDonateZeroAmount(t *testing.T) {
	h := newTestHarness(t)
	h.createMember(t, "alice")

	var validationErr *protocol.ValidationError
	require.ErrorAs(
		t,
		h.desk.Donate(context.Background(), "alice", 0),
		&validationErr,
	)
}

func TestDonateNonMember(t *testing.T) {
	h := newTestHarness(t)

	var validationErr *protocol.ValidationError
	require.ErrorAs(
		t,
		h.desk.Donate(context.Background(), "stranger", 10),
		&validationErr,
	)
}

func TestDonationSurvivesFailedGrant(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, "alice")
	h.ledger.FailNext(gateway.OpMint, "mint rejected")

	err := h.desk.Donate(ctx, "alice", h.params.MinDonationThreshold)
	require.Error(t, err)
	var finalityErr *protocol.FinalityError
	require.ErrorAs(t, err, &finalityErr)

	// The donated amount stays recorded; only the token leg failed
	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, h.params.MinDonationThreshold, member.DonatedTotal)
	assert.False(t, member.Recognition)

	// A later qualifying donation retries the grant
	require.NoError(
		t, h.desk.Donate(ctx, "alice", h.params.MinDonationThreshold),
	)
	member, err = h.db.GetMember("alice")
	require.NoError(t, err)
	assert.True(t, member.Recognition)
}
