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

package accrual

import (
	"context"
	"sync"
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

type mockRedeemer struct {
	redeemErr error
	accounts  []protocol.AccountID
	sync.Mutex
}

func (m *mockRedeemer) Redeem(
	_ context.Context,
	account protocol.AccountID,
) error {
	m.Lock()
	defer m.Unlock()
	m.accounts = append(m.accounts, account)
	return m.redeemErr
}

func (m *mockRedeemer) calls() []protocol.AccountID {
	m.Lock()
	defer m.Unlock()
	return append([]protocol.AccountID{}, m.accounts...)
}

type testHarness struct {
	db       *database.Database
	ledger   *gateway.MemoryLedger
	engine   *Engine
	redeemer *mockRedeemer
	params   protocol.EconomyParams
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
	redeemer := &mockRedeemer{}
	params := protocol.DefaultEconomyParams()
	engine := NewEngine(EngineConfig{
		PromRegistry: prometheus.NewRegistry(),
		DB:           db,
		Issuer:       authority,
		Redeemer:     redeemer,
		Audit:        audit.NewEmitter(audit.EmitterConfig{}),
		Params:       params,
	})
	t.Cleanup(func() {
		authority.Stop()
		_ = db.Close()
	})
	return &testHarness{
		db:       db,
		ledger:   ledger,
		engine:   engine,
		redeemer: redeemer,
		params:   params,
	}
}

func (h *testHarness) createMember(
	t *testing.T,
	member database.Member,
) {
	t.Helper()
	if member.Status == "" {
		member.Status = string(protocol.MemberStatusActive)
	}
	require.NoError(t, h.db.CreateMember(&member))
}

func TestClaimCreditsRewards(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, database.Member{Account: "alice"})

	require.NoError(t, h.engine.Claim(ctx, "alice", 30))

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), member.ClaimedTotal)
	assert.Equal(t, uint64(30), member.RewardBalance)
	assert.Equal(t, protocol.MemberStatusActive, member.MemberStatus())

	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), balances[protocol.TokenReward])
}

func TestClaimZeroAmount(t *testing.T) {
	h := newTestHarness(t)
	h.createMember(t, database.Member{Account: "alice"})

	var validationErr *protocol.ValidationError
	require.ErrorAs(
		t,
		h.engine.Claim(context.Background(), "alice", 0),
		&validationErr,
	)
}

func TestClaimAbovePerCallBound(t *testing.T) {
	h := newTestHarness(t)
	h.createMember(t, database.Member{Account: "alice"})

	err := h.engine.Claim(
		context.Background(), "alice", h.params.MaxClaimAmount+1,
	)
	var quotaErr *protocol.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, h.params.MaxClaimAmount, quotaErr.Remaining)
}

func TestClaimPastCapRejected(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, database.Member{
		Account:      "alice",
		ClaimedTotal: h.params.LifetimeCap - 10,
	})

	err := h.engine.Claim(ctx, "alice", 20)
	var quotaErr *protocol.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, uint64(10), quotaErr.Remaining)

	// No side effects: the claimed total and the ledger are untouched
	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, h.params.LifetimeCap-10, member.ClaimedTotal)
	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balances[protocol.TokenReward])
	assert.Empty(t, h.redeemer.calls())
}

func TestClaimReachingCapRunsRedemption(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, database.Member{
		Account:      "alice",
		ClaimedTotal: h.params.LifetimeCap - 20,
	})

	require.NoError(t, h.engine.Claim(ctx, "alice", 20))

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, h.params.LifetimeCap, member.ClaimedTotal)
	assert.Equal(t, protocol.MemberStatusCapReached, member.MemberStatus())
	assert.Equal(t, []protocol.AccountID{"alice"}, h.redeemer.calls())
}

func TestClaimInactiveMember(t *testing.T) {
	h := newTestHarness(t)
	h.createMember(t, database.Member{
		Account: "alice",
		Status:  string(protocol.MemberStatusCapReached),
	})

	var validationErr *protocol.ValidationError
	require.ErrorAs(
		t,
		h.engine.Claim(context.Background(), "alice", 10),
		&validationErr,
	)
}

func TestEntitlement(t *testing.T) {
	h := newTestHarness(t)
	plain := &database.Member{}
	recognized := &database.Member{Recognition: true}
	assert.Equal(t, h.params.BaseRate, h.engine.Entitlement(plain))
	assert.Equal(
		t,
		h.params.BaseRate+h.params.BonusRate,
		h.engine.Entitlement(recognized),
	)
}

func TestAccrueMemberAppliesEntitlement(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, database.Member{Account: "alice", Recognition: true})

	require.NoError(t, h.engine.AccrueMember(ctx, "alice"))

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, h.params.BaseRate+h.params.BonusRate, member.ClaimedTotal)
}

func TestAccrueMemberClampsAtCap(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	// Remaining headroom is smaller than the entitlement; the accrual is
	// clamped to land exactly on the cap
	h.createMember(t, database.Member{
		Account:      "alice",
		ClaimedTotal: h.params.LifetimeCap - 5,
	})

	require.NoError(t, h.engine.AccrueMember(ctx, "alice"))

	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, h.params.LifetimeCap, member.ClaimedTotal)
	assert.Equal(t, protocol.MemberStatusCapReached, member.MemberStatus())
	assert.Equal(t, []protocol.AccountID{"alice"}, h.redeemer.calls())

	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), balances[protocol.TokenReward])
}

func TestAccrueMemberAtCapIsNoop(t *testing.T) {
	h := newTestHarness(t)
	h.createMember(t, database.Member{
		Account:      "alice",
		ClaimedTotal: h.params.LifetimeCap,
		Status:       string(protocol.MemberStatusCapReached),
	})

	var validationErr *protocol.ValidationError
	require.ErrorAs(
		t,
		h.engine.AccrueMember(context.Background(), "alice"),
		&validationErr,
	)
	assert.Empty(t, h.redeemer.calls())
}

func TestCreditFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.createMember(t, database.Member{Account: "alice"})
	h.ledger.FailNext(gateway.OpMint, "mint rejected")

	err := h.engine.Claim(ctx, "alice", 30)
	var finalityErr *protocol.FinalityError
	require.ErrorAs(t, err, &finalityErr)

	// The reservation is rolled back so the claimed total stays in step
	// with the ledger
	member, err := h.db.GetMember("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), member.ClaimedTotal)
	assert.Equal(t, uint64(0), member.RewardBalance)
	assert.Equal(t, protocol.MemberStatusActive, member.MemberStatus())

	balances, err := h.ledger.QueryBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balances[protocol.TokenReward])
}
