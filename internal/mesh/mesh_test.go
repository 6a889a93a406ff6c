package mesh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/authz"
	"liquidity-router/internal/liquidity"
	"liquidity-router/internal/routing"
)

func TestExecuteSwap_DeniedAgentNeverContactsProviders(t *testing.T) {
	p1 := newSpyProvider("P1", "98")
	p2 := newSpyProvider("P2", "99")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500)}
	m := newTestMesh(t, auth, p1, p2)

	_, err := m.ExecuteSwap(context.Background(), request("1000"), "A1")
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if !strings.Contains(apperr.Reason(err), "500") {
		t.Errorf("expected reason to mention the limit, got %q", apperr.Reason(err))
	}
	for _, p := range []*spyProvider{p1, p2} {
		if calls := p.calls(); len(calls) != 0 {
			t.Errorf("provider %s must not be contacted, got calls %v", p.name, calls)
		}
	}
	if err := m.WaitForAudits(context.Background()); err != nil {
		t.Fatalf("WaitForAudits: %v", err)
	}
	if len(auth.recorded()) != 0 {
		t.Errorf("denied swap must not be recorded")
	}
}

func TestExecuteSwap_NoActiveAuthorization(t *testing.T) {
	p := newSpyProvider("P1", "98")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500), inactive: true}
	m := newTestMesh(t, auth, p)

	_, err := m.ExecuteSwap(context.Background(), request("10"), "A1")
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if auth.checks.Load() != 0 {
		t.Errorf("permission check must not run without an active authorization")
	}
	if len(p.calls()) != 0 {
		t.Errorf("provider must not be contacted")
	}
}

func TestExecuteSwap_ExecutesBestAndRecordsAudit(t *testing.T) {
	p1 := newSpyProvider("P1", "98")
	p2 := newSpyProvider("P2", "99")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500)}
	m := newTestMesh(t, auth, p1, p2)

	outcome, err := m.ExecuteSwap(context.Background(), request("100"), "A1")
	if err != nil {
		t.Fatalf("ExecuteSwap returned error: %v", err)
	}
	if !outcome.Success || outcome.Providers[0] != "P2" {
		t.Fatalf("expected successful swap on P2, got %+v", outcome)
	}
	if p1.execCalls.Load() != 0 || p2.execCalls.Load() != 1 {
		t.Errorf("expected only P2 to execute, got P1=%d P2=%d", p1.execCalls.Load(), p2.execCalls.Load())
	}
	p2.mu.Lock()
	quoted := p2.execQuoted
	p2.mu.Unlock()
	if !quoted.Equal(decimal.RequireFromString("0.99")) {
		t.Errorf("expected quoted price 0.99 passed to venue, got %s", quoted)
	}

	if err := m.WaitForAudits(context.Background()); err != nil {
		t.Fatalf("WaitForAudits: %v", err)
	}
	records := auth.recorded()
	if len(records) != 1 {
		t.Fatalf("expected one execution record, got %d", len(records))
	}
	if records[0].Venue != "P2" || !records[0].Success || records[0].TxRef != outcome.TxRef {
		t.Errorf("unexpected execution record %+v", records[0])
	}
}

func TestExecuteSwap_AuditFailureIsSwallowed(t *testing.T) {
	p := newSpyProvider("P1", "98")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500), recordErr: errors.New("db locked")}
	m := newTestMesh(t, auth, p)

	outcome, err := m.ExecuteSwap(context.Background(), request("100"), "A1")
	if err != nil {
		t.Fatalf("audit failure must not surface, got %v", err)
	}
	if !outcome.Success {
		t.Fatalf("audit failure must not change outcome: %+v", outcome)
	}
	if err := m.WaitForAudits(context.Background()); err != nil {
		t.Fatalf("WaitForAudits: %v", err)
	}
	if auth.recordCalls.Load() != 1 {
		t.Errorf("expected one record attempt, got %d", auth.recordCalls.Load())
	}
}

func TestExecuteSwap_AuditDoesNotBlockCaller(t *testing.T) {
	p := newSpyProvider("P1", "98")
	release := make(chan struct{})
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500), recordBlock: release}
	m := newTestMesh(t, auth, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.ExecuteSwap(context.Background(), request("100"), "A1"); err != nil {
			t.Errorf("ExecuteSwap returned error: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ExecuteSwap blocked on audit write")
	}
	close(release)
	if err := m.WaitForAudits(context.Background()); err != nil {
		t.Fatalf("WaitForAudits: %v", err)
	}
}

func TestExecuteSwap_RespectsAllowedVenues(t *testing.T) {
	p1 := newSpyProvider("P1", "98")
	p2 := newSpyProvider("P2", "99")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500), venues: []string{"p1"}}
	m := newTestMesh(t, auth, p1, p2)

	outcome, err := m.ExecuteSwap(context.Background(), request("100"), "A1")
	if err != nil {
		t.Fatalf("ExecuteSwap returned error: %v", err)
	}
	if outcome.Providers[0] != "P1" {
		t.Errorf("expected restricted agent to use P1, got %v", outcome.Providers)
	}
	if len(p2.calls()) != 0 {
		t.Errorf("disallowed venue must not be queried")
	}
}

func TestExecuteSwap_WithoutAgentSkipsAuthorization(t *testing.T) {
	p := newSpyProvider("P1", "98")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(1)}
	m := newTestMesh(t, auth, p)

	if _, err := m.ExecuteSwap(context.Background(), request("1000"), ""); err != nil {
		t.Fatalf("ExecuteSwap returned error: %v", err)
	}
	if auth.checks.Load() != 0 {
		t.Errorf("authorization must be skipped without agent id")
	}
}

func TestExecuteSwap_ReservationReleasedAfterRecord(t *testing.T) {
	p := newSpyProvider("P1", "98")
	release := make(chan struct{})
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500), recordBlock: release}
	m := newTestMesh(t, auth, p)

	if _, err := m.ExecuteSwap(context.Background(), request("100"), "A1"); err != nil {
		t.Fatalf("ExecuteSwap returned error: %v", err)
	}
	if held := auth.heldAmount(); !held.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100 held until the record is written, got %s", held)
	}

	close(release)
	if err := m.WaitForAudits(context.Background()); err != nil {
		t.Fatalf("WaitForAudits: %v", err)
	}
	if held := auth.heldAmount(); !held.IsZero() {
		t.Errorf("expected reservation released, got %s", held)
	}
}

func TestExecuteSwap_ReservationReleasedWhenNoPath(t *testing.T) {
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500)}
	m := newTestMesh(t, auth)

	_, err := m.ExecuteSwap(context.Background(), request("100"), "A1")
	if !errors.Is(err, apperr.ErrNoExecutionPath) {
		t.Fatalf("expected NoExecutionPath, got %v", err)
	}
	if auth.checks.Load() != 1 {
		t.Fatalf("expected one permission check, got %d", auth.checks.Load())
	}
	if held := auth.heldAmount(); !held.IsZero() {
		t.Errorf("expected reservation released, got %s", held)
	}
}

func TestExecuteSwap_RecordsSynchronouslyAfterDrain(t *testing.T) {
	p := newSpyProvider("P1", "98")
	auth := &mockAuthorizer{maxAmount: decimal.NewFromInt(500)}
	m := newTestMesh(t, auth, p)

	if err := m.WaitForAudits(context.Background()); err != nil {
		t.Fatalf("WaitForAudits: %v", err)
	}
	if _, err := m.ExecuteSwap(context.Background(), request("100"), "A1"); err != nil {
		t.Fatalf("ExecuteSwap returned error: %v", err)
	}
	if len(auth.recorded()) != 1 {
		t.Fatalf("expected record written before return once draining, got %d", len(auth.recorded()))
	}
	if held := auth.heldAmount(); !held.IsZero() {
		t.Errorf("expected reservation released, got %s", held)
	}
}

func TestExecutePlan_ProviderNotFound(t *testing.T) {
	m := newTestMesh(t, nil)
	ghost := liquidity.Quote{Provider: "ghost"}

	_, err := m.ExecutePlan(context.Background(), request("10"), liquidity.ExecutionPlan{Best: ghost, Single: &ghost})
	if !errors.Is(err, apperr.ErrProviderNotFound) {
		t.Fatalf("expected ProviderNotFound, got %v", err)
	}
}

func TestExecutePlan_SplitAggregatesWithoutCompensation(t *testing.T) {
	ok := newSpyProvider("ok", "100")
	bad := newSpyProvider("bad", "100")
	bad.execErr = errors.New("insufficient balance")
	m := newTestMesh(t, nil, ok, bad)

	plan := liquidity.ExecutionPlan{Splits: []liquidity.SplitOrder{
		{Provider: "ok", Amount: decimal.NewFromInt(60), Percentage: decimal.NewFromInt(60)},
		{Provider: "bad", Amount: decimal.NewFromInt(40), Percentage: decimal.NewFromInt(40)},
	}}
	outcome, err := m.ExecutePlan(context.Background(), request("100"), plan)
	if err != nil {
		t.Fatalf("ExecutePlan returned error: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected aggregated failure when one split fails")
	}
	if !strings.Contains(outcome.Error, "insufficient balance") {
		t.Errorf("expected sub-error in outcome, got %q", outcome.Error)
	}
	if !outcome.ExecutedAmount.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected executed amount from successful split only, got %s", outcome.ExecutedAmount)
	}
	if ok.execCalls.Load() != 1 {
		t.Errorf("successful split must execute exactly once and never be reversed, got %d", ok.execCalls.Load())
	}
	if got := ok.lastExecAmount(); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected ok to execute its partition, got %s", got)
	}
}

func TestExecutePlan_SplitSuccessSumsAmounts(t *testing.T) {
	a := newSpyProvider("a", "100")
	b := newSpyProvider("b", "100")
	m := newTestMesh(t, nil, a, b)

	plan := liquidity.ExecutionPlan{Splits: []liquidity.SplitOrder{
		{Provider: "a", Amount: decimal.NewFromInt(30), Percentage: decimal.NewFromInt(30)},
		{Provider: "b", Amount: decimal.NewFromInt(70), Percentage: decimal.NewFromInt(70)},
	}}
	outcome, err := m.ExecutePlan(context.Background(), request("100"), plan)
	if err != nil {
		t.Fatalf("ExecutePlan returned error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if !outcome.ExecutedAmount.Equal(decimal.NewFromInt(100)) || !outcome.Fee.Equal(decimal.NewFromInt(2)) {
		t.Errorf("unexpected aggregation: executed=%s fee=%s", outcome.ExecutedAmount, outcome.Fee)
	}
	if len(outcome.Providers) != 2 {
		t.Errorf("expected both providers in outcome, got %v", outcome.Providers)
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newSpyProvider("P1", "1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(newSpyProvider("P1", "2"))
	if !errors.Is(err, apperr.ErrDuplicateProvider) {
		t.Fatalf("expected DuplicateProvider, got %v", err)
	}

	replaced, err := r.Replace(newSpyProvider("P1", "3"))
	if err != nil || !replaced {
		t.Fatalf("expected explicit replace to succeed, replaced=%v err=%v", replaced, err)
	}
	if !r.Deregister("P1") || r.Len() != 0 {
		t.Errorf("expected P1 to be removed")
	}
	if _, err := r.Get("P1"); !errors.Is(err, apperr.ErrProviderNotFound) {
		t.Errorf("expected ProviderNotFound after deregister, got %v", err)
	}
}

func newTestMesh(t *testing.T, auth Authorizer, providers ...liquidity.Provider) *Mesh {
	t.Helper()
	m := New(NewRegistry(), routing.NewSelector(routing.DefaultOptions(), nil), auth, nil, nil)
	for _, p := range providers {
		if err := m.RegisterProvider(p); err != nil {
			t.Fatalf("RegisterProvider: %v", err)
		}
	}
	return m
}

func request(amount string) liquidity.SwapRequest {
	return liquidity.SwapRequest{
		FromToken: "USDC",
		ToToken:   "ETH",
		Amount:    decimal.RequireFromString(amount),
		Chain:     "ethereum",
	}
}

type spyProvider struct {
	name     string
	toAmount decimal.Decimal
	execErr  error

	mu         sync.Mutex
	log        []string
	execAmount decimal.Decimal
	execQuoted decimal.Decimal
	execCalls  atomic.Int32
}

func newSpyProvider(name, toAmount string) *spyProvider {
	return &spyProvider{name: name, toAmount: decimal.RequireFromString(toAmount)}
}

func (s *spyProvider) record(call string) {
	s.mu.Lock()
	s.log = append(s.log, call)
	s.mu.Unlock()
}

func (s *spyProvider) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *spyProvider) lastExecAmount() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execAmount
}

func (s *spyProvider) Name() string                     { return s.name }
func (s *spyProvider) SupportedChains() []string        { return []string{"ethereum"} }
func (s *spyProvider) SupportsPair(liquidity.Pair) bool { return true }

func (s *spyProvider) GetPriceQuote(_ context.Context, req liquidity.SwapRequest) (liquidity.Quote, error) {
	s.record("GetPriceQuote")
	return liquidity.Quote{Provider: s.name, FromAmount: req.Amount, ToAmount: s.toAmount}, nil
}

func (s *spyProvider) ExecuteSwap(_ context.Context, req liquidity.SwapRequest) (liquidity.SwapOutcome, error) {
	s.record("ExecuteSwap")
	s.execCalls.Add(1)
	s.mu.Lock()
	s.execAmount = req.Amount
	s.execQuoted = req.QuotedPrice
	s.mu.Unlock()
	if s.execErr != nil {
		return liquidity.SwapOutcome{}, s.execErr
	}
	return liquidity.SwapOutcome{
		Success:        true,
		ExecutedAmount: req.Amount,
		ReceivedAmount: req.Amount,
		Fee:            decimal.NewFromInt(1),
		TxRef:          "tx-" + s.name,
	}, nil
}

func (s *spyProvider) GetLiquidity(context.Context, liquidity.Pair) (liquidity.LiquidityInfo, error) {
	s.record("GetLiquidity")
	return liquidity.LiquidityInfo{Provider: s.name}, nil
}

type mockAuthorizer struct {
	maxAmount   decimal.Decimal
	inactive    bool
	venues      []string
	recordErr   error
	recordBlock chan struct{}

	checks      atomic.Int32
	recordCalls atomic.Int32

	mu      sync.Mutex
	records []authz.ExecutionRecord
	held    decimal.Decimal
}

func (m *mockAuthorizer) ActiveAuthorization(_ context.Context, agentID string) (*authz.Authorization, error) {
	if m.inactive {
		return nil, nil
	}
	return &authz.Authorization{AgentID: agentID, Active: true, AllowedVenues: m.venues}, nil
}

func (m *mockAuthorizer) Reserve(_ context.Context, req authz.PermissionRequest) (authz.Decision, error) {
	m.checks.Add(1)
	if req.Amount.GreaterThan(m.maxAmount) {
		return authz.Deny("单笔金额超过上限 " + m.maxAmount.String()), nil
	}
	m.mu.Lock()
	m.held = m.held.Add(req.Amount)
	m.mu.Unlock()
	return authz.Allow(), nil
}

func (m *mockAuthorizer) Release(_ string, amount decimal.Decimal) {
	m.mu.Lock()
	m.held = m.held.Sub(amount)
	m.mu.Unlock()
}

func (m *mockAuthorizer) heldAmount() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (m *mockAuthorizer) RecordExecution(_ context.Context, _ string, rec authz.ExecutionRecord) error {
	m.recordCalls.Add(1)
	if m.recordBlock != nil {
		<-m.recordBlock
	}
	if m.recordErr != nil {
		return m.recordErr
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *mockAuthorizer) recorded() []authz.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]authz.ExecutionRecord(nil), m.records...)
}
