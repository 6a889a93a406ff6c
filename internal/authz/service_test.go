package authz

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-router/internal/config"
	"liquidity-router/internal/store"
)

func TestCheckStrategyPermission_DeniesOverPerSwapLimit(t *testing.T) {
	svc := newTestService(t)

	decision, err := svc.CheckStrategyPermission(context.Background(), PermissionRequest{
		AgentID:      "A1",
		StrategyType: StrategySwap,
		Amount:       decimal.NewFromInt(1000),
		TokenAddress: "USDC",
	})
	if err != nil {
		t.Fatalf("CheckStrategyPermission returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial for amount over 500")
	}
	if !strings.Contains(decision.Reason, "500") {
		t.Errorf("expected reason to mention limit, got %q", decision.Reason)
	}
}

func TestCheckStrategyPermission_Rules(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		req     PermissionRequest
		allowed bool
	}{
		{"allowed", PermissionRequest{AgentID: "A1", StrategyType: "swap", Amount: decimal.NewFromInt(100), TokenAddress: "usdc"}, true},
		{"unknown agent", PermissionRequest{AgentID: "ghost", StrategyType: "swap", Amount: decimal.NewFromInt(1), TokenAddress: "USDC"}, false},
		{"inactive agent", PermissionRequest{AgentID: "A2", StrategyType: "swap", Amount: decimal.NewFromInt(1), TokenAddress: "USDC"}, false},
		{"expired agent", PermissionRequest{AgentID: "A3", StrategyType: "swap", Amount: decimal.NewFromInt(1), TokenAddress: "USDC"}, false},
		{"strategy", PermissionRequest{AgentID: "A1", StrategyType: "bridge", Amount: decimal.NewFromInt(1), TokenAddress: "USDC"}, false},
		{"token", PermissionRequest{AgentID: "A1", StrategyType: "swap", Amount: decimal.NewFromInt(1), TokenAddress: "DOGE"}, false},
		{"venue", PermissionRequest{AgentID: "A1", StrategyType: "swap", Amount: decimal.NewFromInt(1), TokenAddress: "USDC", CexName: "kraken"}, false},
		{"zero amount", PermissionRequest{AgentID: "A1", StrategyType: "swap", Amount: decimal.Zero, TokenAddress: "USDC"}, false},
	}

	for _, tc := range cases {
		decision, err := svc.CheckStrategyPermission(ctx, tc.req)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if decision.Allowed != tc.allowed {
			t.Errorf("%s: expected allowed=%v, got %+v", tc.name, tc.allowed, decision)
		}
	}
}

func TestCheckStrategyPermission_DailyLimitCountsSuccessfulExecutions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := svc.now()

	record := func(amount string, success bool) {
		t.Helper()
		if err := svc.RecordExecution(ctx, "A1", ExecutionRecord{
			Token:      "USDC",
			Venue:      "pool",
			Amount:     decimal.RequireFromString(amount),
			Success:    success,
			ExecutedAt: now,
		}); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}
	record("400", true)
	record("400", true)
	record("500", false)

	usage, err := svc.DailyUsage(ctx, "A1", now)
	if err != nil {
		t.Fatalf("DailyUsage: %v", err)
	}
	if !usage.Amount.Equal(decimal.NewFromInt(800)) || usage.Executions != 2 {
		t.Fatalf("expected 800 over 2 executions, got %s over %d", usage.Amount, usage.Executions)
	}

	req := PermissionRequest{AgentID: "A1", StrategyType: StrategySwap, Amount: decimal.NewFromInt(300), TokenAddress: "USDC"}
	decision, err := svc.CheckStrategyPermission(ctx, req)
	if err != nil {
		t.Fatalf("CheckStrategyPermission: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected daily limit of 1000 to deny 800+300")
	}

	req.Amount = decimal.NewFromInt(200)
	decision, err = svc.CheckStrategyPermission(ctx, req)
	if err != nil {
		t.Fatalf("CheckStrategyPermission: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected 800+200 to fit the daily limit, got %q", decision.Reason)
	}
}

func TestReserve_HoldsDailyLimitUntilReleased(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	req := PermissionRequest{AgentID: "A1", StrategyType: StrategySwap, Amount: decimal.NewFromInt(400), TokenAddress: "USDC"}

	for i := 0; i < 2; i++ {
		decision, err := svc.Reserve(ctx, req)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("reserve %d: expected allowed, got %q", i, decision.Reason)
		}
	}

	decision, err := svc.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected 800 reserved + 400 to exceed the daily limit")
	}
	if decision, _ := svc.CheckStrategyPermission(ctx, req); decision.Allowed {
		t.Fatal("permission check must count reserved amounts")
	}

	svc.Release("A1", decimal.NewFromInt(400))
	decision, err = svc.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected released amount to be available again, got %q", decision.Reason)
	}
}

func TestReserve_ConcurrentCallsRespectDailyLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	req := PermissionRequest{AgentID: "A1", StrategyType: StrategySwap, Amount: decimal.NewFromInt(300), TokenAddress: "USDC"}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := svc.Reserve(ctx, req)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 3 {
		t.Fatalf("expected 3 reservations of 300 within 1000, got %d", got)
	}
}

func TestTradingDay_RespectsResetHour(t *testing.T) {
	ts := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	if got := tradingDay(ts, 0); got != "2026-03-10" {
		t.Errorf("expected 2026-03-10, got %s", got)
	}
	if got := tradingDay(ts, 8); got != "2026-03-09" {
		t.Errorf("expected reset at 08:00 to roll back a day, got %s", got)
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := config.AuthorizationConfig{Agents: []config.AgentPolicy{
		{
			AgentID:           "A1",
			Active:            true,
			AllowedStrategies: []string{"swap"},
			AllowedTokens:     []string{"USDC", "ETH"},
			AllowedVenues:     []string{"pool", "binance"},
			MaxAmountPerSwap:  decimal.NewFromInt(500),
			DailyLimit:        decimal.NewFromInt(1000),
		},
		{AgentID: "A2", Active: false, AllowedStrategies: []string{"swap"}},
		{AgentID: "A3", Active: true, AllowedStrategies: []string{"swap"}, ExpiresAt: now.Add(-time.Hour)},
	}}

	svc, err := NewService(cfg, st, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.now = func() time.Time { return now }
	return svc
}
