package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-router/internal/config"
	"liquidity-router/internal/liquidity"
	"liquidity-router/internal/settlement"
	"liquidity-router/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc
}

func TestRecordSwap_PersistsPayload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordSwap(ctx, "A1", liquidity.SwapRequest{
		FromToken: "USDC", ToToken: "ETH", Amount: decimal.NewFromInt(100), Chain: "ethereum",
	}, liquidity.SwapOutcome{
		Success:        true,
		Providers:      []string{"uniswap"},
		ReceivedAmount: decimal.RequireFromString("0.05"),
		TxRef:          "0xabc",
	})

	events, err := svc.ListEvents(ctx, EventQuery{Type: EventSwap, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSwap, events[0].Type)
	assert.False(t, events[0].Timestamp.IsZero())

	var payload SwapPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &payload))
	assert.Equal(t, "A1", payload.AgentID)
	assert.Equal(t, "0xabc", payload.TxRef)
	assert.True(t, payload.ReceivedAmount.Equal(decimal.RequireFromString("0.05")))
}

func TestListEvents_FiltersAndOrders(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordSettlement(ctx, settlement.Settlement{ID: "s-1", Status: settlement.StatusCompleted})
	svc.RecordCompensation(ctx, settlement.Compensation{SettlementID: "s-2", LegIndex: 0})
	svc.RecordSettlement(ctx, settlement.Settlement{ID: "s-3", Status: settlement.StatusRolledBack})
	svc.RecordError(ctx, "结算失败", errors.New("boom"), map[string]interface{}{"settlement_id": "s-3"})

	all, err := svc.ListEvents(ctx, EventQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, EventError, all[0].Type)

	settlements, err := svc.ListEvents(ctx, EventQuery{Type: EventSettlement, Limit: 10})
	require.NoError(t, err)
	require.Len(t, settlements, 2)

	var latest SettlementPayload
	require.NoError(t, json.Unmarshal(settlements[0].Payload.(json.RawMessage), &latest))
	assert.Equal(t, "s-3", latest.Settlement.ID)
	assert.Equal(t, settlement.StatusRolledBack, latest.Settlement.Status)

	limited, err := svc.ListEvents(ctx, EventQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListEvents_Since(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, svc.Record(ctx, Event{
			Type:      EventSettlement,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Payload:   SettlementPayload{Settlement: settlement.Settlement{ID: id}},
		}))
	}

	events, err := svc.ListEvents(ctx, EventQuery{Since: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.Equal(base.Add(2*time.Minute)))
	assert.True(t, events[1].Timestamp.Equal(base.Add(time.Minute)))
}

func TestRecord_FailureIsSwallowed(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.db.Close())

	assert.NotPanics(t, func() {
		svc.RecordSwap(context.Background(), "", liquidity.SwapRequest{}, liquidity.SwapOutcome{})
	})
	assert.Error(t, svc.Record(context.Background(), Event{Type: EventSwap}))
}
