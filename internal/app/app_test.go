package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/config"
	"liquidity-router/internal/monitor"
	"liquidity-router/internal/settlement"
	"liquidity-router/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool := func(name string, eth, usdc int64) config.VenueConfig {
		return config.VenueConfig{
			Name:    name,
			Kind:    config.VenueKindPool,
			Enabled: true,
			Chains:  []string{"ethereum"},
			Pools: []config.PoolConfig{{
				TokenA:   "ETH",
				TokenB:   "USDC",
				ReserveA: decimal.NewFromInt(eth),
				ReserveB: decimal.NewFromInt(usdc),
				FeeRate:  decimal.RequireFromString("0.003"),
			}},
		}
	}

	cfg := &config.Config{
		App:        config.AppConfig{Environment: "test"},
		Venues:     []config.VenueConfig{pool("uniswap", 1000, 2000000), pool("sushi", 200, 400000)},
		Settlement: config.SettlementConfig{PendingPageSize: 50},
	}

	engine, err := NewEngine(cfg, nil, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

func getJSON(t *testing.T, h http.Handler, path string, out interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestNewEngine_RegistersEnabledVenues(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, 2, engine.Mesh.Registry().Len())
}

func TestMonitorHandler_Quote(t *testing.T) {
	h := newMonitorHandler(newTestEngine(t), nil)

	var resp quoteResponse
	code := getJSON(t, h, "/quote?from=ETH&to=USDC&amount=1&chain=ethereum", &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "uniswap", resp.Provider)
	assert.True(t, resp.EffectiveOutput.IsPositive())
	assert.Empty(t, resp.Splits)

	var errResp errorResponse
	code = getJSON(t, h, "/quote?from=ETH&to=USDC&amount=abc", &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperr.CodeInvalidInput, errResp.Code)

	code = getJSON(t, h, "/quote?from=BTC&to=USDC&amount=1", &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, apperr.CodeNoExecutionPath, errResp.Code)
}

func TestEngineTick_ExecutesPendingSettlements(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	h := newMonitorHandler(engine, nil)

	created, err := engine.Settlements.Create(ctx, settlement.CreateRequest{
		UserID: "u1",
		Legs: []settlement.LegRequest{
			{Chain: "ethereum", FromToken: "ETH", ToToken: "USDC", Amount: decimal.NewFromInt(1)},
		},
	})
	require.NoError(t, err)

	var pending []settlement.Settlement
	require.Equal(t, http.StatusOK, getJSON(t, h, "/settlements/pending", &pending))
	require.Len(t, pending, 1)

	require.NoError(t, engine.Tick(ctx))

	var got settlement.Settlement
	require.Equal(t, http.StatusOK, getJSON(t, h, "/settlements/"+created.ID, &got))
	assert.Equal(t, settlement.StatusCompleted, got.Status)
	require.NotNil(t, got.TotalFee)
	assert.True(t, got.TotalFee.IsPositive())
	assert.True(t, got.Legs[0].ReceivedAmount.IsPositive())

	pending = nil
	require.Equal(t, http.StatusOK, getJSON(t, h, "/settlements/pending", &pending))
	assert.Empty(t, pending)

	var list []settlement.Settlement
	require.Equal(t, http.StatusOK, getJSON(t, h, "/users/u1/settlements?limit=10", &list))
	assert.Len(t, list, 1)

	var comps []settlement.Compensation
	require.Equal(t, http.StatusOK, getJSON(t, h, "/settlements/"+created.ID+"/compensations", &comps))
	assert.Empty(t, comps)

	var events []monitor.Event
	require.Equal(t, http.StatusOK, getJSON(t, h, "/events?type=settlement", &events))
	assert.NotEmpty(t, events)
}

func TestMonitorHandler_SettlementNotFound(t *testing.T) {
	h := newMonitorHandler(newTestEngine(t), nil)

	var errResp errorResponse
	code := getJSON(t, h, "/settlements/missing", &errResp)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, apperr.CodeNotFound, errResp.Code)

	code = getJSON(t, h, "/settlements/missing/compensations", &errResp)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueryInt(t *testing.T) {
	assert.Equal(t, 200, queryInt("", 200, 1000))
	assert.Equal(t, 1000, queryInt("5000", 200, 1000))
	assert.Equal(t, 200, queryInt("-3", 200, 1000))
	assert.Equal(t, 15, queryInt("15", 0, 0))
}
