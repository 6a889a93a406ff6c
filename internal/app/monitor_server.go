package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/liquidity"
	"liquidity-router/internal/monitor"
	"liquidity-router/internal/routing"
)

func startMonitorServer(ctx context.Context, engine *Engine, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMonitorHandler(engine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭查询服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("查询服务异常", zap.Error(err))
		}
	}()

	logger.Info("查询接口已启动", zap.String("addr", addr))
	return nil
}

func newMonitorHandler(engine *Engine, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &monitorHandler{engine: engine, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.events)
	mux.HandleFunc("GET /quote", h.quote)
	mux.HandleFunc("GET /settlements/pending", h.pendingSettlements)
	mux.HandleFunc("GET /settlements/{id}", h.settlement)
	mux.HandleFunc("GET /settlements/{id}/compensations", h.compensations)
	mux.HandleFunc("GET /users/{id}/settlements", h.userSettlements)
	return mux
}

type monitorHandler struct {
	engine *Engine
	logger *zap.Logger
}

func (h *monitorHandler) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 200, 1000)

	query := monitor.EventQuery{Limit: limit}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		query.Type = monitor.EventType(strings.ToLower(typ))
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, apperr.Wrap(apperr.CodeInvalidInput, err, "since 需为 RFC3339 时间"))
			return
		}
		query.Since = ts
	}

	events, err := h.engine.Monitor.ListEvents(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

type quoteResponse struct {
	Provider        string          `json:"provider"`
	ToAmount        decimal.Decimal `json:"to_amount"`
	EffectiveOutput decimal.Decimal `json:"effective_output"`
	PriceImpactPct  decimal.Decimal `json:"price_impact_pct"`
	TotalFee        decimal.Decimal `json:"total_fee"`
	Splits          []splitResponse `json:"splits,omitempty"`
}

type splitResponse struct {
	Provider   string          `json:"provider"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

func (h *monitorHandler) quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil {
		h.writeError(w, apperr.Wrap(apperr.CodeInvalidInput, err, "amount 无效"))
		return
	}
	req := liquidity.SwapRequest{
		FromToken: strings.TrimSpace(q.Get("from")),
		ToToken:   strings.TrimSpace(q.Get("to")),
		Amount:    amount,
		Chain:     strings.TrimSpace(q.Get("chain")),
	}

	plan, err := h.engine.Mesh.GetBestExecution(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newQuoteResponse(plan))
}

func newQuoteResponse(plan liquidity.ExecutionPlan) quoteResponse {
	resp := quoteResponse{
		Provider:        plan.Best.Provider,
		ToAmount:        plan.Best.ToAmount,
		EffectiveOutput: routing.EffectiveOutput(plan.Best),
		PriceImpactPct:  plan.Best.PriceImpactPct,
		TotalFee:        plan.Best.Fees.Total(),
	}
	for _, s := range plan.Splits {
		resp.Splits = append(resp.Splits, splitResponse{
			Provider:   s.Provider,
			Amount:     s.Amount,
			Percentage: s.Percentage,
		})
	}
	return resp
}

func (h *monitorHandler) pendingSettlements(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.Settlements.ListPending(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pending)
}

func (h *monitorHandler) settlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Settlements.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *monitorHandler) compensations(w http.ResponseWriter, r *http.Request) {
	comps, err := h.engine.Settlements.ListCompensations(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, comps)
}

func (h *monitorHandler) userSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 0, 0)
	offset := queryInt(q.Get("offset"), 0, 0)

	list, err := h.engine.Settlements.ListByUser(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

type errorResponse struct {
	Code   apperr.Code `json:"code"`
	Reason string      `json:"reason"`
}

func (h *monitorHandler) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidInput:
		status = http.StatusBadRequest
	case apperr.CodeNotFound, apperr.CodeProviderNotFound:
		status = http.StatusNotFound
	case apperr.CodePermissionDenied:
		status = http.StatusForbidden
	case apperr.CodeNoExecutionPath:
		status = http.StatusUnprocessableEntity
	case apperr.CodeInvalidState, apperr.CodeDuplicateProvider:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("查询接口处理失败", zap.Error(err))
	}
	h.writeJSON(w, status, errorResponse{Code: code, Reason: apperr.Reason(err)})
}

func (h *monitorHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("写入查询响应失败", zap.Error(err))
	}
}

// queryInt 解析正整数参数，非法时返回 def；upper 为 0 表示不设上限。
func queryInt(raw string, def, upper int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if upper > 0 && v > upper {
		return upper
	}
	return v
}
