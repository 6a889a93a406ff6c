package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"liquidity-router/internal/liquidity"
	"liquidity-router/internal/settlement"
	"liquidity-router/internal/store"
)

const defaultEventLimit = 100

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 创建监控服务，表结构由 store 迁移创建。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil || store.DB() == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		db:     store.DB(),
		logger: logger,
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), formatEventTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordSwap 记录兑换执行。
func (s *Service) RecordSwap(ctx context.Context, agentID string, req liquidity.SwapRequest, outcome liquidity.SwapOutcome) {
	payload := SwapPayload{
		AgentID:        agentID,
		FromToken:      req.FromToken,
		ToToken:        req.ToToken,
		Amount:         req.Amount,
		Chain:          req.Chain,
		Success:        outcome.Success,
		Providers:      outcome.Providers,
		ExecutedPrice:  outcome.ExecutedPrice,
		ReceivedAmount: outcome.ReceivedAmount,
		PriceImpactPct: outcome.PriceImpactPct,
		Fee:            outcome.Fee,
		GasCost:        outcome.GasCost,
		TxRef:          outcome.TxRef,
		Error:          outcome.Error,
	}
	if err := s.Record(ctx, Event{
		Type:      EventSwap,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录兑换事件失败", zap.Error(err))
	}
}

// RecordSettlement 记录结算状态。
func (s *Service) RecordSettlement(ctx context.Context, st settlement.Settlement) {
	if err := s.Record(ctx, Event{
		Type:      EventSettlement,
		Timestamp: time.Now().UTC(),
		Payload:   SettlementPayload{Settlement: st},
	}); err != nil {
		s.logger.Warn("记录结算事件失败", zap.String("settlement_id", st.ID), zap.Error(err))
	}
}

// RecordCompensation 记录待复核的补偿项。
func (s *Service) RecordCompensation(ctx context.Context, c settlement.Compensation) {
	if err := s.Record(ctx, Event{
		Type:      EventCompensation,
		Timestamp: time.Now().UTC(),
		Payload:   CompensationPayload{Compensation: c},
	}); err != nil {
		s.logger.Warn("记录补偿事件失败", zap.String("settlement_id", c.SettlementID), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按条件检索最近事件，按写入顺序倒序返回。
func (s *Service) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if q.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatEventTime(q.Since))
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var typ, payload, created string
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, _ := time.Parse(eventTimeLayout, created)
		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}

// 定宽格式保证 created_at 按字符串比较即按时间比较。
const eventTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatEventTime(ts time.Time) string {
	return ts.UTC().Format(eventTimeLayout)
}
