package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidity-router/internal/settlement"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSwap         EventType = "swap"
	EventSettlement   EventType = "settlement"
	EventCompensation EventType = "compensation"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// EventQuery 为事件检索条件，零值字段不参与过滤。
type EventQuery struct {
	Type  EventType
	Since time.Time
	Limit int
}

// SwapPayload 记录一次兑换请求与结果。
type SwapPayload struct {
	AgentID        string          `json:"agent_id,omitempty"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	Amount         decimal.Decimal `json:"amount"`
	Chain          string          `json:"chain,omitempty"`
	Success        bool            `json:"success"`
	Providers      []string        `json:"providers"`
	ExecutedPrice  decimal.Decimal `json:"executed_price"`
	ReceivedAmount decimal.Decimal `json:"received_amount"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	Fee            decimal.Decimal `json:"fee"`
	GasCost        decimal.Decimal `json:"gas_cost"`
	TxRef          string          `json:"tx_ref,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// SettlementPayload 记录结算状态变更后的快照。
type SettlementPayload struct {
	Settlement settlement.Settlement `json:"settlement"`
}

// CompensationPayload 记录进入人工复核队列的补偿项。
type CompensationPayload struct {
	Compensation settlement.Compensation `json:"compensation"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
