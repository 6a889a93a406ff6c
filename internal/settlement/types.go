package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 为结算状态，只能按 PENDING → EXECUTING → COMPLETED|ROLLED_BACK 推进。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusExecuting  Status = "EXECUTING"
	StatusCompleted  Status = "COMPLETED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// LegStatus 为单腿状态。
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegExecuting LegStatus = "executing"
	LegCompleted LegStatus = "completed"
	LegFailed    LegStatus = "failed"
)

// Type 由腿数与链数推导，不由调用方指定。
type Type string

const (
	TypeCrossChain  Type = "cross_chain"
	TypeMultiAsset  Type = "multi_asset"
	TypeConditional Type = "conditional"
)

// Leg 为结算中的一次兑换。
type Leg struct {
	Chain          string          `json:"chain"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	Amount         decimal.Decimal `json:"amount"`
	Slippage       decimal.Decimal `json:"slippage"`
	Status         LegStatus       `json:"status"`
	Provider       string          `json:"provider,omitempty"`
	TxRef          string          `json:"tx_ref,omitempty"`
	Fee            decimal.Decimal `json:"fee"`
	ReceivedAmount decimal.Decimal `json:"received_amount"`
	Error          string          `json:"error,omitempty"`
}

// Settlement 为持久化的结算记录，终态后保留用于审计。
type Settlement struct {
	ID             string           `json:"settlement_id"`
	UserID         string           `json:"user_id"`
	AgentID        string           `json:"agent_id,omitempty"`
	StrategyID     string           `json:"strategy_id,omitempty"`
	Type           Type             `json:"settlement_type"`
	Chains         []string         `json:"chains"`
	Legs           []Leg            `json:"legs"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	TotalFee       *decimal.Decimal `json:"total_fee,omitempty"`
	Status         Status           `json:"status"`
	RollbackReason string           `json:"rollback_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExecutedAt     *time.Time       `json:"executed_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// LegRequest 描述待创建的一条腿。
type LegRequest struct {
	Chain     string
	FromToken string
	ToToken   string
	Amount    decimal.Decimal
	Slippage  decimal.Decimal // 百分比，零值表示不校验
}

// CreateRequest 为创建结算的参数。TotalAmount 为零时取各腿数量之和。
type CreateRequest struct {
	UserID      string
	AgentID     string
	StrategyID  string
	Legs        []LegRequest
	TotalAmount decimal.Decimal
}

// CompensationStatus 为补偿记录状态。
type CompensationStatus string

// CompensationPendingReview 表示等待人工处理。
const CompensationPendingReview CompensationStatus = "pending_review"

// Compensation 为回滚时针对已完成腿登记的反向兑换意图，不会自动执行。
type Compensation struct {
	ID            int64              `json:"id"`
	SettlementID  string             `json:"settlement_id"`
	LegIndex      int                `json:"leg_index"`
	Chain         string             `json:"chain"`
	FromToken     string             `json:"from_token"`
	ToToken       string             `json:"to_token"`
	Amount        decimal.Decimal    `json:"amount"`
	OriginalTxRef string             `json:"original_tx_ref"`
	Status        CompensationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Transition 为带前置状态校验的状态变更。
type Transition struct {
	From           Status
	To             Status
	At             time.Time
	Legs           []Leg // nil 表示不修改
	TotalFee       *decimal.Decimal
	RollbackReason string
}

func deriveType(chains []string, legs int) Type {
	switch {
	case len(chains) > 1:
		return TypeCrossChain
	case legs > 1:
		return TypeMultiAsset
	default:
		return TypeConditional
	}
}
