package authz

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategySwap 为单笔兑换的策略类型。
const StrategySwap = "swap"

// Authorization 为代理当前生效的授权。
type Authorization struct {
	AgentID           string
	Active            bool
	AllowedStrategies []string
	AllowedVenues     []string
	MaxAmountPerSwap  decimal.Decimal
	DailyLimit        decimal.Decimal
	ExpiresAt         time.Time
}

// Expired 判断授权在给定时间是否已过期，零值表示永不过期。
func (a Authorization) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// PermissionRequest 为一次策略权限检查。
type PermissionRequest struct {
	AgentID      string
	StrategyType string
	Amount       decimal.Decimal
	TokenAddress string
	DexName      string
	CexName      string
}

// Decision 为权限检查结果。
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow 返回允许结果。
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny 返回带原因的拒绝结果。
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// ExecutionRecord 为写入执行历史的记录。
type ExecutionRecord struct {
	StrategyType string
	Token        string
	Venue        string
	Amount       decimal.Decimal
	Success      bool
	TxRef        string
	Error        string
	ExecutedAt   time.Time
}

// Usage 为代理在某个交易日的累计用量。
type Usage struct {
	AgentID     string
	TradingDate string
	Amount      decimal.Decimal
	Executions  int
}
