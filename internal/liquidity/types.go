package liquidity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pair 表示兑换方向。
type Pair struct {
	From string
	To   string
}

// String returns "FROM/TO".
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.From, p.To)
}

// Reverse 返回反向交易对。
func (p Pair) Reverse() Pair {
	return Pair{From: p.To, To: p.From}
}

// SwapRequest 为一次兑换请求。
type SwapRequest struct {
	FromToken string
	ToToken   string
	Amount    decimal.Decimal
	Chain     string
	Slippage  decimal.Decimal // 百分比，0.5 表示 0.5%

	// QuotedPrice 为执行计划中的报价价格，场所据此校验滑点，零值不校验
	QuotedPrice decimal.Decimal
}

// Pair 返回请求对应的交易对。
func (r SwapRequest) Pair() Pair {
	return Pair{From: r.FromToken, To: r.ToToken}
}

// WithAmount 返回仅替换数量的副本。
func (r SwapRequest) WithAmount(amount decimal.Decimal) SwapRequest {
	r.Amount = amount
	return r
}

// WithQuote 返回携带报价价格的副本。
func (r SwapRequest) WithQuote(q Quote) SwapRequest {
	r.QuotedPrice = q.Price
	return r
}

// MinAcceptablePrice 返回滑点容忍下的最低成交价，未设置滑点或报价时返回 false。
func (r SwapRequest) MinAcceptablePrice() (decimal.Decimal, bool) {
	if !r.Slippage.IsPositive() || !r.QuotedPrice.IsPositive() {
		return decimal.Zero, false
	}
	hundred := decimal.NewFromInt(100)
	return r.QuotedPrice.Mul(hundred.Sub(r.Slippage)).Div(hundred), true
}

// Validate 校验请求字段。
func (r SwapRequest) Validate() error {
	if strings.TrimSpace(r.FromToken) == "" || strings.TrimSpace(r.ToToken) == "" {
		return fmt.Errorf("from/to token 不能为空")
	}
	if strings.EqualFold(r.FromToken, r.ToToken) {
		return fmt.Errorf("from/to token 不能相同: %s", r.FromToken)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount 必须为正: %s", r.Amount)
	}
	if r.Slippage.IsNegative() {
		return fmt.Errorf("slippage 不能为负: %s", r.Slippage)
	}
	return nil
}

// Fees 为报价费用明细，均以目标代币计价。
type Fees struct {
	ProviderFee decimal.Decimal
	GasFee      *decimal.Decimal
	BridgeFee   *decimal.Decimal
}

// Total 返回全部费用之和。
func (f Fees) Total() decimal.Decimal {
	total := f.ProviderFee
	if f.GasFee != nil {
		total = total.Add(*f.GasFee)
	}
	if f.BridgeFee != nil {
		total = total.Add(*f.BridgeFee)
	}
	return total
}

// RouteHop 描述多跳路径中的一跳。
type RouteHop struct {
	Venue     string
	FromToken string
	ToToken   string
	Pool      string
}

// Quote 为单个场所对一次请求的报价，仅在一次选择决策内有效。
type Quote struct {
	Provider          string
	FromToken         string
	ToToken           string
	FromAmount        decimal.Decimal
	ToAmount          decimal.Decimal
	Price             decimal.Decimal // 每单位源代币可得目标代币
	PriceImpactPct    decimal.Decimal
	Fees              Fees
	Route             []RouteHop
	EstimatedDuration time.Duration
	LiquidityDepth    decimal.Decimal // 场所可吸收的源代币数量
	Timestamp         time.Time
}

// SplitOrder 为拆单中的一份。
type SplitOrder struct {
	Provider   string
	Amount     decimal.Decimal
	Percentage decimal.Decimal
	Quote      Quote
}

// ExecutionPlan 为选择器输出：单一场所或拆单。
type ExecutionPlan struct {
	Best   Quote
	Single *Quote
	Splits []SplitOrder
}

// IsSplit 判断是否拆单。
func (p ExecutionPlan) IsSplit() bool {
	return len(p.Splits) > 0
}

// Providers 返回计划涉及的全部场所。
func (p ExecutionPlan) Providers() []string {
	if p.IsSplit() {
		names := make([]string, 0, len(p.Splits))
		for _, s := range p.Splits {
			names = append(names, s.Provider)
		}
		return names
	}
	if p.Single != nil {
		return []string{p.Single.Provider}
	}
	return nil
}

// SwapOutcome 为一次兑换的执行结果。
type SwapOutcome struct {
	Success        bool
	Providers      []string
	ExecutedPrice  decimal.Decimal
	ExecutedAmount decimal.Decimal // 实际卖出的源代币数量
	ReceivedAmount decimal.Decimal // 实际收到的目标代币数量
	PriceImpactPct decimal.Decimal
	GasCost        decimal.Decimal
	Fee            decimal.Decimal
	TxRef          string
	Error          string
	Timestamp      time.Time
}

// TotalCost 返回手续费与 gas 之和。
func (o SwapOutcome) TotalCost() decimal.Decimal {
	return o.Fee.Add(o.GasCost)
}

// LiquidityInfo 为场所在某交易对上的流动性快照。
type LiquidityInfo struct {
	Provider   string
	Pair       Pair
	Depth      decimal.Decimal
	ReserveIn  decimal.Decimal
	ReserveOut decimal.Decimal
	UpdatedAt  time.Time
}
