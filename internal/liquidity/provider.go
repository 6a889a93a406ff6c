package liquidity

import "context"

// Provider 为可报价并执行兑换的流动性场所。
type Provider interface {
	// Name 返回场所唯一标识。
	Name() string

	// SupportedChains 返回场所可执行的链。
	SupportedChains() []string

	// SupportsPair 判断是否支持该兑换方向。
	SupportsPair(pair Pair) bool

	// GetPriceQuote 返回报价，不产生副作用。
	GetPriceQuote(ctx context.Context, req SwapRequest) (Quote, error)

	// ExecuteSwap 提交兑换。
	ExecuteSwap(ctx context.Context, req SwapRequest) (SwapOutcome, error)

	// GetLiquidity 返回交易对的流动性快照。
	GetLiquidity(ctx context.Context, pair Pair) (LiquidityInfo, error)
}

// SupportsChain 判断场所是否支持链；chain 为空时视为不限定。
func SupportsChain(p Provider, chain string) bool {
	if chain == "" {
		return true
	}
	for _, c := range p.SupportedChains() {
		if equalFold(c, chain) {
			return true
		}
	}
	return false
}
