package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-router/internal/config"
	"liquidity-router/internal/liquidity"
)

type pool struct {
	tokenA   string
	tokenB   string
	reserveA decimal.Decimal
	reserveB decimal.Decimal
	feeRate  decimal.Decimal
}

// reserves 返回按兑换方向排列的储备。
func (p *pool) reserves(pair liquidity.Pair) (decimal.Decimal, decimal.Decimal, bool) {
	switch {
	case liquidity.SameToken(pair.From, p.tokenA) && liquidity.SameToken(pair.To, p.tokenB):
		return p.reserveA, p.reserveB, true
	case liquidity.SameToken(pair.From, p.tokenB) && liquidity.SameToken(pair.To, p.tokenA):
		return p.reserveB, p.reserveA, true
	default:
		return decimal.Zero, decimal.Zero, false
	}
}

func (p *pool) apply(pair liquidity.Pair, in, out decimal.Decimal) {
	if liquidity.SameToken(pair.From, p.tokenA) {
		p.reserveA = p.reserveA.Add(in)
		p.reserveB = p.reserveB.Sub(out)
		return
	}
	p.reserveB = p.reserveB.Add(in)
	p.reserveA = p.reserveA.Sub(out)
}

type poolFill struct {
	gross     decimal.Decimal
	fee       decimal.Decimal
	impactPct decimal.Decimal
	reserveIn decimal.Decimal
}

// swapOut 按 x*y=k 计算，手续费以目标代币收取并留在池内。
func (p *pool) swapOut(pair liquidity.Pair, amount decimal.Decimal) (poolFill, bool) {
	reserveIn, reserveOut, ok := p.reserves(pair)
	if !ok {
		return poolFill{}, false
	}
	gross := reserveOut.Mul(amount).Div(reserveIn.Add(amount))
	return poolFill{
		gross:     gross,
		fee:       gross.Mul(p.feeRate),
		impactPct: amount.Div(reserveIn.Add(amount)).Mul(hundred),
		reserveIn: reserveIn,
	}, true
}

// PoolVenue 为内存中的恒定乘积资金池集合，用于模拟盘与测试。
type PoolVenue struct {
	name   string
	chains []string
	gasFee decimal.Decimal
	logger *zap.Logger

	mu    sync.Mutex
	pools []*pool
}

// NewPoolVenue 根据配置初始化资金池。
func NewPoolVenue(cfg config.VenueConfig, logger *zap.Logger) (*PoolVenue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("venue: %s 未配置资金池", cfg.Name)
	}

	pools := make([]*pool, 0, len(cfg.Pools))
	for i, pc := range cfg.Pools {
		if !pc.ReserveA.IsPositive() || !pc.ReserveB.IsPositive() {
			return nil, fmt.Errorf("venue: %s pools[%d] 储备必须为正", cfg.Name, i)
		}
		pools = append(pools, &pool{
			tokenA:   pc.TokenA,
			tokenB:   pc.TokenB,
			reserveA: pc.ReserveA,
			reserveB: pc.ReserveB,
			feeRate:  pc.FeeRate,
		})
	}

	return &PoolVenue{
		name:   cfg.Name,
		chains: cfg.Chains,
		gasFee: cfg.GasFee,
		logger: logger.With(zap.String("venue", cfg.Name)),
		pools:  pools,
	}, nil
}

func (v *PoolVenue) Name() string { return v.name }

func (v *PoolVenue) SupportedChains() []string { return v.chains }

func (v *PoolVenue) SupportsPair(pair liquidity.Pair) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.find(pair) != nil
}

func (v *PoolVenue) find(pair liquidity.Pair) *pool {
	for _, p := range v.pools {
		if _, _, ok := p.reserves(pair); ok {
			return p
		}
	}
	return nil
}

// GetPriceQuote 基于当前储备报价，不修改池状态。
func (v *PoolVenue) GetPriceQuote(ctx context.Context, req liquidity.SwapRequest) (liquidity.Quote, error) {
	if err := ctx.Err(); err != nil {
		return liquidity.Quote{}, err
	}
	if !req.Amount.IsPositive() {
		return liquidity.Quote{}, fmt.Errorf("venue: 报价数量必须为正: %s", req.Amount)
	}

	v.mu.Lock()
	p := v.find(req.Pair())
	var fill poolFill
	if p != nil {
		fill, _ = p.swapOut(req.Pair(), req.Amount)
	}
	v.mu.Unlock()

	if p == nil {
		return liquidity.Quote{}, fmt.Errorf("%w: %s %s", ErrUnsupportedPair, v.name, req.Pair())
	}

	fees := liquidity.Fees{ProviderFee: fill.fee}
	if v.gasFee.IsPositive() {
		gas := v.gasFee
		fees.GasFee = &gas
	}

	return liquidity.Quote{
		Provider:       v.name,
		FromToken:      req.FromToken,
		ToToken:        req.ToToken,
		FromAmount:     req.Amount,
		ToAmount:       fill.gross,
		Price:          fill.gross.Div(req.Amount),
		PriceImpactPct: fill.impactPct,
		Fees:           fees,
		Route: []liquidity.RouteHop{{
			Venue:     v.name,
			FromToken: req.FromToken,
			ToToken:   req.ToToken,
			Pool:      p.tokenA + "-" + p.tokenB,
		}},
		LiquidityDepth: fill.reserveIn,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// ExecuteSwap 原子地更新储备。成交价低于报价的滑点容忍时拒绝且不改动储备。
func (v *PoolVenue) ExecuteSwap(ctx context.Context, req liquidity.SwapRequest) (liquidity.SwapOutcome, error) {
	if err := ctx.Err(); err != nil {
		return liquidity.SwapOutcome{}, err
	}
	if !req.Amount.IsPositive() {
		return liquidity.SwapOutcome{}, fmt.Errorf("venue: 兑换数量必须为正: %s", req.Amount)
	}

	v.mu.Lock()
	p := v.find(req.Pair())
	if p == nil {
		v.mu.Unlock()
		return liquidity.SwapOutcome{}, fmt.Errorf("%w: %s %s", ErrUnsupportedPair, v.name, req.Pair())
	}
	fill, _ := p.swapOut(req.Pair(), req.Amount)
	if minPrice, ok := req.MinAcceptablePrice(); ok {
		if price := fill.gross.Div(req.Amount); price.LessThan(minPrice) {
			v.mu.Unlock()
			v.logger.Warn("资金池成交价超出滑点容忍，已拒绝",
				zap.String("pair", req.Pair().String()),
				zap.String("quoted_price", req.QuotedPrice.String()),
				zap.String("price", price.String()),
				zap.String("slippage_pct", req.Slippage.String()),
			)
			return liquidity.SwapOutcome{
				Success:   false,
				Providers: []string{v.name},
				Error:     fmt.Sprintf("滑点超出容忍: 报价 %s, 成交 %s, 容忍 %s%%", req.QuotedPrice, price, req.Slippage),
				Timestamp: time.Now().UTC(),
			}, nil
		}
	}
	received := fill.gross.Sub(fill.fee)
	p.apply(req.Pair(), req.Amount, received)
	v.mu.Unlock()

	txRef := "pool-" + uuid.NewString()
	v.logger.Debug("资金池兑换完成",
		zap.String("pair", req.Pair().String()),
		zap.String("amount_in", req.Amount.String()),
		zap.String("amount_out", received.String()),
		zap.String("tx_ref", txRef),
	)

	return liquidity.SwapOutcome{
		Success:        true,
		Providers:      []string{v.name},
		ExecutedPrice:  received.Div(req.Amount),
		ExecutedAmount: req.Amount,
		ReceivedAmount: received,
		PriceImpactPct: fill.impactPct,
		GasCost:        v.gasFee,
		Fee:            fill.fee,
		TxRef:          txRef,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// GetLiquidity 返回池内储备。
func (v *PoolVenue) GetLiquidity(ctx context.Context, pair liquidity.Pair) (liquidity.LiquidityInfo, error) {
	if err := ctx.Err(); err != nil {
		return liquidity.LiquidityInfo{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	p := v.find(pair)
	if p == nil {
		return liquidity.LiquidityInfo{}, fmt.Errorf("%w: %s %s", ErrUnsupportedPair, v.name, pair)
	}
	in, out, _ := p.reserves(pair)
	return liquidity.LiquidityInfo{
		Provider:   v.name,
		Pair:       pair,
		Depth:      in,
		ReserveIn:  in,
		ReserveOut: out,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}
