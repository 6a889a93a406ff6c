package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/config"
	"liquidity-router/internal/liquidity"
)

var hundred = decimal.NewFromInt(100)

// Options 控制最优执行选择。
type Options struct {
	MaxPriceImpactPct decimal.Decimal
	MaxSplitProviders int
	AmountPrecision   int32
	QuoteTimeout      time.Duration
}

// DefaultOptions 返回默认选择参数。
func DefaultOptions() Options {
	return Options{
		MaxPriceImpactPct: decimal.NewFromInt(1),
		MaxSplitProviders: 3,
		AmountPrecision:   8,
	}
}

// OptionsFromConfig 将路由配置转换为选择参数。
func OptionsFromConfig(cfg config.RoutingConfig) Options {
	opts := DefaultOptions()
	if !cfg.MaxPriceImpactPct.IsZero() {
		opts.MaxPriceImpactPct = cfg.MaxPriceImpactPct
	}
	if cfg.MaxSplitProviders > 0 {
		opts.MaxSplitProviders = cfg.MaxSplitProviders
	}
	if cfg.AmountPrecision > 0 {
		opts.AmountPrecision = cfg.AmountPrecision
	}
	opts.QuoteTimeout = cfg.QuoteTimeout
	return opts
}

// Selector 并发询价并决定单一场所或拆单执行。纯决策，不执行任何兑换。
type Selector struct {
	opts   Options
	logger *zap.Logger
}

// NewSelector 创建选择器。
func NewSelector(opts Options, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxSplitProviders <= 0 {
		opts.MaxSplitProviders = 1
	}
	return &Selector{opts: opts, logger: logger}
}

// Select 为请求生成执行计划。
func (s *Selector) Select(ctx context.Context, req liquidity.SwapRequest, providers []liquidity.Provider) (liquidity.ExecutionPlan, error) {
	if err := req.Validate(); err != nil {
		return liquidity.ExecutionPlan{}, apperr.Wrap(apperr.CodeInvalidInput, err, "兑换请求无效")
	}

	eligible := Eligible(req, providers)
	if len(eligible) == 0 {
		return liquidity.ExecutionPlan{}, apperr.New(apperr.CodeNoExecutionPath,
			"没有场所支持 %s (chain=%q)", req.Pair(), req.Chain)
	}

	calls := make([]quoteCall, 0, len(eligible))
	for _, p := range eligible {
		calls = append(calls, quoteCall{provider: p, req: req})
	}
	quotes := make([]liquidity.Quote, 0, len(eligible))
	for _, res := range s.gatherQuotes(ctx, calls) {
		if res.err != nil {
			continue
		}
		quotes = append(quotes, res.quote)
	}

	if len(quotes) == 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return liquidity.ExecutionPlan{}, ctxErr
		}
		return liquidity.ExecutionPlan{}, apperr.New(apperr.CodeNoExecutionPath,
			"%d 个场所均未返回有效报价 %s (chain=%q)", len(eligible), req.Pair(), req.Chain)
	}

	ranked := Rank(quotes)
	best := ranked[0]

	s.logger.Debug("报价排序完成",
		zap.String("pair", req.Pair().String()),
		zap.String("amount", req.Amount.String()),
		zap.Int("quotes", len(ranked)),
		zap.String("best_provider", best.Provider),
		zap.String("best_effective_output", EffectiveOutput(best).String()),
	)

	single := liquidity.ExecutionPlan{Best: best, Single: &best}

	if !s.needsSplit(best, req.Amount) {
		return single, nil
	}

	splits, ok := s.buildSplit(ctx, req, ranked, eligible)
	if !ok {
		return single, nil
	}

	s.logger.Info("最优报价流动性不足，执行拆单",
		zap.String("pair", req.Pair().String()),
		zap.String("amount", req.Amount.String()),
		zap.Int("splits", len(splits)),
		zap.String("best_depth", best.LiquidityDepth.String()),
		zap.String("best_impact_pct", best.PriceImpactPct.String()),
	)

	return liquidity.ExecutionPlan{Best: best, Splits: splits}, nil
}

// Eligible 过滤出支持交易对与链的场所。
func Eligible(req liquidity.SwapRequest, providers []liquidity.Provider) []liquidity.Provider {
	pair := req.Pair()
	out := make([]liquidity.Provider, 0, len(providers))
	for _, p := range providers {
		if p == nil || !p.SupportsPair(pair) || !liquidity.SupportsChain(p, req.Chain) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// EffectiveOutput 计算扣除费用并按价格冲击折算后的净产出。
func EffectiveOutput(q liquidity.Quote) decimal.Decimal {
	net := q.ToAmount.Sub(q.Fees.Total())
	impact := q.PriceImpactPct
	if impact.IsNegative() {
		impact = decimal.Zero
	}
	if impact.GreaterThan(hundred) {
		impact = hundred
	}
	return net.Mul(hundred.Sub(impact)).Div(hundred)
}

// Rank 按净产出降序排列，净产出相同时按场所名排序。
func Rank(quotes []liquidity.Quote) []liquidity.Quote {
	ranked := make([]liquidity.Quote, len(quotes))
	copy(ranked, quotes)
	sort.SliceStable(ranked, func(i, j int) bool {
		ei, ej := EffectiveOutput(ranked[i]), EffectiveOutput(ranked[j])
		if !ei.Equal(ej) {
			return ei.GreaterThan(ej)
		}
		return ranked[i].Provider < ranked[j].Provider
	})
	return ranked
}

func (s *Selector) needsSplit(best liquidity.Quote, amount decimal.Decimal) bool {
	if s.opts.MaxSplitProviders < 2 {
		return false
	}
	if best.PriceImpactPct.GreaterThan(s.opts.MaxPriceImpactPct) {
		return true
	}
	return best.LiquidityDepth.IsPositive() && best.LiquidityDepth.LessThan(amount)
}

// buildSplit 按各场所深度比例分配数量并按分配数量重新询价。
func (s *Selector) buildSplit(ctx context.Context, req liquidity.SwapRequest, ranked []liquidity.Quote, eligible []liquidity.Provider) ([]liquidity.SplitOrder, bool) {
	byName := make(map[string]liquidity.Provider, len(eligible))
	for _, p := range eligible {
		byName[p.Name()] = p
	}

	candidates := make([]liquidity.Quote, 0, s.opts.MaxSplitProviders)
	for _, q := range ranked {
		if len(candidates) == s.opts.MaxSplitProviders {
			break
		}
		if !q.LiquidityDepth.IsPositive() || !EffectiveOutput(q).IsPositive() {
			continue
		}
		if _, ok := byName[q.Provider]; !ok {
			continue
		}
		candidates = append(candidates, q)
	}

	var amounts []decimal.Decimal
	for {
		if len(candidates) < 2 {
			return nil, false
		}
		depths := make([]decimal.Decimal, len(candidates))
		for i, q := range candidates {
			depths[i] = q.LiquidityDepth
		}
		amounts = Partition(req.Amount, depths, s.opts.AmountPrecision)

		kept := candidates[:0:0]
		for i, q := range candidates {
			if amounts[i].IsPositive() {
				kept = append(kept, q)
			}
		}
		if len(kept) == len(candidates) {
			break
		}
		candidates = kept
	}

	calls := make([]quoteCall, len(candidates))
	for i, q := range candidates {
		calls[i] = quoteCall{provider: byName[q.Provider], req: req.WithAmount(amounts[i])}
	}
	results := s.gatherQuotes(ctx, calls)

	percentages := Percentages(req.Amount, amounts)
	splits := make([]liquidity.SplitOrder, len(candidates))
	for i, res := range results {
		if res.err != nil {
			s.logger.Warn("拆单重新询价失败，退回单一场所",
				zap.String("provider", candidates[i].Provider),
				zap.Error(res.err),
			)
			return nil, false
		}
		splits[i] = liquidity.SplitOrder{
			Provider:   candidates[i].Provider,
			Amount:     amounts[i],
			Percentage: percentages[i],
			Quote:      res.quote,
		}
	}
	return splits, true
}

// Partition 按权重拆分总量，最后一份吸收截断余数，保证总和等于 total。
func Partition(total decimal.Decimal, weights []decimal.Decimal, precision int32) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return out
	}
	sum := decimal.Zero
	for _, w := range weights {
		if w.IsPositive() {
			sum = sum.Add(w)
		}
	}
	if !sum.IsPositive() {
		out[len(out)-1] = total
		return out
	}

	allocated := decimal.Zero
	for i := 0; i < len(weights)-1; i++ {
		w := weights[i]
		if !w.IsPositive() {
			out[i] = decimal.Zero
			continue
		}
		share := total.Mul(w).Div(sum).Truncate(precision)
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[len(out)-1] = total.Sub(allocated)
	return out
}

// Percentages 计算每份占比，最后一份补足到 100。
func Percentages(total decimal.Decimal, amounts []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(amounts))
	if len(amounts) == 0 || !total.IsPositive() {
		return out
	}
	allocated := decimal.Zero
	for i := 0; i < len(amounts)-1; i++ {
		pct := amounts[i].Mul(hundred).Div(total).Round(4)
		out[i] = pct
		allocated = allocated.Add(pct)
	}
	out[len(out)-1] = hundred.Sub(allocated)
	return out
}

type quoteCall struct {
	provider liquidity.Provider
	req      liquidity.SwapRequest
}

type quoteResult struct {
	quote liquidity.Quote
	err   error
}

// gatherQuotes 并发询价并等待全部返回；单个场所失败不影响其他场所。
func (s *Selector) gatherQuotes(ctx context.Context, calls []quoteCall) []quoteResult {
	quoteCtx := ctx
	if s.opts.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		quoteCtx, cancel = context.WithTimeout(ctx, s.opts.QuoteTimeout)
		defer cancel()
	}

	results := make([]quoteResult, len(calls))
	group, groupCtx := errgroup.WithContext(quoteCtx)

	for i, call := range calls {
		group.Go(func() error {
			start := time.Now()
			q, err := call.provider.GetPriceQuote(groupCtx, call.req)
			if err == nil {
				q, err = normalizeQuote(call.provider.Name(), call.req, q)
			}
			if err != nil {
				s.logger.Warn("场所报价失败，已排除",
					zap.String("provider", call.provider.Name()),
					zap.String("pair", call.req.Pair().String()),
					zap.Duration("latency", time.Since(start)),
					zap.Error(err),
				)
			}
			results[i] = quoteResult{quote: q, err: err}
			// 报价失败不返回错误，避免取消其他场所的请求
			return nil
		})
	}

	_ = group.Wait()
	return results
}

func normalizeQuote(name string, req liquidity.SwapRequest, q liquidity.Quote) (liquidity.Quote, error) {
	if q.Provider == "" {
		q.Provider = name
	}
	if q.Provider != name {
		return q, fmt.Errorf("报价场所不一致: got %q want %q", q.Provider, name)
	}
	if !q.ToAmount.IsPositive() {
		return q, fmt.Errorf("报价产出无效: %s", q.ToAmount)
	}
	if q.FromAmount.IsZero() {
		q.FromAmount = req.Amount
	}
	if q.FromToken == "" {
		q.FromToken = req.FromToken
	}
	if q.ToToken == "" {
		q.ToToken = req.ToToken
	}
	if q.Price.IsZero() && q.FromAmount.IsPositive() {
		q.Price = q.ToAmount.Div(q.FromAmount)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	return q, nil
}
