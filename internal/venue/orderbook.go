package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-router/internal/config"
	"liquidity-router/internal/liquidity"
)

// bookClient 为订单簿场所所需的交易所能力。
type bookClient interface {
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

type market struct {
	symbol string
	base   string
	quote  string
}

// OrderBookVenue 通过 ccxt 订单簿报价并以市价单成交。
type OrderBookVenue struct {
	cfg         config.VenueConfig
	client      bookClient
	loadMarkets func() error
	markets     []market
	logger      *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewOrderBookVenue 根据配置创建 ccxt 客户端。
func NewOrderBookVenue(cfg config.VenueConfig, logger *zap.Logger) (*OrderBookVenue, error) {
	client, load, err := newExchangeClient(cfg)
	if err != nil {
		return nil, err
	}
	return newOrderBookVenue(cfg, client, load, logger)
}

func newOrderBookVenue(cfg config.VenueConfig, client bookClient, load func() error, logger *zap.Logger) (*OrderBookVenue, error) {
	if client == nil {
		return nil, errors.New("venue: 交易所客户端不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	markets := make([]market, 0, len(cfg.Markets))
	for _, symbol := range cfg.Markets {
		m, err := parseMarket(symbol)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}

	return &OrderBookVenue{
		cfg:         cfg,
		client:      client,
		loadMarkets: load,
		markets:     markets,
		logger:      logger.With(zap.String("venue", cfg.Name)),
	}, nil
}

func newExchangeClient(cfg config.VenueConfig) (bookClient, func() error, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}
	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}

	switch strings.ToLower(cfg.Exchange) {
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	default:
		return nil, nil, fmt.Errorf("venue: 不支持的交易所 %q", cfg.Exchange)
	}
}

func parseMarket(symbol string) (market, error) {
	s := strings.TrimSpace(symbol)
	base, rest, ok := strings.Cut(s, "/")
	if !ok || base == "" || rest == "" {
		return market{}, fmt.Errorf("venue: 交易对格式无效 %q", symbol)
	}
	quote, _, _ := strings.Cut(rest, ":")
	return market{symbol: s, base: base, quote: quote}, nil
}

// Name 返回场所名。
func (v *OrderBookVenue) Name() string {
	return v.cfg.Name
}

// SupportedChains 返回配置的链。
func (v *OrderBookVenue) SupportedChains() []string {
	return v.cfg.Chains
}

// SupportsPair 判断是否存在对应市场。
func (v *OrderBookVenue) SupportsPair(pair liquidity.Pair) bool {
	_, _, ok := v.resolve(pair)
	return ok
}

// resolve 返回市场与方向：买入 base 时为 buy，卖出 base 时为 sell。
func (v *OrderBookVenue) resolve(pair liquidity.Pair) (market, string, bool) {
	for _, m := range v.markets {
		switch {
		case liquidity.SameToken(pair.From, m.quote) && liquidity.SameToken(pair.To, m.base):
			return m, "buy", true
		case liquidity.SameToken(pair.From, m.base) && liquidity.SameToken(pair.To, m.quote):
			return m, "sell", true
		}
	}
	return market{}, "", false
}

// GetPriceQuote 遍历订单簿估算成交。
func (v *OrderBookVenue) GetPriceQuote(ctx context.Context, req liquidity.SwapRequest) (liquidity.Quote, error) {
	if !req.Amount.IsPositive() {
		return liquidity.Quote{}, fmt.Errorf("venue: 报价数量必须为正: %s", req.Amount)
	}
	m, side, ok := v.resolve(req.Pair())
	if !ok {
		return liquidity.Quote{}, fmt.Errorf("%w: %s %s", ErrUnsupportedPair, v.cfg.Name, req.Pair())
	}

	book, err := v.fetchBook(ctx, m)
	if err != nil {
		return liquidity.Quote{}, err
	}

	fill, err := walkBook(book, side, req.Amount)
	if err != nil {
		return liquidity.Quote{}, fmt.Errorf("%s %s: %w", v.cfg.Name, m.symbol, err)
	}

	fees := liquidity.Fees{ProviderFee: fill.output.Mul(v.cfg.TakerFeeRate)}
	if v.cfg.GasFee.IsPositive() {
		gas := v.cfg.GasFee
		fees.GasFee = &gas
	}

	return liquidity.Quote{
		Provider:       v.cfg.Name,
		FromToken:      req.FromToken,
		ToToken:        req.ToToken,
		FromAmount:     req.Amount,
		ToAmount:       fill.output,
		Price:          fill.output.Div(fill.filled),
		PriceImpactPct: fill.impactPct,
		Fees:           fees,
		Route: []liquidity.RouteHop{{
			Venue:     v.cfg.Name,
			FromToken: req.FromToken,
			ToToken:   req.ToToken,
			Pool:      m.symbol,
		}},
		LiquidityDepth: fill.depth,
		Timestamp:      book.Timestamp,
	}, nil
}

// ExecuteSwap 提交市价单。
func (v *OrderBookVenue) ExecuteSwap(ctx context.Context, req liquidity.SwapRequest) (liquidity.SwapOutcome, error) {
	if !req.Amount.IsPositive() {
		return liquidity.SwapOutcome{}, fmt.Errorf("venue: 兑换数量必须为正: %s", req.Amount)
	}
	m, side, ok := v.resolve(req.Pair())
	if !ok {
		return liquidity.SwapOutcome{}, fmt.Errorf("%w: %s %s", ErrUnsupportedPair, v.cfg.Name, req.Pair())
	}

	book, err := v.fetchBook(ctx, m)
	if err != nil {
		return liquidity.SwapOutcome{}, err
	}
	fill, err := walkBook(book, side, req.Amount)
	if err != nil {
		return liquidity.SwapOutcome{}, fmt.Errorf("%s %s: %w", v.cfg.Name, m.symbol, err)
	}
	if fill.filled.LessThan(req.Amount) {
		return liquidity.SwapOutcome{}, fmt.Errorf("%s %s: %w: 可成交 %s / 请求 %s",
			v.cfg.Name, m.symbol, ErrNoLiquidity, fill.filled, req.Amount)
	}

	// ccxt 市价单数量以 base 计价
	baseAmount := req.Amount
	if side == "buy" {
		baseAmount = fill.output
	}
	amount, _ := baseAmount.Float64()

	var opts []ccxt.CreateMarketOrderOptions
	params := map[string]interface{}{}
	if req.Slippage.IsPositive() {
		params["slippage"] = req.Slippage.Div(hundred).StringFixed(6)
	}
	for k, val := range v.cfg.Params {
		params[k] = val
	}
	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
	}

	var order ccxt.Order
	err = v.callWithRetry(ctx, "create_market_order", func() error {
		result, err := v.client.CreateMarketOrder(m.symbol, side, amount, opts...)
		if err != nil {
			return err
		}
		order = result
		return nil
	})
	if err != nil {
		return liquidity.SwapOutcome{}, err
	}

	requested := decimal.NewFromFloat(amount)
	filledBase := requested
	if order.Filled != nil {
		filledBase = decimal.NewFromFloat(*order.Filled)
	}
	// 成交均价以 quote/base 计价，交易所未返回时按订单簿估算
	avg := req.Amount.Div(fill.output)
	if side == "sell" {
		avg = fill.output.Div(req.Amount)
	}
	if order.Average != nil && *order.Average > 0 {
		avg = decimal.NewFromFloat(*order.Average)
	}

	// executed 以源代币计，received 以目标代币计
	executed, received := filledBase.Mul(avg), filledBase
	if side == "sell" {
		executed, received = filledBase, filledBase.Mul(avg)
	}

	var txRef string
	if order.Id != nil {
		txRef = *order.Id
	}

	fee := received.Mul(v.cfg.TakerFeeRate)
	outcome := liquidity.SwapOutcome{
		Success:        filledBase.IsPositive(),
		Providers:      []string{v.cfg.Name},
		ExecutedAmount: executed,
		ReceivedAmount: received.Sub(fee),
		PriceImpactPct: fill.impactPct,
		GasCost:        v.cfg.GasFee,
		Fee:            fee,
		TxRef:          txRef,
		Timestamp:      time.Now().UTC(),
	}
	if executed.IsPositive() {
		outcome.ExecutedPrice = received.Div(executed)
	}
	if filledBase.LessThan(requested) {
		outcome.Success = false
		outcome.Error = fmt.Sprintf("部分成交: %s / %s %s", filledBase, requested, m.base)
		v.logger.Warn("市价单未完全成交",
			zap.String("venue", v.cfg.Name),
			zap.String("symbol", m.symbol),
			zap.String("side", side),
			zap.String("filled", filledBase.String()),
			zap.String("requested", requested.String()),
			zap.String("tx_ref", txRef),
		)
	}
	return outcome, nil
}

// GetLiquidity 返回订单簿在该方向上的可成交深度。
func (v *OrderBookVenue) GetLiquidity(ctx context.Context, pair liquidity.Pair) (liquidity.LiquidityInfo, error) {
	m, side, ok := v.resolve(pair)
	if !ok {
		return liquidity.LiquidityInfo{}, fmt.Errorf("%w: %s %s", ErrUnsupportedPair, v.cfg.Name, pair)
	}
	book, err := v.fetchBook(ctx, m)
	if err != nil {
		return liquidity.LiquidityInfo{}, err
	}

	depthIn, depthOut := bookDepth(book, side)
	return liquidity.LiquidityInfo{
		Provider:   v.cfg.Name,
		Pair:       pair,
		Depth:      depthIn,
		ReserveIn:  depthIn,
		ReserveOut: depthOut,
		UpdatedAt:  book.Timestamp,
	}, nil
}

func (v *OrderBookVenue) fetchBook(ctx context.Context, m market) (orderBookSnapshot, error) {
	depth := int64(v.cfg.OrderBookDepth)
	if depth <= 0 {
		depth = 50
	}

	var raw ccxt.OrderBook
	err := v.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := v.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		orderBook, err := v.client.FetchOrderBook(m.symbol, ccxt.WithFetchOrderBookLimit(depth))
		if err != nil {
			return err
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return orderBookSnapshot{}, err
	}
	return convertOrderBook(m.symbol, raw), nil
}

func (v *OrderBookVenue) ensureMarketsLoaded(ctx context.Context) error {
	if v.loadMarkets == nil {
		return nil
	}

	v.marketsMu.Lock()
	defer v.marketsMu.Unlock()

	if v.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.loadMarkets(); err != nil {
		return err
	}

	v.marketsLoaded = true
	v.logger.Info("已完成市场元数据加载", zap.Int("markets", len(v.markets)))
	return nil
}

func (v *OrderBookVenue) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := v.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := v.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := v.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				v.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			v.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			v.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		v.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
