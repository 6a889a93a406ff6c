package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/authz"
	"liquidity-router/internal/liquidity"
	"liquidity-router/internal/routing"
)

// Authorizer 为代理授权服务。
type Authorizer interface {
	// ActiveAuthorization 返回代理当前生效的授权，不存在时返回 nil。
	ActiveAuthorization(ctx context.Context, agentID string) (*authz.Authorization, error)
	// Reserve 执行权限检查，通过时占用日度额度直至 Release。
	Reserve(ctx context.Context, req authz.PermissionRequest) (authz.Decision, error)
	Release(agentID string, amount decimal.Decimal)
	RecordExecution(ctx context.Context, agentID string, rec authz.ExecutionRecord) error
}

// EventRecorder 记录兑换事件，失败时自行处理。
type EventRecorder interface {
	RecordSwap(ctx context.Context, agentID string, req liquidity.SwapRequest, outcome liquidity.SwapOutcome)
}

// Mesh 负责授权校验、选路与执行。
type Mesh struct {
	registry   *Registry
	selector   *routing.Selector
	authorizer Authorizer
	events     EventRecorder
	logger     *zap.Logger

	auditMu  sync.Mutex
	draining bool
	audits   sync.WaitGroup
}

// New 创建 Mesh。authorizer 与 events 可以为 nil。
func New(registry *Registry, selector *routing.Selector, authorizer Authorizer, events EventRecorder, logger *zap.Logger) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if selector == nil {
		selector = routing.NewSelector(routing.DefaultOptions(), logger)
	}
	return &Mesh{
		registry:   registry,
		selector:   selector,
		authorizer: authorizer,
		events:     events,
		logger:     logger,
	}
}

// Registry 返回场所注册表。
func (m *Mesh) Registry() *Registry {
	return m.registry
}

// RegisterProvider 注册场所。
func (m *Mesh) RegisterProvider(p liquidity.Provider) error {
	if err := m.registry.Register(p); err != nil {
		return err
	}
	m.logger.Info("场所已注册", zap.String("provider", p.Name()), zap.Strings("chains", p.SupportedChains()))
	return nil
}

// GetBestExecution 基于当前注册的全部场所生成执行计划。
func (m *Mesh) GetBestExecution(ctx context.Context, req liquidity.SwapRequest) (liquidity.ExecutionPlan, error) {
	return m.selector.Select(ctx, req, m.registry.List())
}

// ExecuteSwap 校验授权后选路并执行。agentID 为空时跳过授权。
func (m *Mesh) ExecuteSwap(ctx context.Context, req liquidity.SwapRequest, agentID string) (liquidity.SwapOutcome, error) {
	if err := req.Validate(); err != nil {
		return liquidity.SwapOutcome{}, apperr.Wrap(apperr.CodeInvalidInput, err, "兑换请求无效")
	}

	providers := m.registry.List()
	handedOff := false
	if agentID != "" {
		auth, err := m.authorize(ctx, req, agentID)
		if err != nil {
			m.logger.Warn("授权校验未通过",
				zap.String("agent_id", agentID),
				zap.String("pair", req.Pair().String()),
				zap.String("amount", req.Amount.String()),
				zap.Error(err),
			)
			return liquidity.SwapOutcome{}, err
		}
		providers = filterVenues(providers, auth.AllowedVenues)

		// 执行成功后额度交由执行记录写入方释放
		defer func() {
			if !handedOff {
				m.authorizer.Release(agentID, req.Amount)
			}
		}()
	}

	plan, err := m.selector.Select(ctx, req, providers)
	if err != nil {
		return liquidity.SwapOutcome{}, err
	}

	outcome, err := m.ExecutePlan(ctx, req, plan)
	if err != nil {
		return liquidity.SwapOutcome{}, err
	}

	handedOff = true
	m.recordDetached(ctx, agentID, req, outcome)
	return outcome, nil
}

func (m *Mesh) authorize(ctx context.Context, req liquidity.SwapRequest, agentID string) (*authz.Authorization, error) {
	if m.authorizer == nil {
		return nil, apperr.New(apperr.CodePermissionDenied, "未配置授权服务，拒绝代理 %s", agentID)
	}

	auth, err := m.authorizer.ActiveAuthorization(ctx, agentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePermissionDenied, err, "查询代理 %s 授权失败", agentID)
	}
	if auth == nil || !auth.Active || auth.Expired(time.Now().UTC()) {
		return nil, apperr.New(apperr.CodePermissionDenied, "代理 %s 无有效授权", agentID)
	}

	decision, err := m.authorizer.Reserve(ctx, authz.PermissionRequest{
		AgentID:      agentID,
		StrategyType: authz.StrategySwap,
		Amount:       req.Amount,
		TokenAddress: req.FromToken,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePermissionDenied, err, "代理 %s 权限检查失败", agentID)
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "未授权"
		}
		return nil, apperr.New(apperr.CodePermissionDenied, "%s", reason)
	}
	return auth, nil
}

// ExecutePlan 执行已生成的计划，不做授权校验。拆单各部分并发执行，部分失败不回滚。
func (m *Mesh) ExecutePlan(ctx context.Context, req liquidity.SwapRequest, plan liquidity.ExecutionPlan) (liquidity.SwapOutcome, error) {
	if plan.IsSplit() {
		return m.executeSplit(ctx, req, plan.Splits)
	}
	if plan.Single == nil {
		return liquidity.SwapOutcome{}, apperr.New(apperr.CodeNoExecutionPath, "执行计划为空 %s", req.Pair())
	}

	p, err := m.registry.Get(plan.Single.Provider)
	if err != nil {
		return liquidity.SwapOutcome{}, err
	}
	outcome := m.executeOne(ctx, p, req.WithQuote(*plan.Single))
	return outcome, nil
}

func (m *Mesh) executeSplit(ctx context.Context, req liquidity.SwapRequest, splits []liquidity.SplitOrder) (liquidity.SwapOutcome, error) {
	// 先解析全部场所，任一缺失时不执行任何部分
	providers := make([]liquidity.Provider, len(splits))
	for i, split := range splits {
		p, err := m.registry.Get(split.Provider)
		if err != nil {
			return liquidity.SwapOutcome{}, err
		}
		providers[i] = p
	}

	outcomes := make([]liquidity.SwapOutcome, len(splits))
	var group errgroup.Group
	for i, split := range splits {
		group.Go(func() error {
			outcomes[i] = m.executeOne(ctx, providers[i], req.WithAmount(split.Amount).WithQuote(split.Quote))
			return nil
		})
	}
	_ = group.Wait()

	aggregated := aggregate(outcomes)
	if !aggregated.Success {
		m.logger.Warn("拆单部分执行失败，已成交部分不回滚",
			zap.String("pair", req.Pair().String()),
			zap.Strings("providers", aggregated.Providers),
			zap.String("error", aggregated.Error),
		)
	}
	return aggregated, nil
}

// executeOne 调用单个场所执行，场所错误转为失败结果。
func (m *Mesh) executeOne(ctx context.Context, p liquidity.Provider, req liquidity.SwapRequest) liquidity.SwapOutcome {
	start := time.Now()
	outcome, err := p.ExecuteSwap(ctx, req)
	if err != nil {
		outcome = liquidity.SwapOutcome{Success: false, Error: err.Error()}
	} else if !outcome.Success && outcome.Error == "" {
		outcome.Error = "场所返回执行失败"
	}
	if len(outcome.Providers) == 0 {
		outcome.Providers = []string{p.Name()}
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.String("provider", p.Name()),
		zap.String("pair", req.Pair().String()),
		zap.String("amount", req.Amount.String()),
		zap.Bool("success", outcome.Success),
		zap.String("tx_ref", outcome.TxRef),
		zap.Duration("latency", time.Since(start)),
	}
	if outcome.Success {
		m.logger.Info("兑换执行完成", fields...)
	} else {
		m.logger.Warn("兑换执行失败", append(fields, zap.String("error", outcome.Error))...)
	}
	return outcome
}

// aggregate 合并拆单结果：成功取逻辑与，数量与费用求和，价格冲击按成交量加权。
func aggregate(outcomes []liquidity.SwapOutcome) liquidity.SwapOutcome {
	result := liquidity.SwapOutcome{
		Success:   len(outcomes) > 0,
		Providers: make([]string, 0, len(outcomes)),
		Timestamp: time.Now().UTC(),
	}

	var (
		errs     error
		refs     = make([]string, 0, len(outcomes))
		weighted = decimal.Zero
	)
	for _, o := range outcomes {
		result.Success = result.Success && o.Success
		result.Providers = append(result.Providers, o.Providers...)
		result.ExecutedAmount = result.ExecutedAmount.Add(o.ExecutedAmount)
		result.ReceivedAmount = result.ReceivedAmount.Add(o.ReceivedAmount)
		result.GasCost = result.GasCost.Add(o.GasCost)
		result.Fee = result.Fee.Add(o.Fee)
		weighted = weighted.Add(o.PriceImpactPct.Mul(o.ExecutedAmount))
		if o.TxRef != "" {
			refs = append(refs, o.TxRef)
		}
		if o.Error != "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", strings.Join(o.Providers, ","), o.Error))
		}
	}

	if result.ExecutedAmount.IsPositive() {
		result.PriceImpactPct = weighted.Div(result.ExecutedAmount)
		result.ExecutedPrice = result.ReceivedAmount.Div(result.ExecutedAmount)
	}
	result.TxRef = strings.Join(refs, ",")
	if errs != nil {
		result.Error = errs.Error()
	}
	return result
}

// recordDetached 异步写入执行历史与监控事件，不阻塞调用方，失败仅记录日志。
// 关闭流程开始后改为同步写入。
func (m *Mesh) recordDetached(ctx context.Context, agentID string, req liquidity.SwapRequest, outcome liquidity.SwapOutcome) {
	if (agentID == "" || m.authorizer == nil) && m.events == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	m.auditMu.Lock()
	if m.draining {
		m.auditMu.Unlock()
		m.writeAudit(detached, agentID, req, outcome)
		return
	}
	m.audits.Add(1)
	m.auditMu.Unlock()

	go func() {
		defer m.audits.Done()
		m.writeAudit(detached, agentID, req, outcome)
	}()
}

func (m *Mesh) writeAudit(ctx context.Context, agentID string, req liquidity.SwapRequest, outcome liquidity.SwapOutcome) {
	hasAgent := agentID != "" && m.authorizer != nil
	if hasAgent {
		// 写入完成后释放，日度用量在任何时刻都至少被统计一次
		defer m.authorizer.Release(agentID, req.Amount)
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("执行记录写入异常",
				zap.String("code", string(apperr.CodeAuditRecordingFailure)),
				zap.String("agent_id", agentID),
				zap.Any("panic", r),
			)
		}
	}()

	if hasAgent {
		rec := authz.ExecutionRecord{
			StrategyType: authz.StrategySwap,
			Token:        req.FromToken,
			Venue:        strings.Join(outcome.Providers, ","),
			Amount:       req.Amount,
			Success:      outcome.Success,
			TxRef:        outcome.TxRef,
			Error:        outcome.Error,
			ExecutedAt:   outcome.Timestamp,
		}
		if err := m.authorizer.RecordExecution(ctx, agentID, rec); err != nil {
			err = apperr.Wrap(apperr.CodeAuditRecordingFailure, err, "代理 %s 执行记录写入失败", agentID)
			m.logger.Warn("执行记录写入失败，已忽略",
				zap.String("code", string(apperr.CodeOf(err))),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	}

	if m.events != nil {
		m.events.RecordSwap(ctx, agentID, req, outcome)
	}
}

// WaitForAudits 等待已发起的异步记录完成，用于关闭流程与测试。
// 调用后新的执行记录改为同步写入。
func (m *Mesh) WaitForAudits(ctx context.Context) error {
	m.auditMu.Lock()
	m.draining = true
	m.auditMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.audits.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mesh: 等待执行记录超时: %w", ctx.Err())
	}
}

func filterVenues(providers []liquidity.Provider, allowed []string) []liquidity.Provider {
	if len(allowed) == 0 {
		return providers
	}
	out := make([]liquidity.Provider, 0, len(providers))
	for _, p := range providers {
		for _, name := range allowed {
			if strings.EqualFold(p.Name(), name) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
