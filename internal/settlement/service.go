package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/config"
	"liquidity-router/internal/liquidity"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// Router 为结算腿提供选路与执行。
type Router interface {
	GetBestExecution(ctx context.Context, req liquidity.SwapRequest) (liquidity.ExecutionPlan, error)
	ExecutePlan(ctx context.Context, req liquidity.SwapRequest, plan liquidity.ExecutionPlan) (liquidity.SwapOutcome, error)
}

// EventRecorder 记录结算与补偿事件，失败时自行处理。
type EventRecorder interface {
	RecordSettlement(ctx context.Context, s Settlement)
	RecordCompensation(ctx context.Context, c Compensation)
}

// Service 负责结算的创建、顺序执行与回滚。
type Service struct {
	repo     Repository
	router   Router
	events   EventRecorder
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

// NewService 创建结算服务。events 可以为 nil。
func NewService(repo Repository, router Router, events EventRecorder, cfg config.SettlementConfig, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("settlement: repository 不能为空")
	}
	if router == nil {
		return nil, errors.New("settlement: router 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PendingPageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Service{
		repo:     repo,
		router:   router,
		events:   events,
		pageSize: pageSize,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create 校验请求并创建 PENDING 结算。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Settlement, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	legs := make([]Leg, len(req.Legs))
	chains := make([]string, 0, len(req.Legs))
	seen := make(map[string]struct{}, len(req.Legs))
	legTotal := decimal.Zero
	for i, l := range req.Legs {
		legs[i] = Leg{
			Chain:     l.Chain,
			FromToken: l.FromToken,
			ToToken:   l.ToToken,
			Amount:    l.Amount,
			Slippage:  l.Slippage,
			Status:    LegPending,
		}
		legTotal = legTotal.Add(l.Amount)
		key := strings.ToLower(strings.TrimSpace(l.Chain))
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			chains = append(chains, l.Chain)
		}
	}

	total := req.TotalAmount
	if total.IsZero() {
		total = legTotal
	}

	now := s.now()
	st := &Settlement{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		StrategyID:  req.StrategyID,
		Type:        deriveType(chains, len(legs)),
		Chains:      chains,
		Legs:        legs,
		TotalAmount: total,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Create(ctx, st); err != nil {
		return nil, err
	}

	s.logger.Info("结算已创建",
		zap.String("settlement_id", st.ID),
		zap.String("user_id", st.UserID),
		zap.String("type", string(st.Type)),
		zap.Strings("chains", st.Chains),
		zap.Int("legs", len(st.Legs)),
		zap.String("total_amount", st.TotalAmount.String()),
	)
	s.recordSettlement(ctx, st)
	return st, nil
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return apperr.New(apperr.CodeInvalidInput, "user_id 不能为空")
	}
	if len(req.Legs) == 0 {
		return apperr.New(apperr.CodeInvalidInput, "结算至少包含一条腿")
	}
	if req.TotalAmount.IsNegative() {
		return apperr.New(apperr.CodeInvalidInput, "total_amount 不能为负: %s", req.TotalAmount)
	}
	for i, l := range req.Legs {
		if strings.TrimSpace(l.Chain) == "" {
			return apperr.New(apperr.CodeInvalidInput, "legs[%d].chain 不能为空", i)
		}
		swap := liquidity.SwapRequest{FromToken: l.FromToken, ToToken: l.ToToken, Amount: l.Amount, Chain: l.Chain, Slippage: l.Slippage}
		if err := swap.Validate(); err != nil {
			return apperr.Wrap(apperr.CodeInvalidInput, err, "legs[%d] 无效", i)
		}
	}
	return nil
}

// Execute 执行 PENDING 结算。各腿顺序执行，首个失败腿触发回滚后返回原始错误。
func (s *Service) Execute(ctx context.Context, id string) (*Settlement, error) {
	st, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusPending {
		return nil, apperr.New(apperr.CodeInvalidState, "结算 %s 状态为 %s，只有 PENDING 可执行", id, st.Status)
	}

	executedAt := s.now()
	ok, err := s.repo.Transition(ctx, id, Transition{From: StatusPending, To: StatusExecuting, At: executedAt})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidState, "结算 %s 已被其他调用执行", id)
	}
	st.Status = StatusExecuting
	st.ExecutedAt = &executedAt
	st.UpdatedAt = executedAt

	s.logger.Info("开始执行结算", zap.String("settlement_id", id), zap.Int("legs", len(st.Legs)))
	return s.runLegs(ctx, st)
}

func (s *Service) runLegs(ctx context.Context, st *Settlement) (*Settlement, error) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("执行异常: %v", r)
			s.logger.Error("结算执行异常，开始回滚", zap.String("settlement_id", st.ID), zap.Any("panic", r))
			if rbErr := s.Rollback(ctx, st, reason); rbErr != nil {
				s.logger.Error("结算回滚失败", zap.String("settlement_id", st.ID), zap.Error(rbErr))
			}
			panic(r)
		}
	}()

	for i := range st.Legs {
		if st.Legs[i].Status == LegCompleted {
			continue
		}
		st.Legs[i].Status = LegExecuting

		if legErr := s.executeLeg(ctx, st, i); legErr != nil {
			leg := &st.Legs[i]
			leg.Status = LegFailed
			leg.Error = legErr.Error()
			reason := fmt.Sprintf("legs[%d] %s %s->%s 执行失败: %s", i, leg.Chain, leg.FromToken, leg.ToToken, legErr.Error())

			s.logger.Warn("结算腿执行失败，开始回滚",
				zap.String("settlement_id", st.ID),
				zap.Int("leg", i),
				zap.String("code", string(apperr.CodeOf(legErr))),
				zap.Error(legErr),
			)
			if rbErr := s.Rollback(ctx, st, reason); rbErr != nil {
				s.logger.Error("结算回滚失败", zap.String("settlement_id", st.ID), zap.Error(rbErr))
			}
			return st, legErr
		}

		if saveErr := s.repo.SaveLegs(ctx, st.ID, st.Legs); saveErr != nil {
			// 最终状态写入时会再次携带全部腿
			s.logger.Warn("保存结算腿进度失败", zap.String("settlement_id", st.ID), zap.Int("leg", i), zap.Error(saveErr))
		}
	}

	totalFee := decimal.Zero
	for _, leg := range st.Legs {
		totalFee = totalFee.Add(leg.Fee)
	}

	// 全部腿已成交，终态写入不受调用方取消影响
	ctx = context.WithoutCancel(ctx)

	completedAt := s.now()
	ok, err := s.repo.Transition(ctx, st.ID, Transition{
		From:     StatusExecuting,
		To:       StatusCompleted,
		At:       completedAt,
		Legs:     st.Legs,
		TotalFee: &totalFee,
	})
	if err != nil {
		s.logger.Error("写入结算完成状态失败，开始回滚", zap.String("settlement_id", st.ID), zap.Error(err))
		if rbErr := s.Rollback(ctx, st, fmt.Sprintf("写入完成状态失败: %s", err.Error())); rbErr != nil {
			s.logger.Error("结算回滚失败", zap.String("settlement_id", st.ID), zap.Error(rbErr))
		}
		return st, err
	}
	if !ok {
		return st, apperr.New(apperr.CodeInvalidState, "结算 %s 在执行期间状态被修改", st.ID)
	}

	st.Status = StatusCompleted
	st.TotalFee = &totalFee
	st.CompletedAt = &completedAt
	st.UpdatedAt = completedAt

	s.logger.Info("结算执行完成",
		zap.String("settlement_id", st.ID),
		zap.String("total_fee", totalFee.String()),
	)
	s.recordSettlement(ctx, st)
	return st, nil
}

func (s *Service) executeLeg(ctx context.Context, st *Settlement, index int) error {
	leg := &st.Legs[index]
	req := liquidity.SwapRequest{
		FromToken: leg.FromToken,
		ToToken:   leg.ToToken,
		Amount:    leg.Amount,
		Chain:     leg.Chain,
		Slippage:  leg.Slippage,
	}

	plan, err := s.router.GetBestExecution(ctx, req)
	if err != nil {
		return err
	}

	outcome, err := s.router.ExecutePlan(ctx, req, plan)
	if err != nil {
		return err
	}
	leg.Provider = strings.Join(outcome.Providers, ",")
	leg.TxRef = outcome.TxRef
	if !outcome.Success {
		return apperr.New(apperr.CodeLegExecutionFailure, "%s", outcome.Error)
	}

	leg.Status = LegCompleted
	leg.Fee = outcome.TotalCost()
	leg.ReceivedAmount = outcome.ReceivedAmount
	leg.Error = ""

	s.logger.Info("结算腿执行完成",
		zap.String("settlement_id", st.ID),
		zap.Int("leg", index),
		zap.String("provider", leg.Provider),
		zap.String("tx_ref", leg.TxRef),
	)
	return nil
}

// Rollback 将执行中的结算置为 ROLLED_BACK 并为已完成腿登记补偿。
// 只有赢得状态比较的调用会登记补偿，已完成腿保持不变。
func (s *Service) Rollback(ctx context.Context, st *Settlement, reason string) error {
	if st == nil {
		return apperr.New(apperr.CodeInvalidInput, "结算不能为空")
	}
	// 回滚写入不受调用方取消影响
	ctx = context.WithoutCancel(ctx)

	at := s.now()
	ok, err := s.repo.Transition(ctx, st.ID, Transition{
		From:           StatusExecuting,
		To:             StatusRolledBack,
		At:             at,
		Legs:           st.Legs,
		RollbackReason: reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.CodeInvalidState, "结算 %s 不在执行中，忽略重复回滚", st.ID)
	}

	st.Status = StatusRolledBack
	st.RollbackReason = reason
	st.UpdatedAt = at

	comps := compensationsFor(st, at)
	if err := s.repo.EnqueueCompensations(ctx, comps); err != nil {
		s.recordSettlement(ctx, st)
		return fmt.Errorf("settlement: 登记补偿失败: %w", err)
	}

	s.logger.Warn("结算已回滚",
		zap.String("settlement_id", st.ID),
		zap.String("reason", reason),
		zap.Int("compensations", len(comps)),
	)
	for _, c := range comps {
		s.logger.Warn("已登记补偿，等待人工处理",
			zap.String("settlement_id", c.SettlementID),
			zap.Int("leg", c.LegIndex),
			zap.String("chain", c.Chain),
			zap.String("from_token", c.FromToken),
			zap.String("to_token", c.ToToken),
			zap.String("amount", c.Amount.String()),
			zap.String("original_tx_ref", c.OriginalTxRef),
		)
		if s.events != nil {
			s.events.RecordCompensation(ctx, c)
		}
	}
	s.recordSettlement(ctx, st)
	return nil
}

// compensationsFor 为每条已完成腿生成反向兑换意图。
func compensationsFor(st *Settlement, at time.Time) []Compensation {
	comps := make([]Compensation, 0, len(st.Legs))
	for i, leg := range st.Legs {
		if leg.Status != LegCompleted {
			continue
		}
		amount := leg.ReceivedAmount
		if !amount.IsPositive() {
			amount = leg.Amount
		}
		comps = append(comps, Compensation{
			SettlementID:  st.ID,
			LegIndex:      i,
			Chain:         leg.Chain,
			FromToken:     leg.ToToken,
			ToToken:       leg.FromToken,
			Amount:        amount,
			OriginalTxRef: leg.TxRef,
			Status:        CompensationPendingReview,
			CreatedAt:     at,
		})
	}
	return comps
}

// Get 返回结算，不存在时返回 NotFound。
func (s *Service) Get(ctx context.Context, id string) (*Settlement, error) {
	return s.repo.Get(ctx, id)
}

// ListByUser 按创建时间倒序返回用户结算。
func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// ListPending 返回至多一页待执行结算。
func (s *Service) ListPending(ctx context.Context) ([]*Settlement, error) {
	return s.repo.ListPending(ctx, s.pageSize)
}

// ListCompensations 返回结算登记的补偿记录。
func (s *Service) ListCompensations(ctx context.Context, id string) ([]Compensation, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListCompensations(ctx, id)
}

// SweepPending 执行一页待执行结算，返回成功完成的数量。
func (s *Service) SweepPending(ctx context.Context) (int, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, st := range pending {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if _, err := s.Execute(ctx, st.ID); err != nil {
			if errors.Is(err, apperr.ErrInvalidState) {
				continue
			}
			s.logger.Warn("批量执行结算失败",
				zap.String("settlement_id", st.ID),
				zap.String("code", string(apperr.CodeOf(err))),
				zap.Error(err),
			)
			continue
		}
		completed++
	}
	return completed, nil
}

func (s *Service) recordSettlement(ctx context.Context, st *Settlement) {
	if s.events == nil || st == nil {
		return
	}
	s.events.RecordSettlement(ctx, *st)
}
