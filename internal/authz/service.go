package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-router/internal/config"
	"liquidity-router/internal/store"
)

// Service 根据配置的代理策略做权限判定，并基于执行历史统计日度用量。
type Service struct {
	db       *sql.DB
	policies map[string]config.AgentPolicy
	resetHr  int
	logger   *zap.Logger
	now      func() time.Time

	// reserved 为已通过检查、尚未写入执行历史的金额
	mu       sync.Mutex
	reserved map[string]decimal.Decimal
}

// NewService 创建授权服务。
func NewService(cfg config.AuthorizationConfig, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil || st.DB() == nil {
		return nil, errors.New("authz: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policies := make(map[string]config.AgentPolicy, len(cfg.Agents))
	for _, p := range cfg.Agents {
		policies[p.AgentID] = p
	}

	return &Service{
		db:       st.DB(),
		policies: policies,
		resetHr:  cfg.DailyResetHour,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		reserved: make(map[string]decimal.Decimal),
	}, nil
}

// ActiveAuthorization 返回代理当前生效的授权，未配置、停用或过期时返回 nil。
func (s *Service) ActiveAuthorization(_ context.Context, agentID string) (*Authorization, error) {
	p, ok := s.policies[agentID]
	if !ok || !p.Active {
		return nil, nil
	}
	auth := &Authorization{
		AgentID:           p.AgentID,
		Active:            p.Active,
		AllowedStrategies: p.AllowedStrategies,
		AllowedVenues:     p.AllowedVenues,
		MaxAmountPerSwap:  p.MaxAmountPerSwap,
		DailyLimit:        p.DailyLimit,
		ExpiresAt:         p.ExpiresAt,
	}
	if auth.Expired(s.now()) {
		return nil, nil
	}
	return auth, nil
}

// CheckStrategyPermission 依次检查授权状态、策略、代币、场所、单笔上限与日度额度。
// 日度额度同时计入已预留未入库的金额。
func (s *Service) CheckStrategyPermission(ctx context.Context, req PermissionRequest) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx, req)
}

// Reserve 在同一临界区内检查权限并预留金额，通过后调用方须在写入执行历史后 Release。
func (s *Service) Reserve(ctx context.Context, req PermissionRequest) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.check(ctx, req)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	s.reserved[req.AgentID] = s.reserved[req.AgentID].Add(req.Amount)
	return decision, nil
}

// Release 释放 Reserve 预留的金额。
func (s *Service) Release(agentID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := s.reserved[agentID].Sub(amount)
	if left.IsPositive() {
		s.reserved[agentID] = left
		return
	}
	delete(s.reserved, agentID)
}

func (s *Service) check(ctx context.Context, req PermissionRequest) (Decision, error) {
	auth, err := s.ActiveAuthorization(ctx, req.AgentID)
	if err != nil {
		return Decision{}, err
	}
	if auth == nil {
		return Deny(fmt.Sprintf("代理 %s 无有效授权", req.AgentID)), nil
	}

	policy := s.policies[req.AgentID]

	if !containsFold(policy.AllowedStrategies, req.StrategyType) {
		return Deny(fmt.Sprintf("策略 %s 未授权", req.StrategyType)), nil
	}
	if len(policy.AllowedTokens) > 0 && !containsFold(policy.AllowedTokens, req.TokenAddress) {
		return Deny(fmt.Sprintf("代币 %s 未授权", req.TokenAddress)), nil
	}
	for _, venue := range []string{req.DexName, req.CexName} {
		if venue != "" && len(policy.AllowedVenues) > 0 && !containsFold(policy.AllowedVenues, venue) {
			return Deny(fmt.Sprintf("场所 %s 未授权", venue)), nil
		}
	}
	if !req.Amount.IsPositive() {
		return Deny("金额必须为正"), nil
	}
	if policy.MaxAmountPerSwap.IsPositive() && req.Amount.GreaterThan(policy.MaxAmountPerSwap) {
		return Deny(fmt.Sprintf("单笔金额 %s 超过上限 %s", req.Amount, policy.MaxAmountPerSwap)), nil
	}

	if policy.DailyLimit.IsPositive() {
		usage, err := s.DailyUsage(ctx, req.AgentID, s.now())
		if err != nil {
			return Decision{}, err
		}
		usage.Amount = usage.Amount.Add(s.reserved[req.AgentID])
		if usage.Amount.Add(req.Amount).GreaterThan(policy.DailyLimit) {
			remaining := policy.DailyLimit.Sub(usage.Amount)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			return Deny(fmt.Sprintf("当日额度不足: 已用 %s, 剩余 %s, 上限 %s", usage.Amount, remaining, policy.DailyLimit)), nil
		}
	}

	return Allow(), nil
}

// RecordExecution 写入执行历史，成功的执行计入日度用量。
func (s *Service) RecordExecution(ctx context.Context, agentID string, rec ExecutionRecord) error {
	if agentID == "" {
		return errors.New("authz: agentID 不能为空")
	}
	executedAt := rec.ExecutedAt
	if executedAt.IsZero() {
		executedAt = s.now()
	}
	strategy := rec.StrategyType
	if strategy == "" {
		strategy = StrategySwap
	}

	success := 0
	if rec.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_executions (agent_id, strategy_type, token, venue, amount, success, tx_ref, error, trading_date, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, strategy, rec.Token, rec.Venue, rec.Amount.String(), success, rec.TxRef, rec.Error,
		tradingDay(executedAt, s.resetHr), executedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("authz: 写入执行记录失败: %w", err)
	}
	return nil
}

// DailyUsage 统计代理在 ts 所在交易日内成功执行的累计金额。
func (s *Service) DailyUsage(ctx context.Context, agentID string, ts time.Time) (Usage, error) {
	day := tradingDay(ts, s.resetHr)
	usage := Usage{AgentID: agentID, TradingDate: day, Amount: decimal.Zero}

	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM agent_executions WHERE agent_id = ? AND trading_date = ? AND success = 1`,
		agentID, day,
	)
	if err != nil {
		return usage, fmt.Errorf("authz: 查询日度用量失败: %w", err)
	}
	defer rows.Close()

	// 金额以文本保存，逐行用 decimal 累加避免浮点误差
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return usage, fmt.Errorf("authz: 解析执行记录失败: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			s.logger.Warn("执行记录金额无效，已跳过", zap.String("agent_id", agentID), zap.String("amount", raw))
			continue
		}
		usage.Amount = usage.Amount.Add(amount)
		usage.Executions++
	}
	if err := rows.Err(); err != nil {
		return usage, fmt.Errorf("authz: 读取执行记录失败: %w", err)
	}
	return usage, nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
