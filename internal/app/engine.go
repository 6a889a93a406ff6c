package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"liquidity-router/internal/authz"
	"liquidity-router/internal/config"
	"liquidity-router/internal/mesh"
	"liquidity-router/internal/monitor"
	"liquidity-router/internal/routing"
	"liquidity-router/internal/settlement"
	"liquidity-router/internal/store"
	"liquidity-router/internal/venue"
)

// Engine 聚合路由、结算与审计组件。
type Engine struct {
	Mesh        *mesh.Mesh
	Settlements *settlement.Service
	Monitor     *monitor.Service
	Authz       *authz.Service

	logger *zap.Logger
}

// NewEngine 按配置装配全部组件并注册启用的场所。
func NewEngine(cfg *config.Config, logger *zap.Logger, st *store.Store) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	authzSvc, err := authz.NewService(cfg.Authorization, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化授权服务失败: %w", err)
	}

	selector := routing.NewSelector(routing.OptionsFromConfig(cfg.Routing), logger)
	m := mesh.New(mesh.NewRegistry(), selector, authzSvc, monitorSvc, logger)

	providers, err := venue.Build(cfg.Venues, logger)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if err := m.RegisterProvider(p); err != nil {
			return nil, fmt.Errorf("注册场所失败: %w", err)
		}
	}

	repo, err := settlement.NewSQLiteRepository(st)
	if err != nil {
		return nil, fmt.Errorf("初始化结算存储失败: %w", err)
	}
	settlements, err := settlement.NewService(repo, m, monitorSvc, cfg.Settlement, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化结算服务失败: %w", err)
	}

	return &Engine{
		Mesh:        m,
		Settlements: settlements,
		Monitor:     monitorSvc,
		Authz:       authzSvc,
		logger:      logger,
	}, nil
}

// Tick 执行一页待执行结算。
func (e *Engine) Tick(ctx context.Context) error {
	completed, err := e.Settlements.SweepPending(ctx)
	if err != nil {
		e.Monitor.RecordError(ctx, "批量执行结算失败", err, nil)
		return fmt.Errorf("批量执行结算失败: %w", err)
	}
	if completed > 0 {
		e.logger.Info("待执行结算已处理", zap.Int("completed", completed))
	}
	return nil
}

// Close 等待后台审计写入完成。
func (e *Engine) Close(ctx context.Context) error {
	return e.Mesh.WaitForAudits(ctx)
}
