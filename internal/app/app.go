package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"liquidity-router/internal/config"
	"liquidity-router/internal/store"
)

const shutdownTimeout = 5 * time.Second

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配引擎，启动查询接口，并在开启自动执行时周期处理待执行结算。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("路由引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("venues", len(a.cfg.Venues)),
		zap.Bool("auto_execute", a.cfg.Settlement.AutoExecute),
	)

	engine, err := NewEngine(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Close(shutdownCtx); err != nil {
			a.logger.Warn("等待审计写入失败", zap.Error(err))
		}
	}()

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, engine, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	var tick <-chan time.Time
	if a.cfg.Settlement.AutoExecute {
		interval := a.cfg.Settlement.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		if err := engine.Tick(ctx); err != nil {
			a.logger.Error("首次结算批处理失败", zap.Error(err))
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-tick:
			if err := engine.Tick(ctx); err != nil {
				a.logger.Error("结算批处理失败", zap.Error(err))
			}
		}
	}
}
