package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidity-router/internal/app"
	"liquidity-router/internal/config"
	"liquidity-router/internal/log"
	"liquidity-router/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "router",
	Short: "流动性路由与原子结算引擎",
	Long: `router 在已注册的流动性场所之间选择最优执行路径，并以原子方式执行多腿结算。

Examples:
  router serve --config configs/config.yaml
  router quote --from USDC --to ETH --amount 1000 --chain ethereum
  router settlement get <settlement-id>`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
}

// session 为单次命令持有的依赖。
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

func bootstrap() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	return &session{cfg: cfg, logger: logger, store: sqliteStore}, nil
}

func (r *session) engine() (*app.Engine, error) {
	return app.NewEngine(r.cfg, r.logger, r.store)
}

func (r *session) close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("关闭数据库失败", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
