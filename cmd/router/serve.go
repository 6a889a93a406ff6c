package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"liquidity-router/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动查询接口与待执行结算的批处理",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.New(rt.cfg, rt.logger, rt.store).Run(ctx); err != nil {
			return err
		}
		rt.logger.Info("系统已安全退出")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
