package main

import (
	"github.com/spf13/cobra"

	"liquidity-router/internal/app"
)

var (
	listLimit  int
	listOffset int
)

var settlementCmd = &cobra.Command{
	Use:   "settlement",
	Short: "查询或执行结算",
}

var settlementGetCmd = &cobra.Command{
	Use:   "get <settlement-id>",
	Short: "查询单个结算",
	Args:  cobra.ExactArgs(1),
	RunE: withEngine(func(cmd *cobra.Command, engine *app.Engine, args []string) error {
		st, err := engine.Settlements.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	}),
}

var settlementListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "按创建时间倒序列出用户结算",
	Args:  cobra.ExactArgs(1),
	RunE: withEngine(func(cmd *cobra.Command, engine *app.Engine, args []string) error {
		list, err := engine.Settlements.ListByUser(cmd.Context(), args[0], listLimit, listOffset)
		if err != nil {
			return err
		}
		return printJSON(list)
	}),
}

var settlementPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "列出待执行结算",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(cmd *cobra.Command, engine *app.Engine, _ []string) error {
		list, err := engine.Settlements.ListPending(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(list)
	}),
}

var settlementCompensationsCmd = &cobra.Command{
	Use:   "compensations <settlement-id>",
	Short: "列出结算登记的待复核补偿",
	Args:  cobra.ExactArgs(1),
	RunE: withEngine(func(cmd *cobra.Command, engine *app.Engine, args []string) error {
		comps, err := engine.Settlements.ListCompensations(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(comps)
	}),
}

var settlementExecuteCmd = &cobra.Command{
	Use:   "execute <settlement-id>",
	Short: "执行待执行结算，任一腿失败即回滚",
	Args:  cobra.ExactArgs(1),
	RunE: withEngine(func(cmd *cobra.Command, engine *app.Engine, args []string) error {
		st, err := engine.Settlements.Execute(cmd.Context(), args[0])
		if err != nil {
			if latest, getErr := engine.Settlements.Get(cmd.Context(), args[0]); getErr == nil {
				_ = printJSON(latest)
			}
			return err
		}
		return printJSON(st)
	}),
}

func init() {
	settlementListCmd.Flags().IntVar(&listLimit, "limit", 20, "返回条数上限")
	settlementListCmd.Flags().IntVar(&listOffset, "offset", 0, "跳过条数")

	settlementCmd.AddCommand(
		settlementGetCmd,
		settlementListCmd,
		settlementPendingCmd,
		settlementCompensationsCmd,
		settlementExecuteCmd,
	)
	rootCmd.AddCommand(settlementCmd)
}

func withEngine(fn func(cmd *cobra.Command, engine *app.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		engine, err := rt.engine()
		if err != nil {
			return err
		}
		return fn(cmd, engine, args)
	}
}
