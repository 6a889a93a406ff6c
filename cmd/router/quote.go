package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"liquidity-router/internal/liquidity"
)

var (
	fromToken string
	toToken   string
	amountArg string
	chainArg  string
	agentID   string
	slippage  string
	timeout   time.Duration
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "询价并输出执行计划，不产生兑换",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := swapRequestFromFlags()
		if err != nil {
			return err
		}

		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		engine, err := rt.engine()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		plan, err := engine.Mesh.GetBestExecution(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(plan)
	},
}

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "以最优路径执行一次兑换",
	Long: `swap 询价后执行兑换。指定 --agent 时先校验代理授权，并将执行结果计入代理日度用量。

Examples:
  router swap --from USDC --to ETH --amount 1000 --chain ethereum --agent agent-1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := swapRequestFromFlags()
		if err != nil {
			return err
		}

		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		engine, err := rt.engine()
		if err != nil {
			return err
		}
		defer func() {
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = engine.Close(waitCtx)
		}()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		outcome, err := engine.Mesh.ExecuteSwap(ctx, req, agentID)
		if err != nil {
			return err
		}
		return printJSON(outcome)
	},
}

func init() {
	for _, c := range []*cobra.Command{quoteCmd, swapCmd} {
		c.Flags().StringVar(&fromToken, "from", "", "源代币")
		c.Flags().StringVar(&toToken, "to", "", "目标代币")
		c.Flags().StringVar(&amountArg, "amount", "", "源代币数量")
		c.Flags().StringVar(&chainArg, "chain", "", "链，留空表示不限定")
		c.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "整体超时")
		_ = c.MarkFlagRequired("from")
		_ = c.MarkFlagRequired("to")
		_ = c.MarkFlagRequired("amount")
		rootCmd.AddCommand(c)
	}
	swapCmd.Flags().StringVar(&agentID, "agent", "", "代理ID，留空时跳过授权")
	swapCmd.Flags().StringVar(&slippage, "slippage", "0.5", "可接受滑点百分比")
}

func swapRequestFromFlags() (liquidity.SwapRequest, error) {
	amount, err := decimal.NewFromString(amountArg)
	if err != nil {
		return liquidity.SwapRequest{}, fmt.Errorf("amount 无效: %w", err)
	}
	slip := decimal.Zero
	if slippage != "" {
		if slip, err = decimal.NewFromString(slippage); err != nil {
			return liquidity.SwapRequest{}, fmt.Errorf("slippage 无效: %w", err)
		}
	}
	return liquidity.SwapRequest{
		FromToken: fromToken,
		ToToken:   toToken,
		Amount:    amount,
		Chain:     chainArg,
		Slippage:  slip,
	}, nil
}
