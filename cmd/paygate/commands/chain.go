package commands

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/vitwit/paygate/logger"
)

func NewChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect the configured chain",
	}
	cmd.AddCommand(newChainStatusCmd())
	return cmd
}

func newChainStatusCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show RPC connectivity, head block and recipient balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reader, err := dial(ctx, cfg, logger.NoopLogger{})
			if err != nil {
				return err
			}
			defer reader.Close()

			out := map[string]any{
				"network":  cfg.NetworkInfo().DisplayName,
				"chainId":  cfg.NetworkInfo().CAIP2(),
				"contract": cfg.Contract().Hex(),
				"status":   reader.Status(ctx),
			}
			if r := cfg.Recipient(); r != (common.Address{}) {
				out["recipient"] = r.Hex()
				if bal, err := reader.GetBalance(ctx, r, cfg.Contract()); err == nil {
					out["balance"] = bal.String()
				} else {
					out["balanceError"] = err.Error()
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Overall timeout")
	return cmd
}
