package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vitwit/paygate/cmd/paygate/commands"
)

var rootCmd = &cobra.Command{
	Use:   "paygate",
	Short: "Pay-per-call API gateway settled in USDC",
	Long:  "paygate gates AI and data services behind on-chain USDC micropayments (x402-style HTTP 402 flow)",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigPath, "config", "c", "", "Path to config file (default: paygate.yaml if present)")
}

func main() {
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewChainCmd())
	rootCmd.AddCommand(commands.NewVerifyCmd())
	rootCmd.AddCommand(commands.NewKeysCmd())
	rootCmd.AddCommand(commands.NewCallCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
