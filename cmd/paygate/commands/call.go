package commands

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vitwit/paygate/agent"
	"github.com/vitwit/paygate/utils"
)

func NewCallCmd() *cobra.Command {
	var (
		url      string
		data     string
		txHash   string
		apiKey   string
		maxPrice string
	)

	cmd := &cobra.Command{
		Use:   "call <service>",
		Short: "Call a gated service, presenting an already sent payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []agent.Option
			if txHash != "" {
				hash, err := utils.ParseTxHash(txHash)
				if err != nil {
					return err
				}
				opts = append(opts, agent.WithPayer(agent.StaticProof(hash)))
			}
			if apiKey != "" {
				opts = append(opts, agent.WithAPIKey(apiKey))
			}
			if maxPrice != "" {
				d, err := decimal.NewFromString(maxPrice)
				if err != nil {
					return fmt.Errorf("invalid --max-price: %w", err)
				}
				opts = append(opts, agent.WithMaxPrice(d))
			}

			res, err := agent.New(url, opts...).Call(cmd.Context(), args[0], json.RawMessage(data), nil)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if res.Payment != nil {
				fmt.Fprintf(w, "Paid with %s\n", res.Payment.TransactionHash)
			}
			_, err = fmt.Fprintln(w, string(res.Body))
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8000", "Gateway base URL")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON request body")
	cmd.Flags().StringVar(&txHash, "tx", "", "Hash of a USDC transfer that pays for the call")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Subscription key")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "Refuse to pay more than this many USD")
	return cmd
}
