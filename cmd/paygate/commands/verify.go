package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vitwit/paygate"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"github.com/vitwit/paygate/verification"
)

func NewVerifyCmd() *cobra.Command {
	var (
		service string
		redeem  bool
	)

	cmd := &cobra.Command{
		Use:   "verify <tx-hash>",
		Short: "Check a payment transaction against a service price",
		Long: "Runs the full payment verification for a transaction hash. Without --redeem the " +
			"check uses a scratch store, so the payment stays redeemable.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := utils.ParseTxHash(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			price, ok := cfg.PricingFor(types.ModeLive).Price(service)
			if !ok {
				return fmt.Errorf("service %q has no live price", service)
			}

			ctx := cmd.Context()
			reader, err := dial(ctx, cfg, logger.NoopLogger{})
			if err != nil {
				return err
			}
			defer reader.Close()

			var store redemption.Store = redemption.NewMemoryStore()
			if redeem {
				if store, err = paygate.OpenStore(cfg.Store); err != nil {
					return err
				}
			}
			defer store.Close()

			v, err := verification.NewVerifier(reader, store, paygate.VerifierConfig(cfg))
			if err != nil {
				return err
			}

			res, err := v.Verify(ctx, types.PaymentClaim{
				Proof:            types.TxProof(hash),
				ServiceID:        service,
				ClaimedAmountUSD: price,
			}, cfg.Recipient(), price)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&service, "service", "s", "", "Service the payment is for")
	cmd.Flags().BoolVar(&redeem, "redeem", false, "Record the payment in the configured store")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
