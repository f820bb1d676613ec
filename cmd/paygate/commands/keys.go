package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitwit/paygate/subscription"
)

func NewKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage pre-paid subscription keys",
	}
	cmd.AddCommand(newKeysCreateCmd(), newKeysListCmd(), newKeysRevokeCmd())
	return cmd
}

func openKeys() (*subscription.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Subscriptions.File == "" {
		return nil, fmt.Errorf("subscriptions.file is not configured")
	}
	return subscription.NewManager(cfg.Subscriptions.File)
}

func newKeysCreateCmd() *cobra.Command {
	var (
		name     string
		services []string
		quota    int64
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new subscription key",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openKeys()
			if err != nil {
				return err
			}
			key, plain, err := m.Create(name, services, quota, ttl)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Key ID:   %s\n", key.ID)
			fmt.Fprintf(w, "Key:      %s\n", plain)
			if len(key.Services) > 0 {
				fmt.Fprintf(w, "Services: %s\n", strings.Join(key.Services, ", "))
			}
			if key.Quota > 0 {
				fmt.Fprintf(w, "Quota:    %d calls\n", key.Quota)
			}
			if !key.ExpiresAt.IsZero() {
				fmt.Fprintf(w, "Expires:  %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(w, "Store the key now; it cannot be shown again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Owner name")
	cmd.Flags().StringSliceVar(&services, "services", nil, "Services covered (default: all)")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Number of calls (0 = unlimited)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime, e.g. 720h (0 = no expiry)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subscription keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openKeys()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m.List())
		},
	}
}

func newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Disable a subscription key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openKeys()
			if err != nil {
				return err
			}
			if err := m.Revoke(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key %s revoked\n", args[0])
			return nil
		},
	}
}
