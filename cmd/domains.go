package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Manage the blocked-domain list",
}

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored blocked domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		domains, err := st.ListBlockedDomains(ctx)
		if err != nil {
			return err
		}
		for _, d := range domains {
			fmt.Println(d)
		}
		return nil
	},
}

var domainsAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Block a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.AddBlockedDomain(ctx, args[0]); err != nil {
			return err
		}
		zap.L().Info("domain blocked", zap.String("domain", args[0]))
		return nil
	},
}

var domainsRemoveCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Unblock a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RemoveBlockedDomain(ctx, args[0]); err != nil {
			return err
		}
		zap.L().Info("domain unblocked", zap.String("domain", args[0]))
		return nil
	},
}

func init() {
	domainsCmd.AddCommand(domainsListCmd, domainsAddCmd, domainsRemoveCmd)
	rootCmd.AddCommand(domainsCmd)
}
