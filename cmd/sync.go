package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/vaultsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the vault with the remote store",
	Long: `Push changes that were saved locally while the remote was unreachable,
or pull the latest remote vault into the local cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(a *app) error {
			return runSync(cmd, a)
		})
	},
}

func runSync(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	if a.orch.Session().Pending() {
		res, err := a.orch.PushPending(ctx)
		if err != nil {
			return fmt.Errorf("failed to sync vault: %w", err)
		}
		reportSave(res)
		if res.Outcome == vaultsync.PersistedLocallyPendingSync {
			return nil
		}
		fmt.Printf("Vault synced successfully (version %d)\n", res.Version)
		return nil
	}

	version, err := a.orch.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to sync vault: %w", err)
	}
	fmt.Printf("Vault is up to date (version %d)\n", version)
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
