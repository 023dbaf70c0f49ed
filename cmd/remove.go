package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/vault"
)

var removeCmd = &cobra.Command{
	Use:   "remove <title_or_id>",
	Short: "Remove a password entry",
	Long: `Remove a password entry from the vault by title or ID.
Deletions are not tracked across devices: a device that still holds the
entry will bring it back on its next merge.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(a *app) error {
			current, err := a.orch.Session().Vault()
			if err != nil {
				return err
			}
			entry := current.GetEntry(args[0])
			if entry == nil {
				return fmt.Errorf("entry not found: %s", args[0])
			}
			id := entry.ID

			res, err := a.orch.SaveWithConflictRetry(cmd.Context(), func(v *vault.Vault) error {
				if !v.RemoveEntry(id) {
					return fmt.Errorf("entry not found: %s", args[0])
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to save vault: %w", err)
			}
			reportSave(res)

			if res.Merged {
				if after, err := a.orch.Session().Vault(); err == nil && after.GetEntry(id) != nil {
					color.Yellow("Entry '%s' was changed on another device and has been kept", args[0])
					return nil
				}
			}
			fmt.Printf("Entry '%s' removed successfully\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
