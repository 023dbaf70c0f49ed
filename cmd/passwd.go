package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/crypto")

var passwdCmd = &cobra.Command{
	Use:     "passwd",
	Aliases: []string{"rotate-master"},
	Short:   "Change the master password",
	Long: `Change the master password. The vault is re-encrypted under a key derived
with a fresh salt and the current KDF settings. Other devices must unlock
with the new password afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(a *app) error {
			newPassword, err := readNewPassword("new master password: ")
			if err != nil {
				return err
			}
			defer crypto.Zeroize(newPassword)

			cleanup := startSpinner("Deriving new key and re-encrypting vault...")
			res, err := a.orch.ChangePassword(cmd.Context(), newPassword)
			cleanup()
			if err != nil {
				return fmt.Errorf("failed to change master password: %w", err)
			}
			reportSave(res)
			fmt.Println("Master password changed successfully")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}
