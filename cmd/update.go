package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/vault"
)

var (
	updateTitle    string
	updateUsername string
	updatePassword bool
	updateURL      string
	updateNotes    string
	updateTags     string
)

var updateCmd = &cobra.Command{
	Use:   "update <title_or_id>",
	Short: "Update an existing password entry",
	Long:  `Update fields of an existing password entry. Only provided fields will be updated.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
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

			var patch vault.EntryPatch
			if flags.Changed("title") {
				patch.Title = &updateTitle
			}
			if flags.Changed("username") {
				patch.Username = &updateUsername
			}
			if flags.Changed("url") {
				patch.URL = &updateURL
			}
			if flags.Changed("notes") {
				patch.Notes = &updateNotes
			}
			if flags.Changed("tags") {
				patch.Tags = splitTags(updateTags)
				if patch.Tags == nil {
					patch.Tags = []string{}
				}
			}
			if updatePassword {
				pwd, err := readPassword("Enter new password: ")
				if err != nil {
					return err
				}
				defer crypto.Zeroize(pwd)
				s := string(pwd)
				patch.Password = &s
			}

			err = saveVault(cmd.Context(), a, func(v *vault.Vault) error {
				if !v.UpdateEntry(id, patch) {
					return fmt.Errorf("entry not found: %s", args[0])
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to save vault: %w", err)
			}

			fmt.Printf("Entry '%s' updated successfully\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateTitle, "title", "", "Update entry title")
	updateCmd.Flags().StringVar(&updateUsername, "username", "", "Update username")
	updateCmd.Flags().BoolVar(&updatePassword, "password", false, "Prompt for a new password")
	updateCmd.Flags().StringVar(&updateURL, "url", "", "Update URL")
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "Update notes")
	updateCmd.Flags().StringVar(&updateTags, "tags", "", "Replace tags (comma separated, empty to clear)")
}
