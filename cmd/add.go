package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/vault"
)

var (
	addTitle    string
	addUsername string
	addURL      string
	addNotes    string
	addTags     string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new password entry",
	Long:  `Add a new password entry to the vault.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addTitle == "" {
			return fmt.Errorf("--title is required")
		}

		return withVault(cmd, func(a *app) error {
			current, err := a.orch.Session().Vault()
			if err != nil {
				return err
			}
			if current.GetEntry(addTitle) != nil {
				return fmt.Errorf("entry with title '%s' already exists", addTitle)
			}

			password, err := readPassword("Enter password for the entry: ")
			if err != nil {
				return err
			}
			defer crypto.Zeroize(password)

			fields := vault.EntryFields{
				Title:    addTitle,
				Username: addUsername,
				Password: string(password),
				URL:      addURL,
				Notes:    addNotes,
				Tags:     splitTags(addTags),
			}
			err = saveVault(cmd.Context(), a, func(v *vault.Vault) error {
				v.AddEntry(fields)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to save vault: %w", err)
			}

			fmt.Printf("Entry '%s' added successfully\n", addTitle)
			return nil
		})
	},
}

// splitTags splits a comma or semicolon separated list
func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringVar(&addTitle, "title", "", "Entry title (required)")
	addCmd.Flags().StringVar(&addUsername, "username", "", "Username")
	addCmd.Flags().StringVar(&addURL, "url", "", "URL")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "Notes")
	addCmd.Flags().StringVar(&addTags, "tags", "", "Tags (comma separated)")
}
