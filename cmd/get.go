package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/clipboard"
	"github.com/vaultctl/vaultsync/internal/vault"
)

var (
	getCopy bool
	getShow bool
)

var getCmd = &cobra.Command{
	Use:   "get <title_or_id>",
	Short: "Get a password entry",
	Long: `Get and display a password entry by title or ID.
With --copy the password is put on the clipboard and cleared after the
vault's clipboard timeout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(a *app) error {
			v, err := a.orch.Session().Vault()
			if err != nil {
				return err
			}
			entry := v.GetEntry(args[0])
			if entry == nil {
				return fmt.Errorf("entry not found: %s", args[0])
			}

			printEntry(entry, getShow && !getCopy)
			if !getCopy {
				return nil
			}

			if !clipboard.Available() {
				return fmt.Errorf("no clipboard utility found on this system")
			}
			timeout := v.Settings.ClipboardClearAfter()
			m := clipboard.NewManager(clipboard.System, logger)
			if err := m.Copy(entry.Password, timeout); err != nil {
				return err
			}
			defer m.Close()

			fmt.Printf("Password copied to clipboard, clearing in %s\n", timeout)
			select {
			case <-time.After(timeout):
			case <-cmd.Context().Done():
			}
			return nil
		})
	},
}

func printEntry(entry *vault.Entry, showPassword bool) {
	fmt.Printf("Title: %s\n", entry.Title)
	if entry.Username != "" {
		fmt.Printf("Username: %s\n", entry.Username)
	}
	if showPassword {
		fmt.Printf("Password: %s\n", entry.Password)
	} else {
		fmt.Printf("Password: %s\n", strings.Repeat("*", 8))
	}
	if entry.URL != "" {
		fmt.Printf("URL: %s\n", entry.URL)
	}
	if entry.Notes != "" {
		fmt.Printf("Notes: %s\n", entry.Notes)
	}
	if len(entry.Tags) > 0 {
		fmt.Printf("Tags: %s\n", strings.Join(entry.Tags, ", "))
	}
	fmt.Printf("ID: %s\n", entry.ID)
	fmt.Printf("Created: %s\n", entry.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", entry.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVarP(&getCopy, "copy", "c", false, "Copy the password to the clipboard")
	getCmd.Flags().BoolVar(&getShow, "show", false, "Print the password")
}
