package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/vault"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all password entries",
	Long:  `List all password entries in the vault (without showing passwords).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(a *app) error {
			v, err := a.orch.Session().Vault()
			if err != nil {
				return err
			}
			printEntries(os.Stdout, v.ListEntries())
			return nil
		})
	},
}

func printEntries(out io.Writer, entries []vault.EntrySummary) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tUSERNAME\tURL\tTAGS\tUPDATED")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			entry.Title,
			entry.Username,
			entry.URL,
			strings.Join(entry.Tags, ","),
			entry.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(listCmd)
}
