package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/merge"
)

var diffPatch bool

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show how the local vault differs from the remote one",
	Long: `Compare the unlocked vault with the remote vault entry by entry.
Passwords are never printed; only the fact that they differ.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(a *app) error {
			local, err := a.orch.Session().Vault()
			if err != nil {
				return err
			}
			remote, env, err := a.orch.FetchRemote(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("local  version %d  %s\n", local.SyncVersion, merge.Fingerprint(local))
			fmt.Printf("remote version %d  %s\n", env.SyncVersion, merge.Fingerprint(remote))

			diffs := merge.Diff(local, remote)
			if len(diffs) == 0 {
				fmt.Println("No differences")
				return nil
			}

			added := color.New(color.FgGreen)
			removed := color.New(color.FgRed)
			changed := color.New(color.FgYellow)
			for _, d := range diffs {
				switch d.Kind {
				case merge.OnlyLocal:
					added.Printf("+ %s (%s)\n", d.Title, d.Kind)
				case merge.OnlyRemote:
					removed.Printf("- %s (%s)\n", d.Title, d.Kind)
				case merge.Modified:
					newer := d.NewerOn
					if newer == "" {
						newer = "neither"
					}
					changed.Printf("~ %s (newer: %s)\n", d.Title, newer)
					for _, fc := range d.Fields {
						if diffPatch {
							fmt.Print(merge.FieldPatch(fc))
						} else {
							fmt.Printf("    %s\n", fc.Field)
						}
					}
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolVarP(&diffPatch, "patch", "p", false, "Show field-level patches (secrets are never shown)")
}
