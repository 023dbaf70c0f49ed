package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/storage"
)

var forgetForce bool

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the local copy of the vault",
	Long: `Delete the locally cached envelope. The remote vault is not touched.
Changes that are still pending sync are lost, so this refuses unless --force
is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		cached, err := a.cache.Load()
		switch {
		case errors.Is(err, storage.ErrCacheEmpty):
			fmt.Println("No local copy to remove")
			return nil
		case err != nil && !forgetForce:
			return fmt.Errorf("failed to read local cache: %w", err)
		case err == nil && cached.Pending && !forgetForce:
			return fmt.Errorf("local copy at version %d has not been synced; run 'vaultsync sync' or pass --force", cached.Envelope.SyncVersion)
		}

		if err := a.cache.Clear(); err != nil {
			return err
		}
		fmt.Println("Local copy removed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forgetCmd)
	forgetCmd.Flags().BoolVar(&forgetForce, "force", false, "Remove even if changes are pending sync")
}
