package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status without unlocking",
	Long: `Compare the locally cached vault version with the remote version.
Nothing is decrypted and no password is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Owner:   %s\n", a.owner)
		fmt.Printf("Backend: %s\n", cfg.Backend)

		var local int64
		cached, err := a.cache.Load()
		switch {
		case errors.Is(err, storage.ErrCacheEmpty):
			fmt.Println("Local:   no cached copy")
		case err != nil:
			return fmt.Errorf("failed to read local cache: %w", err)
		case cached.Owner != a.owner:
			fmt.Printf("Local:   cache holds another owner (%s)\n", cached.Owner)
		default:
			local = cached.Envelope.SyncVersion
			state := "synced"
			if cached.Pending {
				state = "pending sync"
			}
			fmt.Printf("Local:   version %d, %s, saved %s\n", local, state, cached.SavedAt.Local().Format("2006-01-02 15:04:05"))
		}

		stale, remote, err := a.orch.CheckStaleness(cmd.Context(), a.owner, local)
		switch {
		case errors.Is(err, storage.ErrRemoteUnreachable):
			color.Yellow("Remote:  unreachable")
			return nil
		case err != nil:
			return err
		}
		fmt.Printf("Remote:  version %d\n", remote)
		if stale && local > 0 {
			color.Yellow("Remote vault is newer. Run 'vaultsync sync' to update the local copy.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
