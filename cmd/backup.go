package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/storage"
	"github.com/vaultctl/vaultsync/internal/vault"
)

var backupLocal bool

var backupCmd = &cobra.Command{
	Use:   "backup [output_path]",
	Short: "Create a backup of the vault",
	Long: `Export the encrypted vault to a backup file. The backup stays encrypted
and can only be opened with the password that was current when it was made.
With --local the cached copy is exported instead of the remote one, including
changes that are still pending sync.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var env *vault.Envelope
		if backupLocal {
			env, err = localEnvelope(a)
		} else {
			env, err = currentEnvelope(cmd.Context(), a)
		}
		if err != nil {
			return err
		}

		outputPath := filepath.Join(cfg.BackupDir, vault.BackupFileName(a.owner, time.Now()))
		if len(args) > 0 {
			outputPath = args[0]
		}
		if err := vault.WriteBackup(outputPath, vault.NewBackup(a.owner, env)); err != nil {
			return err
		}

		fmt.Printf("Backup of version %d created at: %s\n", env.SyncVersion, outputPath)
		return nil
	},
}

// currentEnvelope returns the remote envelope, or the cached one when the
// remote is unreachable
func currentEnvelope(ctx context.Context, a *app) (*vault.Envelope, error) {
	env, err := a.orch.Client().FetchEnvelope(ctx, a.owner)
	if err == nil || !errors.Is(err, storage.ErrRemoteUnreachable) {
		return env, err
	}

	cached, cerr := a.cache.Load()
	if cerr != nil || cached.Owner != a.owner {
		return nil, err
	}
	logger.Warnf("remote unreachable, using local copy at version %d", cached.Envelope.SyncVersion)
	return &cached.Envelope, nil
}

// localEnvelope returns the owner's cached envelope
func localEnvelope(a *app) (*vault.Envelope, error) {
	cached, err := a.cache.Load()
	if err != nil {
		return nil, err
	}
	if cached.Owner != a.owner {
		return nil, fmt.Errorf("local copy belongs to %s, not %s", cached.Owner, a.owner)
	}
	return &cached.Envelope, nil
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolVar(&backupLocal, "local", false, "Export the local cached copy instead of the remote vault")
}
