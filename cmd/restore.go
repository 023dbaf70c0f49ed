package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/merge"
	"github.com/vaultctl/vaultsync/internal/vault"
)

var restoreMerge bool

var restoreCmd = &cobra.Command{
	Use:   "restore [backup_path]",
	Short: "Restore vault from a backup",
	Long: `Restore your vault from an encrypted backup file.
If no backup path is provided, lists available backups for selection.
The restored entries are committed as a new version; with --merge they are
merged into the current vault instead of replacing it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)

		var backupPath string
		if len(args) > 0 {
			backupPath = args[0]
		} else {
			selected, err := selectBackup(reader)
			if err != nil {
				return err
			}
			backupPath = selected
		}

		b, err := vault.ReadBackup(backupPath)
		if err != nil {
			return fmt.Errorf("backup file appears to be invalid or corrupted: %w", err)
		}

		return withVault(cmd, func(a *app) error {
			if b.OwnerID != a.owner {
				return fmt.Errorf("backup belongs to %s, not %s", b.OwnerID, a.owner)
			}

			restored, err := openBackup(a, b)
			if err != nil {
				return err
			}

			fmt.Print("Create a backup of the current vault before restoring? (y/n): ")
			if yes(reader) {
				if env, err := a.orch.Session().Envelope(); err == nil {
					path := filepath.Join(cfg.BackupDir, vault.BackupFileName(a.owner, time.Now()))
					if err := vault.WriteBackup(path, vault.NewBackup(a.owner, env)); err != nil {
						return fmt.Errorf("failed to create backup: %w", err)
					}
					fmt.Printf("Current vault backed up to: %s\n", path)
				}
			}

			err = saveVault(cmd.Context(), a, func(v *vault.Vault) error {
				if restoreMerge {
					merged := merge.Merge(v, restored)
					v.Entries = merged.Entries
					return nil
				}
				v.Entries = restored.Clone().Entries
				v.Settings = restored.Settings
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Printf("Vault restored successfully from: %s\n", filepath.Base(backupPath))
			return nil
		})
	},
}

// openBackup decrypts a backup with the password it was made with
func openBackup(a *app, b *vault.Backup) (*vault.Vault, error) {
	sealer := a.orch.Client().Sealer()
	password, err := readPassword("Enter the password the backup was made with: ")
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(password)

	cleanup := startSpinner("Decrypting backup...")
	v, key, err := sealer.Unlock(b.Envelope(), password)
	cleanup()
	if err != nil {
		return nil, err
	}
	key.Destroy()
	return v, nil
}

func selectBackup(reader *bufio.Reader) (string, error) {
	if _, err := os.Stat(cfg.BackupDir); os.IsNotExist(err) {
		return "", fmt.Errorf("no backup directory found at %s. Create a backup first with 'vaultsync backup'", cfg.BackupDir)
	}
	backups, err := vault.ListBackups(cfg.BackupDir)
	if err != nil {
		return "", fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) == 0 {
		return "", fmt.Errorf("no backup files found in %s", cfg.BackupDir)
	}

	fmt.Println("Available backups:")
	fmt.Println()
	for i, backup := range backups {
		fmt.Printf("  %d. %s\n", i+1, filepath.Base(backup.Path))
		fmt.Printf("     Created: %s\n", backup.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("     Size: %s\n", formatFileSize(backup.Size))
		fmt.Println()
	}

	fmt.Print("Select backup to restore (enter number): ")
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	input = strings.TrimSpace(input)
	selection, err := strconv.Atoi(input)
	if err != nil || selection < 1 || selection > len(backups) {
		return "", fmt.Errorf("invalid selection: %s", input)
	}
	return backups[selection-1].Path, nil
}

func yes(reader *bufio.Reader) bool {
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// formatFileSize formats file size in human-readable format
func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVar(&restoreMerge, "merge", false, "Merge the backup into the current vault instead of replacing it")
}
