package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/storage"
)

var registerCreateTable bool

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new vault",
	Long: `Create an empty encrypted vault for an owner and upload it to the remote store.
The owner is remembered in the config file when none is set yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if ds, ok := a.remote.(*storage.DynamoDBStore); ok && registerCreateTable {
			if err := ds.EnsureTable(ctx); err != nil {
				return fmt.Errorf("failed to prepare table: %w", err)
			}
		}

		password, err := readNewPassword("master password: ")
		if err != nil {
			return err
		}
		defer crypto.Zeroize(password)

		cleanup := startSpinner("Deriving key and creating vault...")
		err = a.orch.Register(ctx, a.owner, password)
		cleanup()
		if err != nil {
			return err
		}

		if cfg.Owner == "" {
			cfg.Owner = a.owner
			if err := cfg.SaveConfig(); err != nil {
				logger.Warnf("failed to save owner to config: %v", err)
			}
		}

		fmt.Printf("Vault registered for %s\n", a.owner)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().BoolVar(&registerCreateTable, "create-table", false, "Create the DynamoDB table if it does not exist")
}
