package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/config"
	"github.com/vaultctl/vaultsync/internal/logging"
)

var (
	cfg    *config.Config
	logger logging.Logger

	verbose    bool
	debug      bool
	ownerFlag  string
	configFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vaultsync",
	Short: "A zero-knowledge password vault that syncs across devices",
	Long: `vaultsync is a CLI password manager with client-side encryption.
All encryption and decryption happens locally. The remote store only holds
encrypted envelopes and never sees your master password or decrypted data.
Concurrent edits from several devices are merged entry by entry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configFlag != "" {
			cfg, err = config.LoadConfigFrom(configFlag)
		} else {
			cfg, err = config.LoadConfig()
		}
		if err != nil {
			return err
		}
		logger = logging.Logger{
			Verbose: verbose || cfg.Verbose,
			Debug:   debug || cfg.Debug,
		}
		logger.Debugf("loaded config from %s", cfg.ConfigPath)
		return nil
	},
}

// Execute runs the root command and returns a user-facing error
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return friendlyError(err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "Vault owner (defaults to the configured owner)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default $VAULTSYNC_CONFIG or ~/.vaultsync/config.json)")
}
