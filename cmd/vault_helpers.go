package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vaultctl/vaultsync/internal/config"
	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/storage"
	"github.com/vaultctl/vaultsync/internal/vault"
	"github.com/vaultctl/vaultsync/internal/vaultsync"
)

// app is everything a command needs to talk to the vault
type app struct {
	owner   string
	remote  storage.RemoteStore
	orch    *vaultsync.Orchestrator
	cache   storage.LocalCache
	closers []func() error
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Lock()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Debugf("close: %v", err)
		}
	}
}

// openApp wires the configured remote backend and local cache
func openApp(ctx context.Context) (*app, error) {
	owner, err := resolveOwner()
	if err != nil {
		return nil, err
	}
	a := &app{owner: owner}

	remote, closeRemote, err := newRemote(ctx)
	switch {
	case errors.Is(err, storage.ErrRemoteUnreachable):
		logger.Warnf("%v", err)
		remote = storage.Offline{Cause: err}
	case err != nil:
		return nil, err
	}
	a.remote = remote
	if closeRemote != nil {
		a.closers = append(a.closers, closeRemote)
	}

	cache, closeCache, err := newCache()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = cache
	if closeCache != nil {
		a.closers = append(a.closers, closeCache)
	}

	sealer := vault.Sealer{
		Deriver: crypto.KeyDeriver{MemoryLimitKiB: cfg.KDFMemoryLimit},
		Cipher:  cfg.CipherSuite(),
	}
	client := vaultsync.NewClient(remote, sealer, logger)
	a.orch = vaultsync.New(client, cache, vaultsync.Options{MaxRetries: cfg.MaxRetries, Log: logger})
	return a, nil
}

func resolveOwner() (string, error) {
	owner := ownerFlag
	if owner == "" {
		owner = cfg.Owner
	}
	if owner == "" {
		return "", fmt.Errorf("no owner configured. Pass --owner or run 'vaultsync register --owner <id>'")
	}
	return storage.NormalizeOwner(owner)
}

func newRemote(ctx context.Context) (storage.RemoteStore, func() error, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		s, err := storage.NewDynamoDBStore(ctx, cfg.AWSRegion, cfg.TableName)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.BackendMongo:
		s, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return s.Close(context.Background()) }, nil
	case config.BackendBolt:
		s, err := storage.OpenBoltRemote(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func newCache() (storage.LocalCache, func() error, error) {
	if cfg.CacheBackend == config.CacheBolt {
		c, err := storage.OpenBoltCache(cfg.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open local cache: %w", err)
		}
		return c, c.Close, nil
	}
	return storage.NewFileCache(cfg.CachePath), nil, nil
}

// withVault opens the app, unlocks the owner's vault and runs fn. The vault
// is locked again when fn returns.
func withVault(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := unlock(cmd.Context(), a); err != nil {
		return err
	}
	return fn(a)
}

func unlock(ctx context.Context, a *app) error {
	password, err := readPassword(fmt.Sprintf("Enter master password for %s: ", a.owner))
	if err != nil {
		return err
	}
	defer crypto.Zeroize(password)

	cleanup := startSpinner("Unlocking vault...")
	res, err := a.orch.Unlock(ctx, a.owner, password)
	cleanup()
	if err != nil {
		return err
	}

	switch {
	case res.FromCache:
		color.Yellow("Remote unreachable, using local copy (version %d)", res.Version)
	case res.Pending:
		color.Yellow("Local changes at version %d have not been synced yet", res.Version)
	}
	logger.Infof("unlocked %s at version %d", a.owner, res.Version)
	return nil
}

// saveVault runs mutate through the conflict-retrying save and reports the outcome
func saveVault(ctx context.Context, a *app, mutate func(*vault.Vault) error) error {
	res, err := a.orch.SaveWithConflictRetry(ctx, mutate)
	if err != nil {
		return err
	}
	reportSave(res)
	return nil
}

func reportSave(res *vaultsync.SaveResult) {
	if res.Outcome == vaultsync.PersistedLocallyPendingSync {
		color.Yellow("Remote unreachable. Saved locally as version %d; run 'vaultsync sync' when back online.", res.Version)
		return
	}
	if res.Merged {
		fmt.Printf("Merged with changes from another device (%d new, %d updated)\n",
			len(res.Report.RemoteOnly), len(res.Report.TakenRemote))
	}
	logger.Infof("saved version %d in %d attempt(s)", res.Version, res.Attempts)
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// readNewPassword prompts twice and checks both entries match
func readNewPassword(prompt string) ([]byte, error) {
	password1, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	if len(password1) == 0 {
		return nil, fmt.Errorf("password must not be empty")
	}
	password2, err := readPassword("Confirm " + prompt)
	if err != nil {
		crypto.Zeroize(password1)
		return nil, err
	}
	defer crypto.Zeroize(password2)

	if !crypto.ConstantTimeCompare(password1, password2) {
		crypto.Zeroize(password1)
		return nil, fmt.Errorf("passwords do not match")
	}
	return password1, nil
}

// startSpinner shows a spinner unless verbose or debug output is on.
// The returned function stops it.
func startSpinner(message string) func() {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	if err := s.Color("cyan"); err != nil {
		logger.Debugf("failed to set spinner color: %v", err)
	}

	if logger.Verbose || logger.Debug {
		logger.Infof("%s", message)
		return func() {}
	}

	s.Start()
	log.SetOutput(io.Discard)
	return func() {
		log.SetOutput(os.Stderr)
		s.Stop()
	}
}

// friendlyError maps sentinel errors to messages a user can act on
func friendlyError(err error) error {
	switch {
	case errors.Is(err, crypto.ErrDecryption):
		return fmt.Errorf("invalid master password or corrupted vault")
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("no vault registered for this owner, run 'vaultsync register'")
	case errors.Is(err, storage.ErrAlreadyRegistered):
		return fmt.Errorf("a vault is already registered for this owner")
	case errors.Is(err, vaultsync.ErrSyncExhausted):
		return fmt.Errorf("%v. Another device keeps changing the vault; run 'vaultsync sync' to try again", err)
	case errors.Is(err, storage.ErrRemoteUnreachable):
		return fmt.Errorf("%v. Check your network and backend settings", err)
	case errors.Is(err, vaultsync.ErrPendingUnreadable):
		return fmt.Errorf("%v. To keep them run 'vaultsync backup --local', then 'vaultsync forget --force', unlock again and 'vaultsync restore --merge <backup>' with the old password", err)
	case errors.Is(err, vaultsync.ErrLocked):
		return fmt.Errorf("vault is locked")
	}
	return err
}
