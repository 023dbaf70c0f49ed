package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vaultctl/vaultsync/internal/clipboard"
	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/vault"
	"github.com/vaultctl/vaultsync/internal/vaultsync"
)

const shellHelp = `Commands:
  list                 list entries
  get <title>          show an entry (password masked)
  show <title>         show an entry with its password
  copy <title>         copy the password to the clipboard
  add <title>          add an entry
  remove <title>       remove an entry
  sync                 push pending changes or pull the remote vault
  status               show local and remote versions
  lock                 lock the vault
  unlock               unlock the vault again
  exit                 leave the shell`

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive session",
	Long: `Unlock the vault once and run several commands against it. The session
watches the remote for newer versions and locks itself after the vault's
auto-lock period without activity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sh := &shell{
			cmd:       cmd,
			app:       a,
			in:        bufio.NewReader(os.Stdin),
			clipboard: clipboard.NewManager(clipboard.System, logger),
		}
		defer sh.clipboard.Close()

		if err := sh.unlock(); err != nil {
			return err
		}
		return sh.run()
	},
}

type shell struct {
	cmd       *cobra.Command
	app       *app
	in        *bufio.Reader
	clipboard *clipboard.Manager
	autoLock  *vaultsync.AutoLock
}

func (sh *shell) ctx() context.Context {
	return sh.cmd.Context()
}

func (sh *shell) session() *vaultsync.Session {
	return sh.app.orch.Session()
}

// unlock unlocks the vault and starts the staleness watcher and auto-lock
func (sh *shell) unlock() error {
	if err := unlock(sh.ctx(), sh.app); err != nil {
		return err
	}
	v, err := sh.session().Vault()
	if err != nil {
		return err
	}

	sh.autoLock = vaultsync.NewAutoLock(sh.session(), v.Settings.AutoLockAfter())
	go func(done <-chan struct{}) {
		<-done
		color.Yellow("\nVault locked. Type 'unlock' to continue.")
	}(sh.session().Done())

	poll, _ := cfg.Poll()
	sh.app.orch.WatchStaleness(sh.ctx(), poll, func(remote int64) {
		color.Yellow("\nRemote vault is at version %d. Type 'sync' to pull it.", remote)
	})
	return nil
}

func (sh *shell) run() error {
	fmt.Println("Type 'help' for commands.")
	for {
		fmt.Print("vaultsync> ")
		line, err := sh.in.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		verb, arg := fields[0], strings.Join(fields[1:], " ")

		if verb == "exit" || verb == "quit" {
			return nil
		}
		if err := sh.dispatch(verb, arg); err != nil {
			color.Red("Error: %v", friendlyError(err))
		}
	}
}

func (sh *shell) dispatch(verb, arg string) error {
	switch verb {
	case "help":
		fmt.Println(shellHelp)
		return nil
	case "unlock":
		if sh.session().State() == vaultsync.Unlocked {
			fmt.Println("Vault is already unlocked")
			return nil
		}
		return sh.unlock()
	case "lock":
		sh.app.orch.Lock()
		return nil
	}

	if sh.session().State() != vaultsync.Unlocked {
		return vaultsync.ErrLocked
	}
	if sh.autoLock != nil {
		sh.autoLock.Touch()
	}

	switch verb {
	case "list":
		v, err := sh.session().Vault()
		if err != nil {
			return err
		}
		printEntries(os.Stdout, v.ListEntries())
	case "get", "show":
		entry, _, err := sh.entry(arg)
		if err != nil {
			return err
		}
		printEntry(entry, verb == "show")
	case "copy":
		entry, v, err := sh.entry(arg)
		if err != nil {
			return err
		}
		if !clipboard.Available() {
			return fmt.Errorf("no clipboard utility found on this system")
		}
		timeout := v.Settings.ClipboardClearAfter()
		if err := sh.clipboard.Copy(entry.Password, timeout); err != nil {
			return err
		}
		fmt.Printf("Password copied to clipboard, clearing in %s\n", timeout)
	case "add":
		return sh.add(arg)
	case "remove":
		entry, _, err := sh.entry(arg)
		if err != nil {
			return err
		}
		id := entry.ID
		return saveVault(sh.ctx(), sh.app, func(v *vault.Vault) error {
			if !v.RemoveEntry(id) {
				return fmt.Errorf("entry not found: %s", arg)
			}
			return nil
		})
	case "sync":
		return runSync(sh.cmd, sh.app)
	case "status":
		version, err := sh.session().Version()
		if err != nil {
			return err
		}
		state := "synced"
		if sh.session().Pending() {
			state = "pending sync"
		}
		fmt.Printf("Local:  version %d, %s\n", version, state)
		_, remote, err := sh.app.orch.CheckStaleness(sh.ctx(), sh.app.owner, version)
		if err != nil {
			return err
		}
		fmt.Printf("Remote: version %d\n", remote)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", verb)
	}
	return nil
}

func (sh *shell) entry(identifier string) (*vault.Entry, *vault.Vault, error) {
	if identifier == "" {
		return nil, nil, fmt.Errorf("missing entry title or id")
	}
	v, err := sh.session().Vault()
	if err != nil {
		return nil, nil, err
	}
	entry := v.GetEntry(identifier)
	if entry == nil {
		return nil, nil, fmt.Errorf("entry not found: %s", identifier)
	}
	return entry, v, nil
}

func (sh *shell) prompt(label string) (string, error) {
	fmt.Print(label)
	s, err := sh.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (sh *shell) add(title string) error {
	if title == "" {
		return fmt.Errorf("missing entry title")
	}
	v, err := sh.session().Vault()
	if err != nil {
		return err
	}
	if v.GetEntry(title) != nil {
		return fmt.Errorf("entry with title '%s' already exists", title)
	}

	username, err := sh.prompt("Username: ")
	if err != nil {
		return err
	}
	url, err := sh.prompt("URL: ")
	if err != nil {
		return err
	}
	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	defer crypto.Zeroize(password)

	fields := vault.EntryFields{Title: title, Username: username, URL: url, Password: string(password)}
	err = saveVault(sh.ctx(), sh.app, func(v *vault.Vault) error {
		v.AddEntry(fields)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Entry '%s' added\n", title)
	return nil
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
