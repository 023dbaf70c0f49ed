// Package clipboard copies secrets to the system clipboard and clears them
// after a timeout.
package clipboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/vaultctl/vaultsync/internal/logging"
)

// Backend reads and writes clipboard text
type Backend interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type system struct{}

func (system) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (system) WriteAll(text string) error { return clipboard.WriteAll(text) }

// System is the OS clipboard
var System Backend = system{}

// Available reports whether a system clipboard utility was found
func Available() bool {
	return !clipboard.Unsupported
}

// Manager handles clipboard operations with automatic clearing.
// A single timer is kept; a new Copy replaces the pending clear.
type Manager struct {
	backend Backend
	log     logging.Logger

	mu     sync.Mutex
	timer  *time.Timer
	copied string
}

// NewManager creates a clipboard manager on the given backend
func NewManager(backend Backend, log logging.Logger) *Manager {
	return &Manager{backend: backend, log: log}
}

// Copy copies text to the clipboard and clears it after timeout.
// A non-positive timeout leaves the text in place.
func (m *Manager) Copy(text string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	if err := m.backend.WriteAll(text); err != nil {
		return fmt.Errorf("failed to write to clipboard: %w", err)
	}
	m.copied = text
	if timeout > 0 {
		m.timer = time.AfterFunc(timeout, m.expire)
	}
	return nil
}

// expire clears the clipboard unless the user copied something else meanwhile
func (m *Manager) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.copied == "" {
		return
	}

	current, err := m.backend.ReadAll()
	if err == nil && current != m.copied {
		m.copied = ""
		return
	}
	if err := m.backend.WriteAll(""); err != nil {
		m.log.Warnf("failed to clear clipboard: %v", err)
	}
	m.copied = ""
	m.timer = nil
}

// ClearNow clears the clipboard and cancels any pending auto-clear
func (m *Manager) ClearNow() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.copied = ""
	if err := m.backend.WriteAll(""); err != nil {
		return fmt.Errorf("failed to clear clipboard: %w", err)
	}
	return nil
}

// Close stops any pending clear, clearing the clipboard first if it still
// holds a copied secret
func (m *Manager) Close() {
	m.mu.Lock()
	pending := m.timer != nil
	m.mu.Unlock()
	if pending {
		m.expire()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
