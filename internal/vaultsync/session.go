package vaultsync

import (
	"context"
	"errors"
	"sync"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/vault"
)

var (
	// ErrLocked is returned by operations on a locked session.
	ErrLocked = errors.New("vault is locked")
)

// State is the session lifecycle state
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Session holds everything that exists only while a vault is unlocked: the
// owner, the password, the derived key and the decrypted vault.
//
// Lock takes effect immediately for new operations and background work. Key
// material referenced by a save that is still running is wiped when that
// save finishes.
type Session struct {
	mu sync.Mutex

	state    State
	gen      uint64 // bumped on every unlock
	owner    string
	password []byte
	key      *crypto.DerivedKey
	current  *vault.Vault
	envelope *vault.Envelope
	pending  bool

	ctx    context.Context
	cancel context.CancelFunc

	inflight int
	retired  []secret
}

type secret struct {
	password []byte
	key      *crypto.DerivedKey
}

func (s secret) wipe() {
	crypto.Zeroize(s.password)
	s.key.Destroy()
}

// NewSession returns a locked session
func NewSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Session{ctx: ctx, cancel: cancel}
}

// open moves the session to Unlocked. The caller's password slice is copied;
// key and env become owned by the session.
func (s *Session) open(owner string, password []byte, key *crypto.DerivedKey, v *vault.Vault, env *vault.Envelope, pending bool) {
	s.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Unlocked
	s.gen++
	s.owner = owner
	s.password = append([]byte(nil), password...)
	s.key = key
	s.current = v.Clone()
	s.envelope = env
	s.pending = pending
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Lock drops the unlocked state and cancels background work.
// Safe to call on a locked session.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Locked {
		return
	}
	s.cancel()

	sec := secret{password: s.password, key: s.key}
	if s.inflight > 0 {
		s.retired = append(s.retired, sec)
	} else {
		sec.wipe()
	}

	s.state = Locked
	s.owner = ""
	s.password = nil
	s.key = nil
	s.current = nil
	s.envelope = nil
	s.pending = false
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Owner returns the unlocked owner id, or "" when locked
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Vault returns a copy of the current vault
func (s *Session) Vault() (*vault.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return nil, ErrLocked
	}
	return s.current.Clone(), nil
}

// Version returns the sync version of the current vault
func (s *Session) Version() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return 0, ErrLocked
	}
	return s.current.SyncVersion, nil
}

// Envelope returns the last envelope written or read by this session
func (s *Session) Envelope() (*vault.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return nil, ErrLocked
	}
	env := *s.envelope
	return &env, nil
}

// Pending reports whether the current vault has not reached the remote yet
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Done is closed when the session locks
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Done()
}

// lease is a snapshot of the session taken by a save. The password and key
// stay valid until release even if the session locks meanwhile.
type lease struct {
	gen      uint64
	owner    string
	password []byte
	key      *crypto.DerivedKey
	current  *vault.Vault
	pending  bool

	derived []*crypto.DerivedKey // keys created during the save
}

func (s *Session) acquire() (*lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked {
		return nil, ErrLocked
	}
	s.inflight++
	return &lease{
		gen:      s.gen,
		owner:    s.owner,
		password: s.password,
		key:      s.key,
		current:  s.current.Clone(),
		pending:  s.pending,
	}, nil
}

// useKey records a key derived during the save and makes it current for the lease
func (l *lease) useKey(k *crypto.DerivedKey) {
	if k == l.key {
		return
	}
	l.derived = append(l.derived, k)
	l.key = k
}

// apply publishes the result of a save. It is a no-op when the session was
// locked or re-unlocked while the save ran. A non-nil password replaces the
// session password.
func (s *Session) apply(l *lease, v *vault.Vault, env *vault.Envelope, key *crypto.DerivedKey, password []byte, pending bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unlocked || s.gen != l.gen {
		return false
	}

	if key != s.key {
		s.retired = append(s.retired, secret{key: s.key})
		s.key = key
	}
	if password != nil {
		s.retired = append(s.retired, secret{password: s.password})
		s.password = append([]byte(nil), password...)
	}
	s.current = v.Clone()
	s.envelope = env
	s.pending = pending
	return true
}

func (s *Session) release(l *lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--

	for _, k := range l.derived {
		if k != s.key {
			s.retired = append(s.retired, secret{key: k})
		}
	}
	if s.inflight > 0 {
		return
	}
	for _, sec := range s.retired {
		if sec.key == s.key {
			sec.key = nil
		}
		sec.wipe()
	}
	s.retired = nil
}
