package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vaultctl/vaultsync/internal/vault"
)

var (
	// ErrNotFound indicates that no vault is registered for the owner.
	ErrNotFound = errors.New("vault not found")

	// ErrAlreadyRegistered indicates that the owner already has a vault.
	ErrAlreadyRegistered = errors.New("owner already registered")

	// ErrVersionConflict is matched by every *VersionConflictError.
	ErrVersionConflict = errors.New("version conflict")

	// ErrRemoteUnreachable wraps transport failures talking to the remote.
	ErrRemoteUnreachable = errors.New("remote store unreachable")

	// ErrInvalidOwner indicates an owner id outside the allowed alphabet.
	ErrInvalidOwner = errors.New("invalid owner id")
)

// VersionConflictError is returned when a commit does not advance past the
// version the remote already holds
type VersionConflictError struct {
	ServerVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: remote is at version %d", e.ServerVersion)
}

// Is lets errors.Is(err, ErrVersionConflict) match
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// RemoteStore is the remote side of the sync protocol. It stores exactly one
// opaque envelope per owner and never sees plaintext or keys.
type RemoteStore interface {
	// FetchEnvelope returns the owner's envelope or ErrNotFound
	FetchEnvelope(ctx context.Context, owner string) (*vault.Envelope, error)

	// FetchVersion returns only the stored version, without the ciphertext
	FetchVersion(ctx context.Context, owner string) (int64, error)

	// CommitEnvelope replaces the stored envelope iff env.SyncVersion is
	// strictly greater than the stored version, returning the accepted
	// version. Otherwise it returns a *VersionConflictError.
	CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error)

	// Register stores the first envelope for a new owner
	Register(ctx context.Context, owner string, env *vault.Envelope) error
}

var ownerPattern = regexp.MustCompile(`^[a-z0-9._-]{3,64}$`)

// NormalizeOwner trims and lower-cases an owner id and checks its alphabet
func NormalizeOwner(owner string) (string, error) {
	o := strings.ToLower(strings.TrimSpace(owner))
	if !ownerPattern.MatchString(o) {
		return "", fmt.Errorf("%w: %q must be 3-64 characters of a-z, 0-9, '.', '_' or '-'", ErrInvalidOwner, owner)
	}
	return o, nil
}

// checkCommit applies the compare-and-increment rule against the stored version
func checkCommit(stored int64, env *vault.Envelope) error {
	if env.SyncVersion <= stored {
		return &VersionConflictError{ServerVersion: stored}
	}
	return nil
}

// Offline is a RemoteStore that fails every call with ErrRemoteUnreachable.
// It stands in for a backend that could not be opened so callers can still
// work from the local cache.
type Offline struct {
	Cause error
}

func (o Offline) err() error {
	if o.Cause == nil {
		return ErrRemoteUnreachable
	}
	if errors.Is(o.Cause, ErrRemoteUnreachable) {
		return o.Cause
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnreachable, o.Cause)
}

func (o Offline) FetchEnvelope(context.Context, string) (*vault.Envelope, error) {
	return nil, o.err()
}

func (o Offline) FetchVersion(context.Context, string) (int64, error) {
	return 0, o.err()
}

func (o Offline) CommitEnvelope(context.Context, string, *vault.Envelope) (int64, error) {
	return 0, o.err()
}

func (o Offline) Register(context.Context, string, *vault.Envelope) error {
	return o.err()
}
