package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/storage"
	"github.com/vaultctl/vaultsync/internal/vault"
	"github.com/vaultctl/vaultsync/internal/vaultsync"
)

func TestFriendlyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("open: %w", crypto.ErrDecryption), "invalid master password"},
		{storage.ErrNotFound, "vaultsync register"},
		{fmt.Errorf("%w: remote at version 9", vaultsync.ErrSyncExhausted), "vaultsync sync"},
		{storage.ErrRemoteUnreachable, "network"},
		{vaultsync.ErrLocked, "locked"},
		{fmt.Errorf("%w: version 2", vaultsync.ErrPendingUnreadable), "backup --local"},
	}
	for _, tt := range tests {
		got := friendlyError(tt.err).Error()
		if !strings.Contains(got, tt.want) {
			t.Errorf("friendlyError(%v) = %q, want it to mention %q", tt.err, got, tt.want)
		}
	}

	plain := errors.New("something else")
	if friendlyError(plain) != plain {
		t.Error("unknown errors should pass through unchanged")
	}
}

func TestLocalEnvelope(t *testing.T) {
	cache := storage.NewFileCache(filepath.Join(t.TempDir(), "cache.json"))
	a := &app{owner: "alice", cache: cache}

	if _, err := localEnvelope(a); !errors.Is(err, storage.ErrCacheEmpty) {
		t.Fatalf("empty cache: %v, want ErrCacheEmpty", err)
	}
	if err := cache.Persist("alice", &vault.Envelope{SyncVersion: 4}, true); err != nil {
		t.Fatal(err)
	}
	env, err := localEnvelope(a)
	if err != nil || env.SyncVersion != 4 {
		t.Fatalf("localEnvelope = %+v, %v; want pending version 4", env, err)
	}

	a.owner = "bob"
	if _, err := localEnvelope(a); err == nil {
		t.Error("another owner's local copy was exported")
	}
}

func TestSplitTags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"work", []string{"work"}},
		{" work, personal ;; bank ", []string{"work", "personal", "bank"}},
	}
	for _, tt := range tests {
		if got := splitTags(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitTags(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatFileSize(tt.size); got != tt.want {
			t.Errorf("formatFileSize(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}
