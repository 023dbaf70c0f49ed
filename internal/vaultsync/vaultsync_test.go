package vaultsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/logging"
	"github.com/vaultctl/vaultsync/internal/storage"
	"github.com/vaultctl/vaultsync/internal/vault"
)

const owner = "alice"

var password = []byte("correct horse battery staple")

func testSealer() vault.Sealer {
	return vault.Sealer{KDF: crypto.KDFConfig{
		Algorithm:   crypto.AlgorithmArgon2id,
		Memory:      64,
		Iterations:  1,
		Parallelism: 1,
		Hash:        crypto.HashSHA256,
	}}
}

func newDevice(t *testing.T, remote storage.RemoteStore, maxRetries int) *Orchestrator {
	t.Helper()
	client := NewClient(remote, testSealer(), logging.Discard())
	cache := storage.NewFileCache(filepath.Join(t.TempDir(), "cache.json"))
	return New(client, cache, Options{MaxRetries: maxRetries, Log: logging.Discard()})
}

func addEntry(title string) func(*vault.Vault) error {
	return func(v *vault.Vault) error {
		v.AddEntry(vault.EntryFields{Title: title, Password: "pw-" + title})
		return nil
	}
}

func mustRegister(t *testing.T, o *Orchestrator) {
	t.Helper()
	if err := o.Register(context.Background(), owner, password); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func mustUnlock(t *testing.T, o *Orchestrator) *UnlockResult {
	t.Helper()
	res, err := o.Unlock(context.Background(), owner, password)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	return res
}

func titles(t *testing.T, o *Orchestrator) map[string]bool {
	t.Helper()
	v, err := o.Session().Vault()
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	got := make(map[string]bool)
	for _, e := range v.Entries {
		got[e.Title] = true
	}
	return got
}

func TestRegisterAndUnlock(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	a := newDevice(t, remote, 0)
	mustRegister(t, a)

	if a.Session().State() != Unlocked {
		t.Fatal("session should be unlocked after Register")
	}
	res, err := a.SaveWithConflictRetry(ctx, addEntry("GitHub"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Outcome != Committed || res.Version != 2 || res.Attempts != 1 {
		t.Errorf("result = %+v, want committed version 2 in one attempt", res)
	}

	b := newDevice(t, remote, 0)
	unlocked := mustUnlock(t, b)
	if unlocked.FromCache || unlocked.Pending || unlocked.Version != 2 {
		t.Errorf("unlock = %+v", unlocked)
	}
	if !titles(t, b)["GitHub"] {
		t.Error("second device does not see the entry")
	}

	if err := b.Register(ctx, owner, password); !errors.Is(err, storage.ErrAlreadyRegistered) {
		t.Errorf("second Register: %v, want ErrAlreadyRegistered", err)
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	remote := storage.NewMemoryStore()
	mustRegister(t, newDevice(t, remote, 0))

	b := newDevice(t, remote, 0)
	if _, err := b.Unlock(context.Background(), owner, []byte("wrong")); !errors.Is(err, crypto.ErrDecryption) {
		t.Fatalf("Unlock: %v, want ErrDecryption", err)
	}
	if b.Session().State() != Locked {
		t.Error("session unlocked with a wrong password")
	}
}

func TestLockedSessionRejectsSaves(t *testing.T) {
	o := newDevice(t, storage.NewMemoryStore(), 0)
	if _, err := o.SaveWithConflictRetry(context.Background(), addEntry("x")); !errors.Is(err, ErrLocked) {
		t.Errorf("Save: %v, want ErrLocked", err)
	}
	if _, err := o.Session().Vault(); !errors.Is(err, ErrLocked) {
		t.Errorf("Vault: %v, want ErrLocked", err)
	}
	if _, err := o.Refresh(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("Refresh: %v, want ErrLocked", err)
	}
}

func TestConcurrentDevicesMerge(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	a := newDevice(t, remote, 0)
	mustRegister(t, a)
	b := newDevice(t, remote, 0)
	mustUnlock(t, b)

	if _, err := a.SaveWithConflictRetry(ctx, addEntry("from-a")); err != nil {
		t.Fatalf("save on a: %v", err)
	}
	res, err := b.SaveWithConflictRetry(ctx, addEntry("from-b"))
	if err != nil {
		t.Fatalf("save on b: %v", err)
	}
	if res.Outcome != Committed || res.Version != 3 || res.Attempts != 2 || !res.Merged {
		t.Errorf("result = %+v, want merged commit of version 3 after 2 attempts", res)
	}
	if len(res.Report.RemoteOnly) != 1 {
		t.Errorf("report = %+v, want one remote-only entry", res.Report)
	}

	got := titles(t, b)
	if !got["from-a"] || !got["from-b"] {
		t.Errorf("merged vault = %v, want both entries", got)
	}
	if v, _ := remote.FetchVersion(ctx, owner); v != 3 {
		t.Errorf("remote version = %d, want 3", v)
	}
}

// conflictingStore rejects every commit
type conflictingStore struct {
	storage.RemoteStore
	commits int
}

func (c *conflictingStore) CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error) {
	c.commits++
	return 0, &storage.VersionConflictError{ServerVersion: 99}
}

func TestSaveGivesUpAfterMaxRetries(t *testing.T) {
	tests := []struct {
		maxRetries  int
		wantCommits int
	}{
		{maxRetries: 0, wantCommits: DefaultMaxRetries + 1},
		{maxRetries: 4, wantCommits: 5},
		{maxRetries: -1, wantCommits: 1},
	}
	for _, tt := range tests {
		store := &conflictingStore{RemoteStore: storage.NewMemoryStore()}
		o := newDevice(t, store, tt.maxRetries)
		mustRegister(t, o)

		_, err := o.SaveWithConflictRetry(context.Background(), addEntry("x"))
		if !errors.Is(err, ErrSyncExhausted) {
			t.Fatalf("maxRetries %d: err = %v, want ErrSyncExhausted", tt.maxRetries, err)
		}
		if store.commits != tt.wantCommits {
			t.Errorf("maxRetries %d: %d commits, want %d", tt.maxRetries, store.commits, tt.wantCommits)
		}
		if v, _ := o.Session().Version(); v != 1 {
			t.Errorf("session version = %d, want unchanged 1", v)
		}
	}
}

func TestOfflineSaveIsPendingUntilPushed(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	o := newDevice(t, remote, 0)
	mustRegister(t, o)

	remote.SetOffline(true)
	res, err := o.SaveWithConflictRetry(ctx, addEntry("offline"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Outcome != PersistedLocallyPendingSync || res.Version != 2 {
		t.Fatalf("result = %+v, want pending version 2", res)
	}
	if !o.Session().Pending() {
		t.Error("session should be pending")
	}
	cached, err := o.cache.Load()
	if err != nil {
		t.Fatalf("cache Load: %v", err)
	}
	if !cached.Pending || cached.Envelope.SyncVersion != 2 {
		t.Errorf("cached = %+v, want pending version 2", cached)
	}

	remote.SetOffline(false)
	res, err = o.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if res.Outcome != Committed || res.Version != 2 {
		t.Errorf("push = %+v, want committed version 2", res)
	}
	if o.Session().Pending() {
		t.Error("session still pending after push")
	}
	if v, _ := remote.FetchVersion(ctx, owner); v != 2 {
		t.Errorf("remote version = %d, want 2", v)
	}

	// nothing left to push
	res, err = o.PushPending(ctx)
	if err != nil || res.Attempts != 0 {
		t.Errorf("second push = %+v, %v", res, err)
	}
}

func TestUnlockFromCacheWhenOffline(t *testing.T) {
	remote := storage.NewMemoryStore()
	o := newDevice(t, remote, 0)
	mustRegister(t, o)
	if _, err := o.SaveWithConflictRetry(context.Background(), addEntry("cached")); err != nil {
		t.Fatal(err)
	}
	o.Lock()

	remote.SetOffline(true)
	res := mustUnlock(t, o)
	if !res.FromCache || res.Pending || res.Version != 2 {
		t.Errorf("unlock = %+v, want clean cache at version 2", res)
	}
	if !titles(t, o)["cached"] {
		t.Error("cached entry missing")
	}

	fresh := newDevice(t, remote, 0)
	if _, err := fresh.Unlock(context.Background(), owner, password); !errors.Is(err, storage.ErrRemoteUnreachable) {
		t.Errorf("Unlock without cache: %v, want ErrRemoteUnreachable", err)
	}
}

func TestUnlockKeepsNewerPendingVault(t *testing.T) {
	remote := storage.NewMemoryStore()
	o := newDevice(t, remote, 0)
	mustRegister(t, o)

	remote.SetOffline(true)
	if _, err := o.SaveWithConflictRetry(context.Background(), addEntry("local")); err != nil {
		t.Fatal(err)
	}
	o.Lock()
	remote.SetOffline(false)

	res := mustUnlock(t, o)
	if res.FromCache || !res.Pending || res.Version != 2 {
		t.Errorf("unlock = %+v, want pending version 2", res)
	}
	if !titles(t, o)["local"] {
		t.Error("pending entry lost")
	}
}

func TestUnlockMergesPendingIntoNewerRemote(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	a := newDevice(t, remote, 0)
	mustRegister(t, a)

	remote.SetOffline(true)
	if _, err := a.SaveWithConflictRetry(ctx, addEntry("local")); err != nil {
		t.Fatal(err)
	}
	a.Lock()
	remote.SetOffline(false)

	b := newDevice(t, remote, 0)
	mustUnlock(t, b)
	if _, err := b.SaveWithConflictRetry(ctx, addEntry("remote")); err != nil {
		t.Fatal(err)
	}

	res := mustUnlock(t, a)
	if !res.Pending || res.Version != 3 {
		t.Errorf("unlock = %+v, want pending merge at version 3", res)
	}
	got := titles(t, a)
	if !got["local"] || !got["remote"] {
		t.Errorf("vault = %v, want both entries", got)
	}

	push, err := a.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if push.Outcome != Committed || push.Version != 3 {
		t.Errorf("push = %+v, want committed version 3", push)
	}
}

func TestUnlockKeepsPendingChangesSealedUnderOldPassword(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	a := newDevice(t, remote, 0)
	mustRegister(t, a)

	remote.SetOffline(true)
	if _, err := a.SaveWithConflictRetry(ctx, addEntry("offline-edit")); err != nil {
		t.Fatal(err)
	}
	a.Lock()
	remote.SetOffline(false)

	b := newDevice(t, remote, 0)
	mustUnlock(t, b)
	newPassword := []byte("rotated on another device")
	if _, err := b.ChangePassword(ctx, newPassword); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := a.Unlock(ctx, owner, newPassword); !errors.Is(err, ErrPendingUnreadable) {
		t.Fatalf("Unlock with new password: %v, want ErrPendingUnreadable", err)
	}
	if a.Session().State() != Locked {
		t.Error("session unlocked over unreadable pending changes")
	}
	if _, err := a.Unlock(ctx, owner, password); !errors.Is(err, crypto.ErrDecryption) {
		t.Fatalf("Unlock with old password: %v, want ErrDecryption", err)
	}

	cached, err := a.cache.Load()
	if err != nil || !cached.Pending || cached.Envelope.SyncVersion != 2 {
		t.Fatalf("cache = %+v, %v; want the pending version 2", cached, err)
	}
	v, key, err := a.Client().Open(&cached.Envelope, password, nil)
	if err != nil {
		t.Fatalf("pending envelope no longer opens with the old password: %v", err)
	}
	defer key.Destroy()
	found := false
	for _, e := range v.Entries {
		if e.Title == "offline-edit" {
			found = true
		}
	}
	if !found {
		t.Error("offline edit missing from the kept pending envelope")
	}
}

func TestLockDuringSaveWipesKeyAfterCommit(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	o := newDevice(t, remote, 0)
	mustRegister(t, o)

	key := o.session.key
	pw := o.session.password

	res, err := o.SaveWithConflictRetry(ctx, func(v *vault.Vault) error {
		v.AddEntry(vault.EntryFields{Title: "late"})
		o.Lock()
		if key.Key == nil {
			t.Error("key wiped while the save was still running")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Outcome != Committed {
		t.Errorf("outcome = %v, want committed", res.Outcome)
	}
	if v, _ := remote.FetchVersion(ctx, owner); v != 2 {
		t.Errorf("remote version = %d, want 2", v)
	}

	if o.Session().State() != Locked {
		t.Error("session unlocked itself after the save")
	}
	if key.Key != nil {
		t.Error("key not wiped after the save finished")
	}
	for _, b := range pw {
		if b != 0 {
			t.Fatal("password not wiped after the save finished")
		}
	}
}

func TestLockCancelsBackgroundWork(t *testing.T) {
	o := newDevice(t, storage.NewMemoryStore(), 0)
	mustRegister(t, o)
	done := o.Session().Done()
	o.Lock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done not closed on Lock")
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	o := newDevice(t, remote, 0)
	mustRegister(t, o)

	before, _ := remote.FetchEnvelope(ctx, owner)
	newPassword := []byte("a whole new password")
	res, err := o.ChangePassword(ctx, newPassword)
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Outcome != Committed || res.Version != 2 {
		t.Errorf("result = %+v", res)
	}
	after, _ := remote.FetchEnvelope(ctx, owner)
	if after.KDFSalt == before.KDFSalt {
		t.Error("salt not rotated")
	}

	o.Lock()
	if _, err := o.Unlock(ctx, owner, password); !errors.Is(err, crypto.ErrDecryption) {
		t.Errorf("old password: %v, want ErrDecryption", err)
	}
	if _, err := o.Unlock(ctx, owner, newPassword); err != nil {
		t.Errorf("new password: %v", err)
	}
}

func TestChangePasswordNeedsRemote(t *testing.T) {
	remote := storage.NewMemoryStore()
	o := newDevice(t, remote, 0)
	mustRegister(t, o)

	remote.SetOffline(true)
	if _, err := o.ChangePassword(context.Background(), []byte("offline change")); !errors.Is(err, storage.ErrRemoteUnreachable) {
		t.Fatalf("ChangePassword offline: %v, want ErrRemoteUnreachable", err)
	}
	if o.Session().Pending() {
		t.Error("failed password change left the session pending")
	}
	if cached, err := o.cache.Load(); err != nil || cached.Pending {
		t.Errorf("cache = %+v, %v; want the clean registered copy", cached, err)
	}
}

func TestRefreshPullsRemoteChanges(t *testing.T) {
	ctx := context.Background()
	remote := storage.NewMemoryStore()
	a := newDevice(t, remote, 0)
	mustRegister(t, a)
	b := newDevice(t, remote, 0)
	mustUnlock(t, b)

	if _, err := b.SaveWithConflictRetry(ctx, addEntry("from-b")); err != nil {
		t.Fatal(err)
	}

	stale, ver, err := a.CheckStaleness(ctx, owner, 1)
	if err != nil || !stale || ver != 2 {
		t.Errorf("CheckStaleness = %v, %d, %v; want stale at 2", stale, ver, err)
	}

	got, err := a.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != 2 || !titles(t, a)["from-b"] {
		t.Errorf("Refresh = %d, entries %v", got, titles(t, a))
	}

	stale, _, err = a.CheckStaleness(ctx, owner, got)
	if err != nil || stale {
		t.Errorf("CheckStaleness after refresh = %v, %v", stale, err)
	}
}

func TestWatchStaleness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := storage.NewMemoryStore()
	a := newDevice(t, remote, 0)
	mustRegister(t, a)
	b := newDevice(t, remote, 0)
	mustUnlock(t, b)

	seen := make(chan int64, 4)
	done := a.WatchStaleness(ctx, 5*time.Millisecond, func(v int64) { seen <- v })

	if _, err := b.SaveWithConflictRetry(ctx, addEntry("new")); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-seen:
		if v != 2 {
			t.Errorf("notified version %d, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no staleness notification")
	}

	// same version is reported once
	time.Sleep(30 * time.Millisecond)
	if len(seen) != 0 {
		t.Errorf("version reported %d more times", len(seen))
	}

	a.Lock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher kept running after Lock")
	}
}

func TestWatchStalenessStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newDevice(t, storage.NewMemoryStore(), 0)
	mustRegister(t, o)

	done := o.WatchStaleness(ctx, time.Hour, func(int64) {})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher kept running after cancel")
	}
}

func TestAutoLock(t *testing.T) {
	o := newDevice(t, storage.NewMemoryStore(), 0)
	mustRegister(t, o)

	NewAutoLock(o.Session(), 20*time.Millisecond)
	select {
	case <-o.Session().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not locked after idle period")
	}
	if o.Session().State() != Locked {
		t.Error("state not locked")
	}
}

func TestAutoLockStop(t *testing.T) {
	o := newDevice(t, storage.NewMemoryStore(), 0)
	mustRegister(t, o)

	a := NewAutoLock(o.Session(), 30*time.Millisecond)
	a.Stop()
	a.Touch()
	time.Sleep(80 * time.Millisecond)
	if o.Session().State() != Unlocked {
		t.Error("stopped auto-lock locked the session")
	}
	a.Stop()
}
