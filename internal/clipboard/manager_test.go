package clipboard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vaultctl/vaultsync/internal/logging"
)

type fakeBackend struct {
	mu     sync.Mutex
	text   string
	writes int
	fail   error
}

func (f *fakeBackend) ReadAll() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, nil
}

func (f *fakeBackend) WriteAll(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.text = text
	f.writes++
	return nil
}

func (f *fakeBackend) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

func (f *fakeBackend) set(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerCopyClearsAfterTimeout(t *testing.T) {
	b := &fakeBackend{}
	m := NewManager(b, logging.Discard())
	defer m.Close()

	if err := m.Copy("test-secret", 20*time.Millisecond); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if b.get() != "test-secret" {
		t.Fatalf("clipboard = %q", b.get())
	}
	waitFor(t, func() bool { return b.get() == "" })
}

func TestManagerLeavesForeignContent(t *testing.T) {
	b := &fakeBackend{}
	m := NewManager(b, logging.Discard())
	defer m.Close()

	if err := m.Copy("secret", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	b.set("something the user copied")
	time.Sleep(60 * time.Millisecond)
	if got := b.get(); got != "something the user copied" {
		t.Errorf("clipboard = %q, foreign content was cleared", got)
	}
}

func TestManagerClearNow(t *testing.T) {
	b := &fakeBackend{}
	m := NewManager(b, logging.Discard())
	defer m.Close()

	if err := m.Copy("test", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := m.ClearNow(); err != nil {
		t.Fatalf("ClearNow() error = %v", err)
	}
	if b.get() != "" {
		t.Errorf("clipboard = %q after ClearNow", b.get())
	}
}

func TestManagerMultipleCopies(t *testing.T) {
	b := &fakeBackend{}
	m := NewManager(b, logging.Discard())

	for i := 0; i < 10; i++ {
		if err := m.Copy("test", time.Minute); err != nil {
			t.Fatalf("Copy() iteration %d error = %v", i, err)
		}
	}
	m.Close()
	if b.get() != "" {
		t.Errorf("Close left %q on the clipboard", b.get())
	}
}

func TestManagerWriteError(t *testing.T) {
	b := &fakeBackend{fail: errors.New("no clipboard utility")}
	m := NewManager(b, logging.Discard())
	defer m.Close()

	if err := m.Copy("x", time.Second); err == nil {
		t.Error("Copy should fail when the backend fails")
	}
}
