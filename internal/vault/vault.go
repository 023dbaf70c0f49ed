package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the plaintext schema tag
const FormatVersion = 1

// Default settings for new vaults
const (
	DefaultAutoLockMinutes         = 3
	DefaultClipboardTimeoutSeconds = 20
)

var (
	// ErrMalformedVault indicates decrypted bytes that are not a valid vault.
	ErrMalformedVault = errors.New("malformed vault")
)

// Entry represents a single password entry
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password"`
	URL       string    `json:"url"`
	Notes     string    `json:"notes,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Settings holds per-vault client preferences
type Settings struct {
	AutoLockMinutes         int `json:"autoLockMinutes"`
	ClipboardTimeoutSeconds int `json:"clipboardTimeoutSeconds"`
}

// AutoLockAfter returns the idle timeout as a duration
func (s Settings) AutoLockAfter() time.Duration {
	return time.Duration(s.AutoLockMinutes) * time.Minute
}

// ClipboardClearAfter returns the clipboard timeout as a duration
func (s Settings) ClipboardClearAfter() time.Duration {
	return time.Duration(s.ClipboardTimeoutSeconds) * time.Second
}

// Vault represents the plaintext vault structure
type Vault struct {
	FormatVersion int      `json:"version"`
	SyncVersion   int64    `json:"vault_version"`
	Entries       []Entry  `json:"entries"`
	Settings      Settings `json:"settings"`
}

// NewVault creates a new empty vault
func NewVault() *Vault {
	return &Vault{
		FormatVersion: FormatVersion,
		SyncVersion:   1,
		Entries:       make([]Entry, 0),
		Settings: Settings{
			AutoLockMinutes:         DefaultAutoLockMinutes,
			ClipboardTimeoutSeconds: DefaultClipboardTimeoutSeconds,
		},
	}
}

// EntryFields are the user-editable fields of a new entry
type EntryFields struct {
	Title    string
	Username string
	Password string
	URL      string
	Notes    string
	Tags     []string
}

// EntryPatch updates only the non-nil fields of an entry
type EntryPatch struct {
	Title    *string
	Username *string
	Password *string
	URL      *string
	Notes    *string
	Tags     []string // nil leaves tags untouched, empty clears them
}

// AddEntry adds a new entry to the vault
func (v *Vault) AddEntry(f EntryFields) *Entry {
	now := time.Now().UTC()
	v.Entries = append(v.Entries, Entry{
		ID:        uuid.New().String(),
		Title:     f.Title,
		Username:  f.Username,
		Password:  f.Password,
		URL:       f.URL,
		Notes:     f.Notes,
		Tags:      normalizeTags(f.Tags),
		CreatedAt: now,
		UpdatedAt: now,
	})
	return &v.Entries[len(v.Entries)-1]
}

// GetEntry finds an entry by ID or title
func (v *Vault) GetEntry(identifier string) *Entry {
	for i := range v.Entries {
		if v.Entries[i].ID == identifier {
			return &v.Entries[i]
		}
	}
	for i := range v.Entries {
		if strings.EqualFold(v.Entries[i].Title, identifier) {
			return &v.Entries[i]
		}
	}
	return nil
}

// RemoveEntry removes an entry by ID or title
func (v *Vault) RemoveEntry(identifier string) bool {
	entry := v.GetEntry(identifier)
	if entry == nil {
		return false
	}
	id := entry.ID
	for i := range v.Entries {
		if v.Entries[i].ID == id {
			v.Entries = append(v.Entries[:i], v.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateEntry updates an existing entry and bumps its UpdatedAt
func (v *Vault) UpdateEntry(identifier string, p EntryPatch) bool {
	entry := v.GetEntry(identifier)
	if entry == nil {
		return false
	}

	if p.Title != nil {
		entry.Title = *p.Title
	}
	if p.Username != nil {
		entry.Username = *p.Username
	}
	if p.Password != nil {
		entry.Password = *p.Password
	}
	if p.URL != nil {
		entry.URL = *p.URL
	}
	if p.Notes != nil {
		entry.Notes = *p.Notes
	}
	if p.Tags != nil {
		entry.Tags = normalizeTags(p.Tags)
	}

	now := time.Now().UTC()
	if now.Before(entry.CreatedAt) {
		now = entry.CreatedAt
	}
	if !now.After(entry.UpdatedAt) {
		// clock did not advance; keep updatedAt strictly moving
		now = entry.UpdatedAt.Add(time.Millisecond)
	}
	entry.UpdatedAt = now
	return true
}

// EntrySummary is an entry without its secret
type EntrySummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Username  string    `json:"username"`
	URL       string    `json:"url"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListEntries returns all entries without passwords
func (v *Vault) ListEntries() []EntrySummary {
	summaries := make([]EntrySummary, len(v.Entries))
	for i, entry := range v.Entries {
		summaries[i] = EntrySummary{
			ID:        entry.ID,
			Title:     entry.Title,
			Username:  entry.Username,
			URL:       entry.URL,
			Tags:      entry.Tags,
			CreatedAt: entry.CreatedAt,
			UpdatedAt: entry.UpdatedAt,
		}
	}
	return summaries
}

// Clone returns a deep copy of the vault
func (v *Vault) Clone() *Vault {
	c := *v
	c.Entries = make([]Entry, len(v.Entries))
	for i, e := range v.Entries {
		c.Entries[i] = e.Clone()
	}
	return &c
}

// Clone returns a deep copy of the entry
func (e Entry) Clone() Entry {
	if e.Tags != nil {
		e.Tags = append([]string(nil), e.Tags...)
	}
	return e
}

// Validate checks the vault invariants
func (v *Vault) Validate() error {
	if v.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrMalformedVault, v.FormatVersion)
	}
	if v.SyncVersion < 0 {
		return fmt.Errorf("%w: negative sync version", ErrMalformedVault)
	}

	seen := make(map[string]struct{}, len(v.Entries))
	for _, e := range v.Entries {
		if e.ID == "" {
			return fmt.Errorf("%w: entry without id", ErrMalformedVault)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("%w: duplicate entry id %s", ErrMalformedVault, e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.UpdatedAt.Before(e.CreatedAt) {
			return fmt.Errorf("%w: entry %s updated before it was created", ErrMalformedVault, e.ID)
		}
	}
	return nil
}

// Marshal serializes the vault deterministically
func (v *Vault) Marshal() ([]byte, error) {
	c := v.Clone()
	for i := range c.Entries {
		c.Entries[i].Tags = normalizeTags(c.Entries[i].Tags)
	}
	return json.Marshal(c)
}

// Unmarshal deserializes and validates a vault
func Unmarshal(data []byte) (*Vault, error) {
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		// the decoder error may quote plaintext, so it is not wrapped
		return nil, fmt.Errorf("%w: not a vault document", ErrMalformedVault)
	}
	if v.Entries == nil {
		v.Entries = make([]Entry, 0)
	}
	for i := range v.Entries {
		v.Entries[i].Tags = normalizeTags(v.Entries[i].Tags)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// normalizeTags turns a tag list into a sorted set
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
