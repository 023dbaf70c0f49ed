package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/vaultctl/vaultsync/internal/vault"
)

// ChangeKind classifies an entry in a diff
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	OnlyLocal
	OnlyRemote
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case OnlyLocal:
		return "local only"
	case OnlyRemote:
		return "remote only"
	case Modified:
		return "modified"
	default:
		return "unchanged"
	}
}

// FieldChange is one differing field of an entry. Secret fields carry no
// values, only the fact that they differ.
type FieldChange struct {
	Field  string
	Local  string
	Remote string
	Secret bool
}

// EntryDiff describes how an entry differs between two vaults
type EntryDiff struct {
	ID      string
	Title   string
	Kind    ChangeKind
	Fields  []FieldChange
	NewerOn string // "local", "remote" or "" when timestamps are equal
}

// Diff compares local and remote entry by entry. Unchanged entries are
// omitted. Results are ordered by title, then id.
func Diff(local, remote *vault.Vault) []EntryDiff {
	remoteByID := make(map[string]vault.Entry, len(remote.Entries))
	for _, e := range remote.Entries {
		remoteByID[e.ID] = e
	}

	var out []EntryDiff
	seen := make(map[string]struct{}, len(local.Entries))
	for _, l := range local.Entries {
		seen[l.ID] = struct{}{}
		r, ok := remoteByID[l.ID]
		if !ok {
			out = append(out, EntryDiff{ID: l.ID, Title: l.Title, Kind: OnlyLocal, NewerOn: "local"})
			continue
		}
		fields := compareEntries(l, r)
		if len(fields) == 0 {
			continue
		}
		d := EntryDiff{ID: l.ID, Title: l.Title, Kind: Modified, Fields: fields}
		switch {
		case l.UpdatedAt.After(r.UpdatedAt):
			d.NewerOn = "local"
		case r.UpdatedAt.After(l.UpdatedAt):
			d.NewerOn = "remote"
		}
		out = append(out, d)
	}
	for _, r := range remote.Entries {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		out = append(out, EntryDiff{ID: r.ID, Title: r.Title, Kind: OnlyRemote, NewerOn: "remote"})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func compareEntries(l, r vault.Entry) []FieldChange {
	var fields []FieldChange
	add := func(name, a, b string) {
		if a != b {
			fields = append(fields, FieldChange{Field: name, Local: a, Remote: b})
		}
	}
	add("title", l.Title, r.Title)
	add("username", l.Username, r.Username)
	add("url", l.URL, r.URL)
	add("notes", l.Notes, r.Notes)
	add("tags", strings.Join(l.Tags, ","), strings.Join(r.Tags, ","))
	if l.Password != r.Password {
		fields = append(fields, FieldChange{Field: "password", Secret: true})
	}
	return fields
}

// FieldPatch renders a line diff of a changed field, remote to local.
// Secret fields render as a single marker line.
func FieldPatch(fc FieldChange) string {
	if fc.Secret {
		return fmt.Sprintf("~ %s changed\n", fc.Field)
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(fc.Remote, fc.Local)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	patches := dmp.PatchMake(fc.Remote, diffs)
	if len(patches) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- remote/%s\n", fc.Field))
	sb.WriteString(fmt.Sprintf("+++ local/%s\n", fc.Field))
	sb.WriteString(dmp.PatchToText(patches))
	return sb.String()
}
