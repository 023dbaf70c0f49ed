// Package merge reconciles two decrypted copies of a vault.
//
// Resolution is per entry and last-writer-wins on updatedAt. Deletions are
// not recorded, so an entry removed on one side and still present on the
// other comes back after a merge.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/vaultctl/vaultsync/internal/vault"
)

// Report describes where each entry of a merge result came from
type Report struct {
	LocalOnly   []string // ids present only locally
	RemoteOnly  []string // ids present only remotely
	KeptLocal   []string // common ids where the local copy won
	TakenRemote []string // common ids where the remote copy was newer
}

// Changed reports whether the merge pulled anything in from remote
func (r Report) Changed() bool {
	return len(r.RemoteOnly) > 0 || len(r.TakenRemote) > 0
}

// Merge combines local and remote into a new vault.
// Neither input is modified.
func Merge(local, remote *vault.Vault) *vault.Vault {
	merged, _ := MergeWithReport(local, remote)
	return merged
}

// MergeWithReport is Merge that also reports how each entry was resolved
func MergeWithReport(local, remote *vault.Vault) (*vault.Vault, Report) {
	var report Report

	remoteByID := make(map[string]vault.Entry, len(remote.Entries))
	for _, e := range remote.Entries {
		remoteByID[e.ID] = e
	}
	localIDs := make(map[string]struct{}, len(local.Entries))

	entries := make([]vault.Entry, 0, len(local.Entries)+len(remote.Entries))
	for _, l := range local.Entries {
		localIDs[l.ID] = struct{}{}
		r, ok := remoteByID[l.ID]
		switch {
		case !ok:
			report.LocalOnly = append(report.LocalOnly, l.ID)
			entries = append(entries, l.Clone())
		case r.UpdatedAt.After(l.UpdatedAt):
			report.TakenRemote = append(report.TakenRemote, l.ID)
			entries = append(entries, r.Clone())
		default:
			// ties keep local
			report.KeptLocal = append(report.KeptLocal, l.ID)
			entries = append(entries, l.Clone())
		}
	}
	for _, r := range remote.Entries {
		if _, ok := localIDs[r.ID]; ok {
			continue
		}
		report.RemoteOnly = append(report.RemoteOnly, r.ID)
		entries = append(entries, r.Clone())
	}

	sortEntries(entries)

	merged := local.Clone()
	merged.Entries = entries
	merged.SyncVersion = max(local.SyncVersion, remote.SyncVersion) + 1
	return merged, report
}

// sortEntries orders by updatedAt descending, then id
func sortEntries(entries []vault.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// Fingerprint summarizes which entry revisions a vault holds. Two vaults
// with the same fingerprint need no merge.
func Fingerprint(v *vault.Vault) string {
	type rev struct {
		id      string
		updated int64
	}
	revs := make([]rev, len(v.Entries))
	for i, e := range v.Entries {
		revs[i] = rev{id: e.ID, updated: e.UpdatedAt.UnixNano()}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].id < revs[j].id })

	h := sha256.New()
	for _, r := range revs {
		h.Write([]byte(r.id))
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(r.updated >> (8 * i))
		}
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
