// Package vaultsync keeps an unlocked vault in step with its remote copy.
//
// A Client performs single protocol calls against a storage.RemoteStore. A
// Session holds the decrypted vault and its key while unlocked. The
// Orchestrator serializes every change through SaveWithConflictRetry, which
// merges with the remote on version conflicts and falls back to the local
// cache when the remote cannot be reached.
package vaultsync
