// Package storage holds the two places an envelope lives outside the
// process.
//
// A RemoteStore keeps exactly one envelope per owner and enforces
// compare-and-increment on its version: a commit is accepted only when it
// carries a version strictly greater than the stored one. Implementations
// exist for DynamoDB, MongoDB, a bbolt file and in-process memory.
//
// A LocalCache keeps the single most recent envelope seen or written on this
// device so that a vault saved while offline is not lost. It is backed by a
// bbolt file or a plain JSON file.
//
// Both sides only ever hold ciphertext.
package storage
