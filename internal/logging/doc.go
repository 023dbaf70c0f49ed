// Package logging provides leveled console logging for vaultsync.
//
// Verbosity is controlled by two flags:
//
//   - --verbose: shows info messages
//   - --debug: shows info and debug messages
//
// Warnings and errors are always shown. Messages must never carry
// passwords, derived keys or decrypted vault contents.
//
//	log := logging.Logger{Verbose: verbose, Debug: debug}
//	log.Infof("committed version %d", v)
package logging
