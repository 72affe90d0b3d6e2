// Package sessions runs the lifecycle of many concurrent chat sessions.
//
// A Manager owns the Registry of live sessions. Each Session drives one
// transport handle through an explicit state machine:
//
//	connecting -> qr_pending* -> open -> closed_transient -> connecting ...
//	                                  \-> closed_terminal (absorbing)
//
// Transient disconnects reconnect with backoff using the persisted auth state;
// terminal ones (logged out, bad session) delete the session everywhere.
// Sessions missing from the Registry but present in the store are revived
// lazily on first use, and in bulk at boot.
package sessions
