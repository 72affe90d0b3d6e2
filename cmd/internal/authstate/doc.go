// Package authstate persists the authentication material of chat sessions.
//
// A session owns one Credentials record and any number of key records keyed by
// (type, id). Store is the backend-agnostic contract used by the rest of the
// system; it validates session ids, encodes and optionally seals payloads, and
// delegates raw byte storage to a Backend (Postgres, filesystem, SQLite or
// memory). Adapter binds a Store to a single session for a transport.
package authstate
