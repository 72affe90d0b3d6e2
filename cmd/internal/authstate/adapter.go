package authstate

import (
	"context"
	"errors"
	"sync"
)

// Adapter binds a Store to one session and owns the in-memory Credentials the
// transport works with. All methods are safe for concurrent use.
type Adapter struct {
	store     *Store
	sessionID string

	mu    sync.Mutex
	creds *Credentials
}

// NewAdapter loads the session credentials (bootstrap value if none are persisted).
func NewAdapter(ctx context.Context, store *Store, sessionID string) (*Adapter, error) {
	if store == nil {
		return nil, errors.New("authstate: nil store")
	}
	creds, err := store.LoadCredentials(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Adapter{store: store, sessionID: sessionID, creds: creds}, nil
}

// SessionID returns the bound session id.
func (a *Adapter) SessionID() string { return a.sessionID }

// Credentials returns a deep copy of the current credentials.
func (a *Adapter) Credentials() *Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds.Clone()
}

// UpdateCredentials mutates the in-memory credentials under the adapter lock.
// Callers persist the result with SaveCredentials.
func (a *Adapter) UpdateCredentials(fn func(*Credentials)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.creds)
}

// ReplaceCredentials swaps the whole in-memory record.
func (a *Adapter) ReplaceCredentials(c *Credentials) {
	if c == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = c.Clone()
}

// SaveCredentials persists the current in-memory credentials.
// It is called for every credentials change, never batched.
func (a *Adapter) SaveCredentials(ctx context.Context) error {
	// Snapshot under the lock; the write happens outside it so readers are not blocked on I/O.
	snap := a.Credentials()
	return a.store.SaveCredentials(ctx, a.sessionID, snap)
}

// GetKeys returns a value (possibly nil) for every requested id.
func (a *Adapter) GetKeys(ctx context.Context, typ KeyType, ids []string) (map[string][]byte, error) {
	got, err := a.store.GetKeys(ctx, a.sessionID, typ, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			got[id] = nil
		}
	}
	return got, nil
}

// SetKeys writes the whole batch durably before returning.
func (a *Adapter) SetKeys(ctx context.Context, batch KeyBatch) error {
	return a.store.SetKeys(ctx, a.sessionID, batch)
}
