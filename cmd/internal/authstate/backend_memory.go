package authstate

import (
	"context"
	"sync"
)

// MemoryBackend keeps auth state in process memory.
// It is a dev/test fallback: nothing survives a restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	creds []byte
	keys  map[KeyType]map[string][]byte
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*memSession)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) HasCredentials(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.sessions[sessionID]
	return s != nil && s.creds != nil, nil
}

func (b *MemoryBackend) ReadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.sessions[sessionID]
	if s == nil || s.creds == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(s.creds), nil
}

func (b *MemoryBackend) WriteCredentials(ctx context.Context, sessionID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session(sessionID).creds = cloneBytes(blob)
	return nil
}

func (b *MemoryBackend) ReadKeys(ctx context.Context, sessionID string, typ KeyType, ids []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte, len(ids))
	s := b.sessions[sessionID]
	if s == nil {
		return out, nil
	}
	m := s.keys[typ]
	for _, id := range ids {
		if v, ok := m[id]; ok {
			out[id] = cloneBytes(v)
		}
	}
	return out, nil
}

func (b *MemoryBackend) WriteKeys(ctx context.Context, sessionID string, writes []KeyWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.session(sessionID)
	for _, w := range writes {
		m := s.keys[w.Type]
		if w.Delete() {
			delete(m, w.ID)
			continue
		}
		if m == nil {
			m = make(map[string][]byte)
			s.keys[w.Type] = m
		}
		m[w.ID] = cloneBytes(w.Value)
	}
	return nil
}

func (b *MemoryBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	return nil
}

func (b *MemoryBackend) ListSessionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.sessions))
	for id, s := range b.sessions {
		if s.creds != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }

// session returns the record for id, creating it. Callers hold b.mu.
func (b *MemoryBackend) session(id string) *memSession {
	s := b.sessions[id]
	if s == nil {
		s = &memSession{keys: make(map[KeyType]map[string][]byte)}
		b.sessions[id] = s
	}
	return s
}
