package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Store is the backend-agnostic auth-state contract.
//
// It is safe for concurrent use by all sessions; isolation between sessions and
// durability of individual writes are delegated to the Backend.
type Store struct {
	backend Backend
	sealer  Sealer
	log     *slog.Logger
	metrics *storeMetrics
}

// Option configures a Store.
type Option func(*Store) error

// WithSealer encrypts every credential blob and key value at rest.
func WithSealer(s Sealer) Option {
	return func(st *Store) error {
		if s == nil {
			return errors.New("authstate: nil sealer")
		}
		st.sealer = s
		return nil
	}
}

// WithLogger sets the store logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(st *Store) error {
		if log != nil {
			st.log = log
		}
		return nil
	}
}

// WithMetrics registers store operation metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(st *Store) error {
		st.metrics = newStoreMetrics(reg, st.backend.Name())
		return nil
	}
}

// NewStore wraps a Backend.
func NewStore(backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("authstate: nil backend")
	}
	st := &Store{backend: backend, log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Backend returns the underlying backend name.
func (s *Store) Backend() string { return s.backend.Name() }

// Ping checks backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return s.opErr("ping", "", err)
	}
	return nil
}

// Close releases backend resources.
func (s *Store) Close() error { return s.backend.Close() }

// LoadCredentials returns the persisted credentials for sessionID, or a fresh
// bootstrap value when none exist. The bootstrap value is not persisted.
func (s *Store) LoadCredentials(ctx context.Context, sessionID string) (creds *Credentials, err error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	defer func(start time.Time) { s.metrics.observe("load_credentials", start, err) }(time.Now())

	blob, err := s.backend.ReadCredentials(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return NewCredentials()
	}
	if err != nil {
		return nil, s.opErr("read_credentials", sessionID, err)
	}

	plain, err := s.open(blob, credentialsAD(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: session=%s: %v", ErrCorruptCredentials, sessionID, err)
	}
	creds, err = UnmarshalCredentials(plain)
	if err != nil {
		return nil, fmt.Errorf("session=%s: %w", sessionID, err)
	}
	return creds, nil
}

// Exists reports whether credentials are persisted for sessionID.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, ErrInvalidSessionID
	}
	ok, err := s.backend.HasCredentials(ctx, sessionID)
	if err != nil {
		return false, s.opErr("has_credentials", sessionID, err)
	}
	return ok, nil
}

// SaveCredentials upserts the whole credentials record (last write wins).
func (s *Store) SaveCredentials(ctx context.Context, sessionID string, creds *Credentials) (err error) {
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	defer func(start time.Time) { s.metrics.observe("save_credentials", start, err) }(time.Now())

	plain, err := MarshalCredentials(creds)
	if err != nil {
		return err
	}
	blob, err := s.seal(plain, credentialsAD(sessionID))
	if err != nil {
		return err
	}
	if err := s.backend.WriteCredentials(ctx, sessionID, blob); err != nil {
		return s.opErr("write_credentials", sessionID, err)
	}
	return nil
}

// GetKeys returns an entry for every requested id; ids without a record map to nil.
func (s *Store) GetKeys(ctx context.Context, sessionID string, typ KeyType, ids []string) (out map[string][]byte, err error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	if typ == "" {
		return nil, ErrInvalidKeyType
	}
	out = make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	defer func(start time.Time) { s.metrics.observe("get_keys", start, err) }(time.Now())

	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = nil
		uniq = append(uniq, id)
	}

	found, err := s.backend.ReadKeys(ctx, sessionID, typ, uniq)
	if err != nil {
		return nil, s.opErr("read_keys", sessionID, err)
	}
	for id, blob := range found {
		if _, requested := out[id]; !requested {
			continue
		}
		v, err := s.open(blob, keyAD(sessionID, typ, id))
		if err != nil {
			return nil, fmt.Errorf("%w: session=%s type=%s id=%s: %v", ErrCorruptKey, sessionID, typ, id, err)
		}
		if v == nil {
			v = []byte{}
		}
		out[id] = v
	}
	return out, nil
}

// SetKeys applies a batch of upserts and deletes (nil values).
func (s *Store) SetKeys(ctx context.Context, sessionID string, batch KeyBatch) (err error) {
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	writes := batch.Flatten()
	if len(writes) == 0 {
		return nil
	}
	defer func(start time.Time) { s.metrics.observe("set_keys", start, err) }(time.Now())

	for i := range writes {
		if writes[i].Type == "" {
			return ErrInvalidKeyType
		}
		if writes[i].Delete() {
			continue
		}
		v, err := s.seal(writes[i].Value, keyAD(sessionID, writes[i].Type, writes[i].ID))
		if err != nil {
			return err
		}
		writes[i].Value = v
	}

	if err := s.backend.WriteKeys(ctx, sessionID, writes); err != nil {
		return s.opErr("write_keys", sessionID, err)
	}
	return nil
}

// DeleteSession removes credentials and every key record. Unknown ids are a no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (err error) {
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	defer func(start time.Time) { s.metrics.observe("delete_session", start, err) }(time.Now())

	if err := s.backend.DeleteSession(ctx, sessionID); err != nil {
		return s.opErr("delete_session", sessionID, err)
	}
	return nil
}

// ListSessionIDs returns the ids that have persisted credentials, sorted.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.backend.ListSessionIDs(ctx)
	if err != nil {
		return nil, s.opErr("list_sessions", "", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) seal(plain, ad []byte) ([]byte, error) {
	if s.sealer == nil {
		// Backends may retain the slice; never hand them caller-owned memory.
		return cloneBytes(plain), nil
	}
	return s.sealer.Seal(plain, ad)
}

func (s *Store) open(blob, ad []byte) ([]byte, error) {
	if s.sealer == nil {
		return cloneBytes(blob), nil
	}
	return s.sealer.Open(blob, ad)
}

func (s *Store) opErr(op, sessionID string, err error) error {
	s.log.Error("authstate.op.fail", "backend", s.backend.Name(), "op", op, "session_id", sessionID, "err", err)
	return &OpError{Op: op, Backend: s.backend.Name(), SessionID: sessionID, Err: err}
}
