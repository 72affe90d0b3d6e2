package authstate

import "context"

// Backend moves raw bytes for the Store. Implementations must:
//   - isolate sessions from each other,
//   - apply WriteKeys without losing keys under concurrent batches for one session
//     (last writer per (type,id) wins),
//   - treat DeleteSession on an unknown id as a no-op,
//   - return ErrNotFound from ReadCredentials for a missing record.
type Backend interface {
	Name() string

	HasCredentials(ctx context.Context, sessionID string) (bool, error)
	ReadCredentials(ctx context.Context, sessionID string) ([]byte, error)
	WriteCredentials(ctx context.Context, sessionID string, blob []byte) error

	// ReadKeys returns only the ids that exist.
	ReadKeys(ctx context.Context, sessionID string, typ KeyType, ids []string) (map[string][]byte, error)
	WriteKeys(ctx context.Context, sessionID string, writes []KeyWrite) error

	DeleteSession(ctx context.Context, sessionID string) error
	ListSessionIDs(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
