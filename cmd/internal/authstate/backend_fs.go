package authstate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	fsCredsFile   = "creds.json"
	fsKeysDir     = "keys"
	fsTrashPrefix = ".trash-"

	fsLockStripes = 64
)

// FSBackend stores each session under its own directory:
//
//	<root>/<session_id>/creds.json
//	<root>/<session_id>/keys/<b64url(type)>/<b64url(id)>
//
// Every file is replaced atomically (temp file + rename), so a crash never
// leaves a partially written record behind.
//
// Per-session locking is striped by id hash, so ids that come and go never
// accumulate lock state.
type FSBackend struct {
	root  string
	locks [fsLockStripes]sync.RWMutex
}

// NewFSBackend creates root if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("authstate: empty fs root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) Name() string { return "fs" }

// Root returns the base directory.
func (b *FSBackend) Root() string { return b.root }

func (b *FSBackend) HasCredentials(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l := b.lock(sessionID)
	l.RLock()
	defer l.RUnlock()

	_, err := os.Stat(b.credsPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (b *FSBackend) ReadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := b.lock(sessionID)
	l.RLock()
	defer l.RUnlock()

	blob, err := os.ReadFile(b.credsPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (b *FSBackend) WriteCredentials(ctx context.Context, sessionID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(b.sessionDir(sessionID), 0o700); err != nil {
		return err
	}
	return writeFileAtomic(b.credsPath(sessionID), blob, 0o600)
}

func (b *FSBackend) ReadKeys(ctx context.Context, sessionID string, typ KeyType, ids []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := b.lock(sessionID)
	l.RLock()
	defer l.RUnlock()

	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		v, err := os.ReadFile(b.keyPath(sessionID, typ, id))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

func (b *FSBackend) WriteKeys(ctx context.Context, sessionID string, writes []KeyWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	made := make(map[KeyType]bool)
	for _, w := range writes {
		path := b.keyPath(sessionID, w.Type, w.ID)
		if w.Delete() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		if !made[w.Type] {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			made[w.Type] = true
		}
		if err := writeFileAtomic(path, w.Value, 0o600); err != nil {
			return fmt.Errorf("write key %s/%s: %w", w.Type, w.ID, err)
		}
	}
	return nil
}

// DeleteSession first moves the session directory aside so that a partially
// completed removal is never mistaken for a live session.
func (b *FSBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	trash, err := os.MkdirTemp(b.root, fsTrashPrefix+sessionID+"-")
	if err != nil {
		return err
	}
	target := filepath.Join(trash, sessionID)
	if err := os.Rename(b.sessionDir(sessionID), target); err != nil {
		_ = os.Remove(trash)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(trash)
}

func (b *FSBackend) ListSessionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || !ValidSessionID(name) {
			continue
		}
		if _, err := os.Stat(b.credsPath(name)); err == nil {
			out = append(out, name)
		}
	}
	return out, nil
}

// Ping verifies the root still exists and is a directory.
func (b *FSBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := os.Stat(b.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("authstate: %s is not a directory", b.root)
	}
	return nil
}

// Close is a no-op.
func (b *FSBackend) Close() error { return nil }

func (b *FSBackend) lock(sessionID string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &b.locks[h.Sum32()%fsLockStripes]
}

func (b *FSBackend) sessionDir(sessionID string) string {
	return filepath.Join(b.root, sessionID)
}

func (b *FSBackend) credsPath(sessionID string) string {
	return filepath.Join(b.root, sessionID, fsCredsFile)
}

// keyPath encodes type and id so arbitrary key ids (":" "/" "@") stay single path elements.
func (b *FSBackend) keyPath(sessionID string, typ KeyType, id string) string {
	enc := base64.RawURLEncoding
	return filepath.Join(b.root, sessionID, fsKeysDir,
		enc.EncodeToString([]byte(typ)), enc.EncodeToString([]byte(id)))
}

// writeFileAtomic writes bytes via a temp file, then atomically replaces the target.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
