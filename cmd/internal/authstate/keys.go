package authstate

import (
	"regexp"
	"sort"
)

// KeyType names a family of key records (pre-keys, sessions, sender keys...).
type KeyType string

// Key types produced by the chat transport. Any non-empty type is accepted.
const (
	KeyTypePreKey              KeyType = "pre-key"
	KeyTypeSession             KeyType = "session"
	KeyTypeSenderKey           KeyType = "sender-key"
	KeyTypeSenderKeyMemory     KeyType = "sender-key-memory"
	KeyTypeAppStateSyncKey     KeyType = "app-state-sync-key"
	KeyTypeAppStateSyncVersion KeyType = "app-state-sync-version"
)

// KeyBatch is a nested write set: type -> id -> value.
// A nil value deletes the record.
type KeyBatch map[KeyType]map[string][]byte

// KeyWrite is one flattened entry of a KeyBatch.
type KeyWrite struct {
	Type  KeyType
	ID    string
	Value []byte // nil = delete
}

// Delete reports whether the write is a tombstone.
func (w KeyWrite) Delete() bool { return w.Value == nil }

// Flatten returns the batch as writes ordered by (type, id).
// The stable order keeps row lock acquisition consistent across concurrent batches.
func (b KeyBatch) Flatten() []KeyWrite {
	n := 0
	for _, m := range b {
		n += len(m)
	}
	out := make([]KeyWrite, 0, n)
	for typ, m := range b {
		for id, v := range m {
			out = append(out, KeyWrite{Type: typ, ID: id, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var sessionIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is safe to use as a storage key.
func ValidSessionID(id string) bool {
	return sessionIDRE.MatchString(id)
}
