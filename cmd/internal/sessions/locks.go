package sessions

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serializes lifecycle operations per session id without a
// map of mutexes that would have to be garbage collected.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(id string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
