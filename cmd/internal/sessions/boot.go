package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultBootParallelism = 8

// BootReport lists which persisted sessions were revived at start.
type BootReport struct {
	Loaded []string
	Failed []string
}

// Boot revives every persisted session with bounded parallelism.
// A failing session is logged and reported; it never stops the others.
// Only a failure to enumerate the store is returned as an error.
func (m *Manager) Boot(ctx context.Context, parallelism int) (BootReport, error) {
	start := time.Now()
	ids, err := m.store.ListSessionIDs(ctx)
	if err != nil {
		return BootReport{}, fmt.Errorf("boot: list sessions: %w", err)
	}
	if parallelism <= 0 {
		parallelism = defaultBootParallelism
	}

	var (
		mu  sync.Mutex
		rep BootReport
		g   errgroup.Group
	)
	g.SetLimit(parallelism)

	for _, id := range ids {
		g.Go(func() error {
			_, err := m.Revive(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Error("boot.session.fail", "session_id", id, "err", err)
				rep.Failed = append(rep.Failed, id)
				return nil
			}
			rep.Loaded = append(rep.Loaded, id)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(rep.Loaded)
	sort.Strings(rep.Failed)
	m.log.Info("boot.done",
		"found", len(ids),
		"loaded", len(rep.Loaded),
		"failed", len(rep.Failed),
		"duration", time.Since(start),
	)
	return rep, nil
}
