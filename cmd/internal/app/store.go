package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"linkgate/cmd/internal/authstate"
)

// storeHandle owns the auth-state store and whatever the backend needs
// underneath it (the Postgres pool is owned here, not by the backend).
type storeHandle struct {
	*authstate.Store
	pool *pgxpool.Pool
}

// Close releases the backend and then the pool.
func (s *storeHandle) Close() error {
	err := s.Store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// openStore builds the backend selected by LINKGATE_STORE_BACKEND.
// reg may be nil (no metrics).
func openStore(ctx context.Context, cfg Config, log *slog.Logger, reg prometheus.Registerer) (*storeHandle, error) {
	var (
		backend authstate.Backend
		pool    *pgxpool.Pool
		err     error
	)

	switch cfg.StoreBackend {
	case BackendMemory:
		log.Warn("store.memory", "note", "credentials are lost on restart")
		backend = authstate.NewMemoryBackend()
	case BackendFS:
		backend, err = authstate.NewFSBackend(cfg.StoreDir)
	case BackendSQLite:
		backend, err = authstate.NewSQLiteBackend(cfg.SQLitePath)
	case BackendPostgres:
		pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var pg *authstate.PostgresBackend
		pg, err = authstate.NewPostgresBackend(pool, authstate.WithSchema(cfg.DBSchema))
		if err == nil && cfg.DBMigrate {
			err = pg.Migrate(ctx)
		}
		backend = pg
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("store: %s: %w", cfg.StoreBackend, err)
	}

	sealer, err := newSealer(cfg)
	if err != nil {
		_ = backend.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("store: sealer: %w", err)
	}

	opts := []authstate.Option{
		authstate.WithLogger(log),
		authstate.WithMetrics(reg),
	}
	if sealer != nil {
		opts = append(opts, authstate.WithSealer(sealer))
	}

	st, err := authstate.NewStore(backend, opts...)
	if err != nil {
		_ = backend.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	log.Info("store.open", "backend", st.Backend(), "sealed", sealer != nil)
	return &storeHandle{Store: st, pool: pool}, nil
}
