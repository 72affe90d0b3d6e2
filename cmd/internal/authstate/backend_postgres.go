package authstate

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores auth state in two tables:
//
//	<schema>.auth_credentials(session_id PK, blob, created_at, updated_at)
//	<schema>.auth_keys(session_id, type, id, value, updated_at, PK(session_id, type, id))
//
// Ownership model:
// - PostgresBackend does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Key batches run in one transaction with rows touched in (type, id) order,
//     so concurrent batches for one session never deadlock on each other.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresBackend behavior.
type PostgresOption func(*PostgresBackend) error

// WithSchema sets the DB schema used by this backend (default: "linkgate").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("authstate: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("authstate: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// NewPostgresBackend constructs a Postgres-backed Backend.
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBackend, error) {
	b := &PostgresBackend{
		pool:   pool,
		schema: "linkgate",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.pool == nil {
		return nil, errors.New("authstate: nil pool")
	}
	return b, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

// Migrate creates the schema and tables if they do not exist.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{b.schema}.Sanitize()
	creds := pgIdent(b.schema, "auth_credentials")
	keys := pgIdent(b.schema, "auth_keys")

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + creds + ` (
		     session_id text PRIMARY KEY,
		     blob       bytea NOT NULL,
		     created_at timestamptz NOT NULL DEFAULT now(),
		     updated_at timestamptz NOT NULL DEFAULT now()
		   )`,
		`CREATE TABLE IF NOT EXISTS ` + keys + ` (
		     session_id text NOT NULL,
		     type       text NOT NULL,
		     id         text NOT NULL,
		     value      bytea NOT NULL,
		     updated_at timestamptz NOT NULL DEFAULT now(),
		     PRIMARY KEY (session_id, type, id)
		   )`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(ctx, q); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) HasCredentials(ctx context.Context, sessionID string) (bool, error) {
	var ok bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(b.schema, "auth_credentials")+` WHERE session_id = $1)`,
		sessionID,
	).Scan(&ok)
	return ok, err
}

func (b *PostgresBackend) ReadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := b.pool.QueryRow(ctx,
		`SELECT blob FROM `+pgIdent(b.schema, "auth_credentials")+` WHERE session_id = $1`,
		sessionID,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (b *PostgresBackend) WriteCredentials(ctx context.Context, sessionID string, blob []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(b.schema, "auth_credentials")+` (session_id, blob)
		 VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE
		    SET blob = EXCLUDED.blob,
		        updated_at = now()`,
		sessionID, blob,
	)
	return err
}

func (b *PostgresBackend) ReadKeys(ctx context.Context, sessionID string, typ KeyType, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := b.pool.Query(ctx,
		`SELECT id, value
		   FROM `+pgIdent(b.schema, "auth_keys")+`
		  WHERE session_id = $1 AND type = $2 AND id = ANY($3)`,
		sessionID, string(typ), ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			value []byte
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *PostgresBackend) WriteKeys(ctx context.Context, sessionID string, writes []KeyWrite) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	keys := pgIdent(b.schema, "auth_keys")
	upsert := `INSERT INTO ` + keys + ` (session_id, type, id, value)
	           VALUES ($1, $2, $3, $4)
	           ON CONFLICT (session_id, type, id) DO UPDATE
	              SET value = EXCLUDED.value,
	                  updated_at = now()`
	del := `DELETE FROM ` + keys + ` WHERE session_id = $1 AND type = $2 AND id = $3`

	batch := &pgx.Batch{}
	for _, w := range writes {
		if w.Delete() {
			batch.Queue(del, sessionID, string(w.Type), w.ID)
			continue
		}
		batch.Queue(upsert, sessionID, string(w.Type), w.ID, w.Value)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteSession removes credentials and keys in one transaction.
func (b *PostgresBackend) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+pgIdent(b.schema, "auth_keys")+` WHERE session_id = $1`, sessionID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+pgIdent(b.schema, "auth_credentials")+` WHERE session_id = $1`, sessionID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT session_id FROM `+pgIdent(b.schema, "auth_credentials")+` ORDER BY session_id`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (b *PostgresBackend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

// Close is a no-op because the pool is owned by the caller.
func (b *PostgresBackend) Close() error { return nil }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
