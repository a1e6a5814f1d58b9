package table

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps all tables in one Postgres relation with a JSONB
// payload column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	s := &PostgresStore{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobhost_tables (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS jobhost_entities (
			table_name TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			row_key TEXT NOT NULL,
			properties JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (table_name, partition_key, row_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure table schema")
		}
	}
	return nil
}

func (s *PostgresStore) CreateTableIfNotExists(ctx context.Context, table string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO jobhost_tables (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, table)
	return errors.Wrapf(err, "create table %s", table)
}

func (s *PostgresStore) Get(ctx context.Context, table, pk, rk string) (*Entity, error) {
	e := &Entity{PartitionKey: pk, RowKey: rk}
	var (
		props   []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT properties, version, updated_at FROM jobhost_entities
		WHERE table_name = $1 AND partition_key = $2 AND row_key = $3
	`, table, pk, rk).Scan(&props, &version, &e.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s/%s", table, pk, rk)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get entity %s/%s/%s", table, pk, rk)
	}
	e.Properties = json.RawMessage(props)
	e.ETag = etag(version)
	return e, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, table string, e *Entity) error {
	props := []byte(e.Properties)
	if len(props) == 0 {
		props = []byte("{}")
	}
	var version int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobhost_entities (table_name, partition_key, row_key, properties)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, partition_key, row_key) DO UPDATE
		SET properties = EXCLUDED.properties,
		    version = jobhost_entities.version + 1,
		    updated_at = NOW()
		RETURNING version, updated_at
	`, table, e.PartitionKey, e.RowKey, props).Scan(&version, &e.Timestamp)
	if err != nil {
		return errors.Wrapf(err, "upsert entity %s/%s/%s", table, e.PartitionKey, e.RowKey)
	}
	e.ETag = etag(version)
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, table, pk string) ([]*Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_key, row_key, properties, version, updated_at FROM jobhost_entities
		WHERE table_name = $1 AND ($2 = '' OR partition_key = $2)
		ORDER BY partition_key, row_key
	`, table, pk)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", table)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var (
			e       Entity
			props   []byte
			version int64
		)
		if err := rows.Scan(&e.PartitionKey, &e.RowKey, &props, &version, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan entity")
		}
		e.Properties = json.RawMessage(props)
		e.ETag = etag(version)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, table, pk, rk string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobhost_entities WHERE table_name = $1 AND partition_key = $2 AND row_key = $3
	`, table, pk, rk)
	if err != nil {
		return errors.Wrapf(err, "delete entity %s/%s/%s", table, pk, rk)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "%s/%s/%s", table, pk, rk)
	}
	return nil
}

func etag(version int64) string {
	return `W/"` + strconv.FormatInt(version, 10) + `"`
}
