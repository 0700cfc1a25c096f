package share

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS share_links (
	token      TEXT PRIMARY KEY,
	root       TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS share_links_root_path ON share_links (root, path);
`

// PostgresStore keeps share records in PostgreSQL. At most one row exists
// per (root, path), so Save is a single upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the share table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate share_links: %w", err)
	}
	return nil
}

// Save upserts rec. Without force the existing row wins and is returned
// unchanged; with force its token is replaced.
func (s *PostgresStore) Save(ctx context.Context, rec Record, force bool) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("share_save", time.Since(start)) }()

	query := `INSERT INTO share_links (token, root, path, created_at)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (root, path) DO UPDATE SET root = share_links.root
	          RETURNING token, root, path, created_at`
	if force {
		query = `INSERT INTO share_links (token, root, path, created_at)
		         VALUES ($1, $2, $3, $4)
		         ON CONFLICT (root, path) DO UPDATE SET token = EXCLUDED.token, created_at = EXCLUDED.created_at
		         RETURNING token, root, path, created_at`
	}

	var saved Record
	err := s.db.QueryRowContext(ctx, query, rec.Token, rec.Root, rec.Path, rec.CreatedAt).
		Scan(&saved.Token, &saved.Root, &saved.Path, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save share: %w: %w", storage.ErrInternal, err)
	}
	return &saved, nil
}

// Latest returns the newest record for (root, path).
func (s *PostgresStore) Latest(ctx context.Context, root, path string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("share_latest", time.Since(start)) }()

	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT token, root, path, created_at FROM share_links
		 WHERE root = $1 AND path = $2
		 ORDER BY created_at DESC, token DESC LIMIT 1`, root, path).
		Scan(&rec.Token, &rec.Root, &rec.Path, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no share for %s: %w", path, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query share: %w: %w", storage.ErrInternal, err)
	}
	return &rec, nil
}

// Get returns the record for token.
func (s *PostgresStore) Get(ctx context.Context, token string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("share_get", time.Since(start)) }()

	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT token, root, path, created_at FROM share_links WHERE token = $1`, token).
		Scan(&rec.Token, &rec.Root, &rec.Path, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("share: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query share: %w: %w", storage.ErrInternal, err)
	}
	return &rec, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
