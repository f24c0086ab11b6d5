// Package postgres persists per-admin configuration documents and user
// accounts in PostgreSQL. It backs [lexicon.DocumentStore] and
// [auth.UserDirectory].
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/lexicon"
)

// Schema is the SQL DDL for the dentascribe tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    admin_id   TEXT NOT NULL,
    doc_type   TEXT NOT NULL,
    payload    JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (admin_id, doc_type)
);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'admin',
    admin_id      TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_users_admin ON users(admin_id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface checks.
var (
	_ lexicon.DocumentStore = (*Store)(nil)
	_ auth.UserDirectory    = (*Store)(nil)
)

// Store is the PostgreSQL-backed document and user store.
// All operations are safe for concurrent use.
type Store struct {
	db DB
}

// NewStore creates a Store using the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Connect establishes a connection pool to the PostgreSQL database at dsn,
// pings it, and runs [Store.Migrate]. Close the returned pool when done.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	store := NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

// Migrate executes the [Schema] DDL against the database, creating the
// documents and users tables if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Load retrieves the document payload for (adminID, docType). It returns
// [lexicon.ErrNotFound] when no document exists.
func (s *Store) Load(ctx context.Context, adminID, docType string) ([]byte, error) {
	const query = `SELECT payload FROM documents WHERE admin_id = $1 AND doc_type = $2`

	var payload []byte
	err := s.db.QueryRow(ctx, query, adminID, docType).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", lexicon.ErrNotFound, adminID, docType)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load %s/%s: %w", adminID, docType, err)
	}
	return payload, nil
}

// Save upserts the document payload for (adminID, docType), bumping the row
// version on every write.
func (s *Store) Save(ctx context.Context, adminID, docType string, payload []byte) error {
	const query = `
		INSERT INTO documents (admin_id, doc_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (admin_id, doc_type) DO UPDATE SET
			payload = EXCLUDED.payload,
			version = documents.version + 1,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, adminID, docType, payload); err != nil {
		return fmt.Errorf("postgres store: save %s/%s: %w", adminID, docType, err)
	}
	return nil
}

// DocumentTypes lists the document types stored for adminID.
func (s *Store) DocumentTypes(ctx context.Context, adminID string) ([]string, error) {
	const query = `SELECT doc_type FROM documents WHERE admin_id = $1 ORDER BY doc_type`

	rows, err := s.db.Query(ctx, query, adminID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list documents for %s: %w", adminID, err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("postgres store: list documents scan: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list documents: %w", err)
	}
	return types, nil
}

// UserByEmail retrieves the user account registered under email. It returns
// [auth.ErrUserNotFound] for unknown addresses.
func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	const query = `
		SELECT id, email, password_hash, role, admin_id
		FROM users
		WHERE email = $1`

	var u auth.User
	err := s.db.QueryRow(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.AdminID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", auth.ErrUserNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: user by email: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user account. It returns an error when the email
// is already registered.
func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	const query = `
		INSERT INTO users (id, email, password_hash, role, admin_id)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.Exec(ctx, query, u.ID, u.Email, u.PasswordHash, u.Role, u.AdminID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres store: user %q already exists", u.Email)
		}
		return fmt.Errorf("postgres store: create user: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
