package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/lexicon"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (db *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.queryRowFunc(ctx, sql, args...)
}

func (db *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.queryFunc(ctx, sql, args...)
}

func (db *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.execFunc(ctx, sql, args...)
}

func TestLoadNotFound(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	s := NewStore(db)

	_, err := s.Load(context.Background(), "admin-1", lexicon.DocLexicon)
	if !errors.Is(err, lexicon.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadReturnsPayload(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if args[0] != "admin-1" || args[1] != lexicon.DocConfig {
				t.Errorf("query args = %v", args)
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*[]byte) = []byte(`{"minSimilarity":0.8}`)
				return nil
			}}
		},
	}
	s := NewStore(db)

	payload, err := s.Load(context.Background(), "admin-1", lexicon.DocConfig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(payload) != `{"minSimilarity":0.8}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestSaveUpserts(t *testing.T) {
	t.Parallel()
	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.CommandTag{}, nil
		},
	}
	s := NewStore(db)

	if err := s.Save(context.Background(), "admin-1", lexicon.DocLexicon, []byte(`{}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (admin_id, doc_type)") {
		t.Errorf("save should upsert, got:\n%s", gotSQL)
	}
	if !strings.Contains(gotSQL, "version = documents.version + 1") {
		t.Errorf("save should bump version, got:\n%s", gotSQL)
	}
}

func TestUserByEmail(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*string) = "user-1"
				*dest[1].(*string) = "dentist@praktijk.nl"
				*dest[2].(*string) = "$2a$10$hash"
				*dest[3].(*string) = "admin"
				*dest[4].(*string) = "user-1"
				return nil
			}}
		},
	}
	s := NewStore(db)

	user, err := s.UserByEmail(context.Background(), "dentist@praktijk.nl")
	if err != nil {
		t.Fatalf("user by email: %v", err)
	}
	if user.ID != "user-1" || user.Role != "admin" {
		t.Errorf("user = %+v", user)
	}
}

func TestUserByEmailNotFound(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	s := NewStore(db)

	_, err := s.UserByEmail(context.Background(), "nobody@praktijk.nl")
	if !errors.Is(err, auth.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	t.Parallel()
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
	}
	s := NewStore(db)

	err := s.CreateUser(context.Background(), &auth.User{ID: "u", Email: "x@y.nl"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v, want duplicate error", err)
	}
}
