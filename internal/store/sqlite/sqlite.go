// Package sqlite stores credentials and auth links in a single SQLite file.
// Timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/ids"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ auth.CredentialRepository = (*Store)(nil)
	_ auth.AuthLinkRepository   = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateUser inserts rec, assigning an id when empty.
func (s *Store) CreateUser(ctx context.Context, rec auth.CredentialRecord) (auth.CredentialRecord, error) {
	rec.Email = auth.NormalizeEmail(rec.Email)
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = fromMillis(rec.CreatedAt.UnixMilli())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Email, rec.PasswordHash, string(rec.Role), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err) {
			return auth.CredentialRecord{}, auth.ErrAlreadyExists
		}
		return auth.CredentialRecord{}, fmt.Errorf("insert user: %w", err)
	}
	return rec, nil
}

// Delete removes the user with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

const userCols = `id, email, password_hash, role, created_at`

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.CredentialRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, auth.NormalizeEmail(email)))
}

func (s *Store) FindByID(ctx context.Context, id string) (auth.CredentialRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

func (s *Store) scanUser(row *sql.Row) (auth.CredentialRecord, error) {
	var (
		rec     auth.CredentialRecord
		role    string
		created int64
	)
	err := row.Scan(&rec.ID, &rec.Email, &rec.PasswordHash, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.CredentialRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.CredentialRecord{}, fmt.Errorf("get user: %w", err)
	}
	rec.Role = auth.Role(role)
	rec.CreatedAt = fromMillis(created)
	return rec, nil
}

func (s *Store) Create(ctx context.Context, link auth.AuthLink) error {
	var consumed sql.NullInt64
	if link.ConsumedAt != nil {
		consumed = sql.NullInt64{Int64: link.ConsumedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_links (token_hash, email, created_at, expires_at, consumed_at) VALUES (?, ?, ?, ?, ?)`,
		link.TokenHash, link.Email, link.CreatedAt.UnixMilli(), link.ExpiresAt.UnixMilli(), consumed,
	)
	if err != nil {
		if isConstraint(err) {
			return auth.ErrAlreadyExists
		}
		return fmt.Errorf("insert auth link: %w", err)
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, tokenHash string) (auth.AuthLink, error) {
	var (
		link             auth.AuthLink
		created, expires int64
		consumed         sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, email, created_at, expires_at, consumed_at FROM auth_links WHERE token_hash = ?`,
		tokenHash,
	).Scan(&link.TokenHash, &link.Email, &created, &expires, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.AuthLink{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.AuthLink{}, fmt.Errorf("get auth link: %w", err)
	}
	link.CreatedAt = fromMillis(created)
	link.ExpiresAt = fromMillis(expires)
	if consumed.Valid {
		t := fromMillis(consumed.Int64)
		link.ConsumedAt = &t
	}
	return link, nil
}

func (s *Store) TryConsume(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_links SET consumed_at = ? WHERE token_hash = ? AND consumed_at IS NULL AND expires_at >= ?`,
		ms, tokenHash, ms,
	)
	if err != nil {
		return false, fmt.Errorf("consume auth link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired removes links that expired before now and returns the number deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_links WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired auth links: %w", err)
	}
	return res.RowsAffected()
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
