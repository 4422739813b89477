package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations holds the schema for this store in the layout expected by the
// migrate package (NNNN_name.up.sql / NNNN_name.down.sql).
var Migrations fs.FS = mustSub(migrationFiles, "migrations")

var (
	_ auth.CredentialRepository = (*Store)(nil)
	_ auth.AuthLinkRepository   = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateUser inserts rec, assigning an id when empty.
func (s *Store) CreateUser(ctx context.Context, rec auth.CredentialRecord) (auth.CredentialRecord, error) {
	rec.Email = auth.NormalizeEmail(rec.Email)
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, role)
		values ($1, $2, $3, $4)
		returning created_at
	`, rec.ID, rec.Email, rec.PasswordHash, string(rec.Role)).Scan(&rec.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.CredentialRecord{}, auth.ErrAlreadyExists
		}
		return auth.CredentialRecord{}, err
	}
	return rec, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.CredentialRecord, error) {
	return s.findUser(ctx, `where email = $1`, auth.NormalizeEmail(email))
}

func (s *Store) FindByID(ctx context.Context, id string) (auth.CredentialRecord, error) {
	return s.findUser(ctx, `where id = $1`, id)
}

func (s *Store) findUser(ctx context.Context, where string, arg string) (auth.CredentialRecord, error) {
	var (
		rec  auth.CredentialRecord
		role string
	)
	err := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, created_at from users `+where, arg,
	).Scan(&rec.ID, &rec.Email, &rec.PasswordHash, &role, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.CredentialRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.CredentialRecord{}, err
	}
	rec.Role = auth.Role(role)
	return rec, nil
}

func (s *Store) Create(ctx context.Context, link auth.AuthLink) error {
	_, err := s.db.ExecContext(ctx, `
		insert into auth_links (token_hash, email, created_at, expires_at)
		values ($1, $2, $3, $4)
	`, link.TokenHash, link.Email, link.CreatedAt.UTC(), link.ExpiresAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, tokenHash string) (auth.AuthLink, error) {
	var (
		link     auth.AuthLink
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select token_hash, email, created_at, expires_at, consumed_at
		from auth_links
		where token_hash = $1
	`, tokenHash).Scan(&link.TokenHash, &link.Email, &link.CreatedAt, &link.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.AuthLink{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.AuthLink{}, err
	}
	link.CreatedAt = link.CreatedAt.UTC()
	link.ExpiresAt = link.ExpiresAt.UTC()
	if consumed.Valid {
		t := consumed.Time.UTC()
		link.ConsumedAt = &t
	}
	return link, nil
}

// TryConsume marks the link consumed in a single conditional update.
func (s *Store) TryConsume(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_links
		set consumed_at = $2
		where token_hash = $1 and consumed_at is null and expires_at >= $2
	`, tokenHash, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteExpired drops links that expired before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_links where expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("pg: embedded migrations: %v", err))
	}
	return sub
}
