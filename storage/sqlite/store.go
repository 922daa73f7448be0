// Package sqlite persists identd accounts in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"identd/auth"
)

// Store implements auth.UserStore over SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ auth.UserStore = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// bundled migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, email, password_hash, created_at, updated_at`

// FindByID returns the user with id.
func (s *Store) FindByID(ctx context.Context, id string) (auth.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindByEmail returns the user registered under email.
func (s *Store) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email))
}

// FindByProviderIdentity returns the user linked to the provider account.
func (s *Store) FindByProviderIdentity(ctx context.Context, provider auth.ProviderName, providerID string) (auth.User, error) {
	return s.findOne(ctx, `SELECT u.id, u.email, u.password_hash, u.created_at, u.updated_at
FROM users u JOIN user_identities i ON i.user_id = u.id
WHERE i.provider = ? AND i.provider_id = ?`, string(provider), providerID)
}

// CreateLocal inserts a password account.
func (s *Store) CreateLocal(ctx context.Context, email, passwordHash string) (auth.User, error) {
	now := s.now().UTC()
	u := auth.User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		CreatedAt:    fromMillis(toMillis(now)),
		UpdatedAt:    fromMillis(toMillis(now)),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, nullString(u.Email), nullString(u.PasswordHash), toMillis(now), toMillis(now))
	if err != nil {
		return auth.User{}, mapWriteError("insert user", err)
	}
	return u, nil
}

// CreateFromProvider inserts a password-less account and its identity link
// in one transaction.
func (s *Store) CreateFromProvider(ctx context.Context, provider auth.ProviderName, providerID, email string) (auth.User, error) {
	now := s.now().UTC()
	u := auth.User{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(email),
		CreatedAt: fromMillis(toMillis(now)),
		UpdatedAt: fromMillis(toMillis(now)),
		Identities: []auth.LinkedIdentity{{
			Provider:   provider,
			ProviderID: providerID,
			LinkedAt:   fromMillis(toMillis(now)),
		}},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at, updated_at) VALUES (?, ?, NULL, ?, ?)`,
		u.ID, nullString(u.Email), toMillis(now), toMillis(now)); err != nil {
		return auth.User{}, mapWriteError("insert user", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_identities (provider, provider_id, user_id, linked_at) VALUES (?, ?, ?, ?)`,
		string(provider), providerID, u.ID, toMillis(now)); err != nil {
		return auth.User{}, mapWriteError("insert identity", err)
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

// LinkProvider attaches a provider identity to an existing user. Re-linking
// to the same user is a no-op.
func (s *Store) LinkProvider(ctx context.Context, userID string, provider auth.ProviderName, providerID string) error {
	now := toMillis(s.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM user_identities WHERE provider = ? AND provider_id = ?`,
		string(provider), providerID).Scan(&owner)
	switch {
	case err == nil && owner == userID:
		return nil
	case err == nil:
		return fmt.Errorf("identity %s/%s: %w", provider, providerID, auth.ErrDuplicate)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup identity: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE users SET updated_at = ? WHERE id = ?`, now, userID)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_identities (provider, provider_id, user_id, linked_at) VALUES (?, ?, ?, ?)`,
		string(provider), providerID, userID, now); err != nil {
		return mapWriteError("insert identity", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (auth.User, error) {
	var (
		u         auth.User
		email     sql.NullString
		hash      sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &email, &hash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("query user: %w", err)
	}
	u.Email = email.String
	u.PasswordHash = hash.String
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)

	identities, err := s.identities(ctx, u.ID)
	if err != nil {
		return auth.User{}, err
	}
	u.Identities = identities
	return u, nil
}

func (s *Store) identities(ctx context.Context, userID string) ([]auth.LinkedIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, provider_id, linked_at FROM user_identities WHERE user_id = ? ORDER BY linked_at, provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []auth.LinkedIdentity
	for rows.Next() {
		var (
			li       auth.LinkedIdentity
			provider string
			linkedAt int64
		)
		if err := rows.Scan(&provider, &li.ProviderID, &linkedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		li.Provider = auth.ProviderName(provider)
		li.LinkedAt = fromMillis(linkedAt)
		out = append(out, li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

func mapWriteError(op string, err error) error {
	if isConstraintError(err) {
		return fmt.Errorf("%s: %w", op, auth.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
