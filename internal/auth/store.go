// Package auth manages user accounts and bearer-token authentication:
// argon2id password hashing, a SQLite users table, and HS256 JWTs
// carrying the user ID and plan.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPlan is assigned to accounts created without an explicit
// plan.
const DefaultPlan = "free"

var (
	// ErrEmailTaken reports a registration against an existing email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUserNotFound reports a lookup that matched no account.
	ErrUserNotFound = errors.New("user not found")
)

// User is an account holder. The password hash stays inside this
// package; User is safe to serialize in API responses.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists user accounts. It owns the users table on the shared
// application database.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store on the given database connection,
// creating the users table if it does not already exist.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("user store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			full_name     TEXT,
			plan          TEXT NOT NULL DEFAULT 'free',
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);
	`)
	return err
}

// Create inserts a new account. The email must already be normalized
// and the password hash encoded; both are stored as given.
func (s *Store) Create(ctx context.Context, email, fullName, plan, passwordHash string) (*User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user ID: %w", err)
	}
	if plan == "" {
		plan = DefaultPlan
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, full_name, plan, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), email, fullName, plan, passwordHash,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return &User{
		ID:        id.String(),
		Email:     email,
		FullName:  fullName,
		Plan:      plan,
		CreatedAt: now,
	}, nil
}

// ByEmail returns the account for email along with its password hash,
// for credential checks.
func (s *Store) ByEmail(ctx context.Context, email string) (*User, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, plan, password_hash, created_at
		FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// ByID returns the account with the given ID.
func (s *Store) ByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, plan, password_hash, created_at
		FROM users WHERE id = ?`, id)
	u, _, err := scanUser(row)
	return u, err
}

func scanUser(row *sql.Row) (*User, string, error) {
	var u User
	var fullName sql.NullString
	var hash, createdAt string

	err := row.Scan(&u.ID, &u.Email, &fullName, &u.Plan, &hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrUserNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("scan user: %w", err)
	}

	u.FullName = fullName.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		u.CreatedAt = t
	}
	return &u, hash, nil
}
