// Package accounts manages the service's own user accounts: registration
// and credential validation over a shared SQLite database. Provider tokens
// live in the per-user event store, not here.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a bad username/password pair. The
// same error covers unknown users so login failures do not leak which
// usernames exist.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrUsernameTaken is returned when registering an existing username.
var ErrUsernameTaken = errors.New("username already taken")

// User is a registered service account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Service provides account registration and login over db.
type Service struct {
	db *sql.DB
}

// Open opens (or creates) the accounts database at dbPath and returns a
// Service over it.
func Open(dbPath string) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create accounts directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open accounts database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	return &Service{db: db}, nil
}

// NewService wraps an already-open database. Used by tests.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Close() error {
	return s.db.Close()
}

// CreateUser registers username with the bcrypt hash of password.
func (s *Service) CreateUser(ctx context.Context, username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{Username: username, CreatedAt: time.Now()}
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		user.Username, string(hashed), user.CreatedAt,
	)
	if err != nil {
		var exists int
		if scanErr := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM users WHERE username = ?", username,
		).Scan(&exists); scanErr == nil {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	user.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	return user, nil
}

// Authenticate validates username/password and returns the account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var (
		user   User
		hashed string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password, created_at FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &hashed, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}
