package db

import (
	"database/sql"
	"time"
)

// User is the persisted row backing the Identity Store.
type User struct {
	ID           string
	Username     string
	Email        *string
	DisplayName  *string
	PasswordHash *string
	APIKey       *string
	IsActive     bool
	CreatedAt    time.Time
}

// CreateUser inserts a user with a password hash (local registration).
func (d *DB) CreateUser(id, username, email, passwordHash, apiKey string) error {
	_, err := d.Exec(
		`INSERT INTO users (id, username, email, password_hash, api_key) VALUES ($1, $2, $3, $4, $5)`,
		id, username, nullIfEmpty(email), passwordHash, apiKey,
	)
	return err
}

// CreateUserWithEmail inserts a user created via an OIDC identity, which may
// have no local password.
func (d *DB) CreateUserWithEmail(id, username string, displayName, email *string, apiKey string) error {
	_, err := d.Exec(
		`INSERT INTO users (id, username, email, display_name, api_key) VALUES ($1, $2, $3, $4, $5)`,
		id, username, email, displayName, apiKey,
	)
	return err
}

func (d *DB) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.PasswordHash, &u.APIKey, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const userColumns = `id, username, email, display_name, password_hash, api_key, is_active, created_at`

// GetUserByUsername returns the user with the given username, or nil if absent.
func (d *DB) GetUserByUsername(username string) (*User, error) {
	row := d.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return d.scanUser(row)
}

// GetUserByID returns the user with the given id, or nil if absent.
func (d *DB) GetUserByID(id string) (*User, error) {
	row := d.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return d.scanUser(row)
}

// GetUserByEmail returns the user with the given email, or nil if absent.
func (d *DB) GetUserByEmail(email string) (*User, error) {
	row := d.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return d.scanUser(row)
}

// GetUserByAPIKey returns the user owning the given API key, or nil if absent.
func (d *DB) GetUserByAPIKey(apiKey string) (*User, error) {
	row := d.QueryRow(`SELECT `+userColumns+` FROM users WHERE api_key = $1`, apiKey)
	return d.scanUser(row)
}

// SetAPIKey atomically replaces a user's API key.
func (d *DB) SetAPIKey(userID, apiKey string) error {
	_, err := d.Exec(`UPDATE users SET api_key = $1 WHERE id = $2`, apiKey, userID)
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
