// Package identity implements the Identity Store: it persists users and
// their API keys, and resolves a bearer token or API key to a user identity.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentserver/sandboxd/internal/db"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/shortid"
)

const tokenTTL = 7 * 24 * time.Hour

// User is the identity-store view of a user: never carries the password
// hash or API key past the boundary that authenticated them.
type User struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	IsActive    bool
	CreatedAt   time.Time
}

// Store is the Identity Store.
type Store struct {
	db *db.DB
}

// New constructs an Identity Store over an open database connection.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Register creates a new local user with a bcrypt-hashed password and a
// freshly minted API key. Fails with sandboxerr.ErrConflict on a duplicate
// username or email, or sandboxerr.ErrInvalidArgument on a weak password.
func (s *Store) Register(username, email, password string) (*User, error) {
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters: %w", sandboxerr.ErrInvalidArgument)
	}
	if existing, err := s.db.GetUserByUsername(username); err != nil {
		return nil, fmt.Errorf("lookup username: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("username %q already registered: %w", username, sandboxerr.ErrConflict)
	}
	if email != "" {
		if existing, err := s.db.GetUserByEmail(email); err != nil {
			return nil, fmt.Errorf("lookup email: %w", err)
		} else if existing != nil {
			return nil, fmt.Errorf("email %q already registered: %w", email, sandboxerr.ErrConflict)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id := shortid.Generate()
	apiKey, err := randomToken()
	if err != nil {
		return nil, err
	}
	if err := s.db.CreateUser(id, username, email, string(hash), apiKey); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetByID(id)
}

// VerifyPassword checks credentials and returns the user on success, or
// sandboxerr.ErrNotAuthorized.
func (s *Store) VerifyPassword(username, password string) (*User, error) {
	row, err := s.db.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if row == nil || row.PasswordHash == nil {
		return nil, fmt.Errorf("invalid credentials: %w", sandboxerr.ErrNotAuthorized)
	}
	if bcrypt.CompareHashAndPassword([]byte(*row.PasswordHash), []byte(password)) != nil {
		return nil, fmt.Errorf("invalid credentials: %w", sandboxerr.ErrNotAuthorized)
	}
	return toUser(row), nil
}

// IssueToken mints and persists a new session token for userID.
func (s *Store) IssueToken(userID string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := s.db.CreateToken(token, userID, time.Now().Add(tokenTTL)); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// ResolveToken resolves a bearer session token to a user, or
// sandboxerr.ErrNotAuthorized if it is unknown, expired, or the user is
// inactive.
func (s *Store) ResolveToken(bearer string) (*User, error) {
	userID, err := s.db.ValidateToken(bearer)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if userID == "" {
		return nil, fmt.Errorf("invalid token: %w", sandboxerr.ErrNotAuthorized)
	}
	user, err := s.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("inactive user: %w", sandboxerr.ErrNotAuthorized)
	}
	return user, nil
}

// ResolveAPIKey resolves an API key to a user, or sandboxerr.ErrNotAuthorized.
func (s *Store) ResolveAPIKey(key string) (*User, error) {
	row, err := s.db.GetUserByAPIKey(key)
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if row == nil || !row.IsActive {
		return nil, fmt.Errorf("invalid api key: %w", sandboxerr.ErrNotAuthorized)
	}
	return toUser(row), nil
}

// RegenerateAPIKey atomically replaces the stored API key and returns the
// new value.
func (s *Store) RegenerateAPIKey(userID string) (string, error) {
	key, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := s.db.SetAPIKey(userID, key); err != nil {
		return "", fmt.Errorf("regenerate api key: %w", err)
	}
	return key, nil
}

// GetByID loads a user by id.
func (s *Store) GetByID(id string) (*User, error) {
	row, err := s.db.GetUserByID(id)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("user %s: %w", id, sandboxerr.ErrNotFound)
	}
	return toUser(row), nil
}

// APIKeyFor returns the current API key for a user.
func (s *Store) APIKeyFor(userID string) (string, error) {
	row, err := s.db.GetUserByID(userID)
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if row == nil || row.APIKey == nil {
		return "", fmt.Errorf("user %s: %w", userID, sandboxerr.ErrNotFound)
	}
	return *row.APIKey, nil
}

// DB exposes the underlying database for subsystems layered on top of
// identity, such as the OIDC login flow.
func (s *Store) DB() *db.DB { return s.db }

func toUser(row *db.User) *User {
	u := &User{ID: row.ID, Username: row.Username, IsActive: row.IsActive, CreatedAt: row.CreatedAt}
	if row.Email != nil {
		u.Email = *row.Email
	}
	if row.DisplayName != nil {
		u.DisplayName = *row.DisplayName
	}
	return u
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
