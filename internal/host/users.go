package host

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
)

// unusablePrefix marks passwords that can never match.
const unusablePrefix = "!"

// UnusablePassword returns a password column value no login can match.
func UnusablePassword() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return unusablePrefix + hex.EncodeToString(b)
}

// InsertUser writes a user row using q, which may be a transaction.
func InsertUser(ctx context.Context, q db.DBTX, u User, password string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.Email, password, u.IsActive, now.Unix())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// CreateUser adds a local account with a bcrypt hashed password.
func (s *SQL) CreateUser(ctx context.Context, username, email, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	u := User{ID: uuid.NewString(), Username: strings.TrimSpace(username), Email: strings.TrimSpace(email), IsActive: true}
	if err := InsertUser(ctx, s.DB.SQL, u, string(hash), s.now()); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *SQL) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.DB.SQL.QueryRowContext(ctx,
		`SELECT id, username, email, is_active FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// CheckPassword verifies local credentials of an active account.
func (s *SQL) CheckPassword(ctx context.Context, username, password string) (User, error) {
	var (
		u    User
		hash string
	)
	err := s.DB.SQL.QueryRowContext(ctx,
		`SELECT id, username, email, is_active, password FROM users WHERE username=$1`, username).
		Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !u.IsActive || strings.HasPrefix(hash, unusablePrefix) {
		return User{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}
