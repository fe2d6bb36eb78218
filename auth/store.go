// Package auth owns accounts, password verifiers, and rolling session
// tokens. Tokens are 32 random bytes; only their SHA-256 is stored, and
// each successful token login deletes the used session and mints a fresh
// token.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cm21968/LilyPad/protocol"
)

const sessionExpiry = 30 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
    password_hash TEXT NOT NULL,
    created_at    INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    expires_at INTEGER NOT NULL
);
`

// Result carries the outcome of an account operation. Failures are status
// values, never errors: only infrastructure faults surface as errors.
type Result struct {
	Status  protocol.AuthStatus
	UserID  int64
	Message string
}

// TokenResult is the outcome of a rolling token login.
type TokenResult struct {
	Status   protocol.AuthStatus
	UserID   int64
	Username string
	NewToken []byte // raw 32 bytes, sent to the client exactly once
	Message  string
}

// Store is the auth database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the SQLite auth database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open auth database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent auth attempts.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("auth pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init auth schema: %w", err)
	}

	return &Store{db: db, log: slog.With("component", "auth")}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Register creates an account. Name and password limits are enforced
// here so every caller gets the same policy.
func (s *Store) Register(username, password string) Result {
	if !protocol.ValidUsername(username) {
		return Result{Status: protocol.StatusInvalidInput, Message: "Username must be 1-32 characters: letters, digits, underscore"}
	}
	if !protocol.ValidPassword(password) {
		return Result{Status: protocol.StatusInvalidInput, Message: "Password must be 8-128 characters"}
	}

	hash, err := hashPassword(password)
	if err != nil {
		s.log.Error("password hash failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error: failed to hash password"}
	}

	res, err := s.db.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", username, hash)
	if err != nil {
		if isUniqueViolation(err) {
			return Result{Status: protocol.StatusUsernameTaken, Message: "Username already taken"}
		}
		s.log.Error("register insert failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error: database write failed"}
	}
	id, _ := res.LastInsertId()
	s.log.Info("registered user", "username", username, "user_id", id)
	return Result{Status: protocol.StatusOK, UserID: id, Message: "Account created successfully"}
}

// Login verifies credentials. The verifier comparison is constant-time.
func (s *Store) Login(username, password string) Result {
	var id int64
	var hash string
	err := s.db.QueryRow("SELECT id, password_hash FROM users WHERE username = ?", username).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{Status: protocol.StatusInvalidCreds, Message: "Invalid username or password"}
	}
	if err != nil {
		s.log.Error("login query failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}

	ok, err := verifyPassword(password, hash)
	if err != nil {
		s.log.Error("stored verifier unreadable", "user_id", id, "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}
	if !ok {
		return Result{Status: protocol.StatusInvalidCreds, Message: "Invalid username or password"}
	}
	return Result{Status: protocol.StatusOK, UserID: id, Message: "Login successful"}
}

// CreateSession mints a session for userID and returns the raw token.
// The raw token leaves the server exactly once; only its hash is stored.
func (s *Store) CreateSession(userID int64) ([]byte, error) {
	token := make([]byte, protocol.TokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	expires := time.Now().Add(sessionExpiry).Unix()
	_, err := s.db.Exec("INSERT INTO sessions (user_id, token_hash, expires_at) VALUES (?, ?, ?)",
		userID, hashToken(token), expires)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return token, nil
}

// TokenLogin validates a rolling token: on hit the used session row is
// deleted and a fresh token minted. A miss (unknown, expired, or already
// rolled) reports token_expired.
func (s *Store) TokenLogin(username string, token []byte) TokenResult {
	var sessionID, userID int64
	var dbName string
	err := s.db.QueryRow(`
		SELECT s.id, u.id, u.username FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE u.username = ? AND s.token_hash = ? AND s.expires_at > ?`,
		username, hashToken(token), time.Now().Unix()).Scan(&sessionID, &userID, &dbName)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenResult{Status: protocol.StatusTokenExpired, Message: "Session expired, please log in again"}
	}
	if err != nil {
		s.log.Error("token lookup failed", "error", err)
		return TokenResult{Status: protocol.StatusInternal, Message: "Server error"}
	}

	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		s.log.Error("session delete failed", "error", err)
		return TokenResult{Status: protocol.StatusInternal, Message: "Server error"}
	}

	fresh, err := s.CreateSession(userID)
	if err != nil {
		s.log.Error("session mint failed", "error", err)
		return TokenResult{Status: protocol.StatusInternal, Message: "Server error"}
	}
	return TokenResult{
		Status:   protocol.StatusOK,
		UserID:   userID,
		Username: dbName,
		NewToken: fresh,
		Message:  "Login successful",
	}
}

// ChangePassword verifies the old password, stores the new verifier, and
// invalidates every session of the user.
func (s *Store) ChangePassword(userID int64, oldPass, newPass string) Result {
	if !protocol.ValidPassword(newPass) {
		return Result{Status: protocol.StatusInvalidInput, Message: "Password must be 8-128 characters"}
	}

	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE id = ?", userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{Status: protocol.StatusInvalidCreds, Message: "Account not found"}
	}
	if err != nil {
		s.log.Error("password lookup failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}

	ok, err := verifyPassword(oldPass, hash)
	if err != nil || !ok {
		return Result{Status: protocol.StatusInvalidCreds, Message: "Current password is incorrect"}
	}

	newHash, err := hashPassword(newPass)
	if err != nil {
		s.log.Error("password hash failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}
	if _, err := s.db.Exec("UPDATE users SET password_hash = ? WHERE id = ?", newHash, userID); err != nil {
		s.log.Error("password update failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}

	s.InvalidateAllSessions(userID)
	s.log.Info("password changed", "user_id", userID)
	return Result{Status: protocol.StatusOK, UserID: userID, Message: "Password changed"}
}

// DeleteAccount verifies the password and removes the account; sessions
// cascade.
func (s *Store) DeleteAccount(userID int64, password string) Result {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE id = ?", userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{Status: protocol.StatusInvalidCreds, Message: "Account not found"}
	}
	if err != nil {
		s.log.Error("account lookup failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}

	ok, err := verifyPassword(password, hash)
	if err != nil || !ok {
		return Result{Status: protocol.StatusInvalidCreds, Message: "Password is incorrect"}
	}

	if _, err := s.db.Exec("DELETE FROM users WHERE id = ?", userID); err != nil {
		s.log.Error("account delete failed", "error", err)
		return Result{Status: protocol.StatusInternal, Message: "Server error"}
	}
	s.log.Info("account deleted", "user_id", userID)
	return Result{Status: protocol.StatusOK, Message: "Account deleted"}
}

// InvalidateAllSessions removes every session of userID.
func (s *Store) InvalidateAllSessions(userID int64) {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE user_id = ?", userID); err != nil {
		s.log.Error("session invalidation failed", "user_id", userID, "error", err)
	}
}

// CleanupExpiredSessions removes sessions past their expiry. Run hourly.
func (s *Store) CleanupExpiredSessions() {
	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		s.log.Error("session cleanup failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("expired sessions removed", "count", n)
	}
}

func hashToken(token []byte) string {
	sum := sha256.Sum256(token)
	return hex.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// the driver does not export a typed code for them.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
