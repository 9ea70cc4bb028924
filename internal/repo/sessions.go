package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"campustasks/internal/domain"
)

// HashSessionToken returns a stable SHA-256 hex digest for a bearer token.
// Only the digest is stored; the raw token is handed to the client once.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertSession stores a hashed session token. TokenHash must already
// contain the hashed value.
func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	if s.ProfileID == "" {
		return errors.New("profile_id required")
	}
	if s.TokenHash == "" {
		return errors.New("token_hash required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id, profile_id, token_hash, created_at, expires_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ProfileID, s.TokenHash, s.CreatedAt, s.ExpiresAt)
	return err
}

// GetSessionByHash returns a session by its hashed token value.
func (r Repo) GetSessionByHash(ctx context.Context, hash string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, profile_id, token_hash, created_at, expires_at FROM sessions WHERE token_hash=? LIMIT 1`, hash)
	var s domain.Session
	err := row.Scan(&s.ID, &s.ProfileID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// DeleteSession deletes a session by ID.
func (r Repo) DeleteSession(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
func (r Repo) DeleteExpiredSessions(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
