package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/valethq/pilot/internal/domain"
)

// UpsertSession inserts or replaces the row for (user_id, domain).
func (s *Store) UpsertSession(ctx context.Context, session *domain.BrowserSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO browser_sessions (user_id, domain, session_data, encryption_key_id, expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, domain) DO UPDATE SET
			session_data = EXCLUDED.session_data,
			encryption_key_id = EXCLUDED.encryption_key_id,
			expires_at = EXCLUDED.expires_at,
			last_used_at = EXCLUDED.last_used_at`,
		session.UserID, session.Domain, session.SessionData, session.EncryptionKeyID,
		session.ExpiresAt, session.LastUsedAt, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session for %s/%s: %w", session.UserID, session.Domain, err)
	}
	return nil
}

// GetSession returns the row for (user_id, domain).
func (s *Store) GetSession(ctx context.Context, userID, siteDomain string) (*domain.BrowserSession, error) {
	var row domain.BrowserSession
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, domain, session_data, encryption_key_id, expires_at, last_used_at, created_at
		FROM browser_sessions
		WHERE user_id = $1 AND domain = $2`, userID, siteDomain).Scan(
		&row.UserID, &row.Domain, &row.SessionData, &row.EncryptionKeyID,
		&row.ExpiresAt, &row.LastUsedAt, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session for %s/%s: %w", userID, siteDomain, err)
	}
	return &row, nil
}

// TouchSession refreshes last_used_at.
func (s *Store) TouchSession(ctx context.Context, userID, siteDomain string, lastUsedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE browser_sessions SET last_used_at = $3
		WHERE user_id = $1 AND domain = $2`, userID, siteDomain, lastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to touch session for %s/%s: %w", userID, siteDomain, err)
	}
	return nil
}

// DeleteSession removes one row. Deleting a missing row is not an error.
func (s *Store) DeleteSession(ctx context.Context, userID, siteDomain string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM browser_sessions WHERE user_id = $1 AND domain = $2`, userID, siteDomain)
	if err != nil {
		return fmt.Errorf("failed to delete session for %s/%s: %w", userID, siteDomain, err)
	}
	return nil
}

// DeleteUserSessions removes all rows for a user.
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM browser_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions for user %s: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredSessions removes rows past their TTL.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM browser_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
