// Package session persists encrypted browser-state blobs keyed by
// (user_id, domain) so later jobs can skip login flows.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/valethq/pilot/internal/crypto"
	"github.com/valethq/pilot/internal/domain"
)

// DefaultTTL is how long a saved session stays loadable.
const DefaultTTL = 30 * 24 * time.Hour

// Repository is the persistence contract for browser sessions.
type Repository interface {
	// UpsertSession inserts or replaces the row for (user_id, domain).
	UpsertSession(ctx context.Context, s *domain.BrowserSession) error

	// GetSession returns the row for (user_id, domain).
	GetSession(ctx context.Context, userID, siteDomain string) (*domain.BrowserSession, error)

	// TouchSession refreshes last_used_at.
	TouchSession(ctx context.Context, userID, siteDomain string, lastUsedAt time.Time) error

	// DeleteSession removes one row. Missing rows are not an error.
	DeleteSession(ctx context.Context, userID, siteDomain string) error

	// DeleteUserSessions removes all rows for a user, returning the count.
	DeleteUserSessions(ctx context.Context, userID string) (int, error)

	// DeleteExpiredSessions removes rows with expires_at before now,
	// returning the count.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Store encrypts session blobs before they reach the repository and
// transparently discards rows that expired or fail to decrypt.
type Store struct {
	repo    Repository
	crypter *crypto.Crypter
	ttl     time.Duration
	now     func() time.Time
}

// Option is a functional option for configuring Store.
type Option func(*Store)

// WithTTL sets the session lifetime applied on save.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a session store.
func NewStore(repo Repository, crypter *crypto.Crypter, opts ...Option) *Store {
	s := &Store{
		repo:    repo,
		crypter: crypter,
		ttl:     DefaultTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save encrypts the storage state and upserts it under the URL's domain.
func (s *Store) Save(ctx context.Context, userID, rawURL string, storageState map[string]any) error {
	siteDomain, err := DomainFromURL(rawURL)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(storageState)
	if err != nil {
		return fmt.Errorf("failed to serialize storage state: %w", err)
	}

	envelope, err := s.crypter.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt session for %s: %w", siteDomain, err)
	}

	now := s.now()
	row := &domain.BrowserSession{
		UserID:          userID,
		Domain:          siteDomain,
		SessionData:     envelope,
		EncryptionKeyID: s.crypter.PrimaryKeyID(),
		ExpiresAt:       now.Add(s.ttl),
		LastUsedAt:      now,
		CreatedAt:       now,
	}
	if err := s.repo.UpsertSession(ctx, row); err != nil {
		return fmt.Errorf("failed to save session for %s: %w", siteDomain, err)
	}

	slog.InfoContext(ctx, "session saved",
		"user_id", userID,
		"domain", siteDomain,
		"key_id", row.EncryptionKeyID)
	return nil
}

// Load returns the decrypted storage state for the URL's domain, or
// (nil, false, nil) when no usable session exists. Expired or undecryptable
// rows are deleted on the way out.
func (s *Store) Load(ctx context.Context, userID, rawURL string) (map[string]any, bool, error) {
	siteDomain, err := DomainFromURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	row, err := s.repo.GetSession(ctx, userID, siteDomain)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load session for %s: %w", siteDomain, err)
	}

	if row.Expired(s.now()) {
		s.discard(ctx, userID, siteDomain, "expired")
		return nil, false, nil
	}

	plaintext, err := s.crypter.Decrypt(row.SessionData)
	if err != nil {
		// Undecryptable rows are unrecoverable: rotated-away key or tamper.
		s.discard(ctx, userID, siteDomain, err.Error())
		return nil, false, nil
	}

	var state map[string]any
	if err := json.Unmarshal(plaintext, &state); err != nil {
		s.discard(ctx, userID, siteDomain, "corrupt storage state")
		return nil, false, nil
	}

	if err := s.repo.TouchSession(ctx, userID, siteDomain, s.now()); err != nil {
		slog.WarnContext(ctx, "failed to touch session", "user_id", userID, "domain", siteDomain, "error", err)
	}
	return state, true, nil
}

// Clear deletes the user's session for one domain, or all of them when
// siteDomain is empty.
func (s *Store) Clear(ctx context.Context, userID, siteDomain string) error {
	if siteDomain != "" {
		if err := s.repo.DeleteSession(ctx, userID, siteDomain); err != nil {
			return fmt.Errorf("failed to clear session for %s: %w", siteDomain, err)
		}
		return nil
	}
	deleted, err := s.repo.DeleteUserSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to clear sessions for user %s: %w", userID, err)
	}
	slog.InfoContext(ctx, "sessions cleared", "user_id", userID, "count", deleted)
	return nil
}

// Sweep deletes all expired sessions and returns the count.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	deleted, err := s.repo.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	if deleted > 0 {
		slog.InfoContext(ctx, "expired sessions swept", "count", deleted)
	}
	return deleted, nil
}

func (s *Store) discard(ctx context.Context, userID, siteDomain, reason string) {
	if err := s.repo.DeleteSession(ctx, userID, siteDomain); err != nil {
		slog.WarnContext(ctx, "failed to delete unusable session",
			"user_id", userID,
			"domain", siteDomain,
			"error", err)
		return
	}
	slog.InfoContext(ctx, "unusable session deleted",
		"user_id", userID,
		"domain", siteDomain,
		"reason", reason)
}

// DomainFromURL extracts the lowercased host, without port, that keys a
// session row. Scheme-less inputs are treated as bare hosts.
func DomainFromURL(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	candidate := rawURL
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}
