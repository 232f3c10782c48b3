package domain

import "time"

// BrowserSession is an encrypted browser-state blob (cookies + origin
// storage) keyed by (user_id, domain). SessionData is an opaque ciphertext
// envelope; the key id is stored alongside for rotation.
type BrowserSession struct {
	UserID          string
	Domain          string
	SessionData     []byte
	EncryptionKeyID string
	ExpiresAt       time.Time
	LastUsedAt      time.Time
	CreatedAt       time.Time
}

// Expired reports whether the session is past its TTL at the given instant.
func (s *BrowserSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}
