package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/snapshot"
)

const (
	// SessionTokenPrefix identifies portal session tokens
	SessionTokenPrefix = "cp_"
	// sessionTokenBytes is the amount of randomness per token (256 bits)
	sessionTokenBytes = 32
	// DefaultSessionTTL bounds how long a session stays valid
	DefaultSessionTTL = 12 * time.Hour
)

// Session is the state of one authenticated client
type Session struct {
	TokenHash string     `json:"tokenHash"`
	Principal *Principal `json:"principal"`
	Channel   Channel    `json:"channel"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// Sessions issues and resolves opaque session tokens. Only token hashes are
// kept, and the table is persisted under the current-session snapshot key so a
// restart keeps clients logged in.
type Sessions struct {
	mu     sync.RWMutex
	byHash map[string]*Session
	kv     snapshot.KV
	ttl    time.Duration
	now    func() time.Time
}

// LoadSessions hydrates the session table from kv, dropping expired entries
func LoadSessions(ctx context.Context, kv snapshot.KV, ttl time.Duration) (*Sessions, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &Sessions{
		byHash: make(map[string]*Session),
		kv:     kv,
		ttl:    ttl,
		now:    time.Now,
	}

	var persisted []*Session
	if _, err := kv.Get(ctx, snapshot.KeyCurrentSession, &persisted); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	now := s.now()
	for _, sess := range persisted {
		if sess.Principal != nil && now.Before(sess.ExpiresAt) {
			s.byHash[sess.TokenHash] = sess
		}
	}
	return s, nil
}

// generateToken creates a token of the form cp_<base64url(32 random bytes)>
// and the SHA-256 hash kept for lookup
func generateToken() (token, tokenHash string, err error) {
	randomBytes := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	token = SessionTokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, HashToken(token), nil
}

// HashToken computes the SHA-256 hash of a token for lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks that a token has the portal prefix and encoding
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, SessionTokenPrefix) {
		return fmt.Errorf("token must start with %q", SessionTokenPrefix)
	}
	encoded := strings.TrimPrefix(token, SessionTokenPrefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

// persist writes the live sessions; callers hold the write lock
func (s *Sessions) persist(ctx context.Context) error {
	now := s.now()
	live := make([]*Session, 0, len(s.byHash))
	for hash, sess := range s.byHash {
		if !now.Before(sess.ExpiresAt) {
			delete(s.byHash, hash)
			continue
		}
		live = append(live, sess)
	}
	if err := s.kv.Put(ctx, snapshot.KeyCurrentSession, live); err != nil {
		return errs.Transport("sessions.persist", err)
	}
	return nil
}

// Start opens a session for p and returns the bearer token
func (s *Sessions) Start(ctx context.Context, p *Principal, channel Channel) (string, *Session, error) {
	token, hash, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	sess := &Session{
		TokenHash: hash,
		Principal: p.Clone(),
		Channel:   channel,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byHash[hash] = sess
	if err := s.persist(ctx); err != nil {
		delete(s.byHash, hash)
		return "", nil, err
	}
	return token, sess, nil
}

// Resolve returns the live session for token or errs.ErrAuthDenied
func (s *Sessions) Resolve(token string) (*Session, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return nil, errs.ErrAuthDenied
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.byHash[HashToken(token)]
	if !ok || !s.now().Before(sess.ExpiresAt) {
		return nil, errs.ErrAuthDenied
	}
	c := *sess
	c.Principal = sess.Principal.Clone()
	return &c, nil
}

// End closes the session for token; ending an unknown session is a no-op
func (s *Sessions) End(ctx context.Context, token string) error {
	hash := HashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[hash]; !ok {
		return nil
	}
	delete(s.byHash, hash)
	return s.persist(ctx)
}

// Refresh replaces the principal of every session held by username, used after
// a permission change
func (s *Sessions) Refresh(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, sess := range s.byHash {
		if sess.Principal.Username == p.Username {
			sess.Principal = p.Clone()
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist(ctx)
}

// EndUser closes every session held by username and returns how many were
// closed, used after the user's password changed
func (s *Sessions) EndUser(ctx context.Context, username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ended := make(map[string]*Session)
	for hash, sess := range s.byHash {
		if sess.Principal.Username == username {
			ended[hash] = sess
			delete(s.byHash, hash)
		}
	}
	if len(ended) == 0 {
		return 0, nil
	}
	if err := s.persist(ctx); err != nil {
		for hash, sess := range ended {
			s.byHash[hash] = sess
		}
		return 0, err
	}
	return len(ended), nil
}

// Count returns the number of live sessions
func (s *Sessions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHash)
}
