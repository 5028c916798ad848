// Package auth resolves session tokens into caller identities.
//
// Authentication model:
//   - Sessions are issued by admins (or seeded for the bootstrap admin)
//   - The raw token (st_<64 hex>) is shown once; only its sha256 is stored
//   - Every protected handler receives an Identity, never the token
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/idgen"
	"github.com/mbd888/swapdesk/internal/users"
)

const tokenPrefix = "st_"

// Errors
var (
	ErrUnauthenticated = apperr.ErrUnauthenticated
	ErrUserNotFound    = users.ErrUserNotFound
	ErrSessionNotFound = apperr.New(apperr.KindNotFound, "session_not_found", "session not found")
	ErrMalformedToken  = errors.New("malformed session token")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Role     users.Role `json:"role"`
}

func (i Identity) IsAdmin() bool    { return i.Role == users.RoleAdmin }
func (i Identity) IsOperator() bool { return i.Role == users.RoleOperator }
func (i Identity) IsStaff() bool    { return i.Role.IsStaff() }

// Session is a stored login.
type Session struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByHash(ctx context.Context, hash string) (*Session, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	Revoke(ctx context.Context, id string) error
}

// UserLookup is the slice of the user directory auth needs.
type UserLookup interface {
	Get(ctx context.Context, id string) (*users.User, error)
}

// Manager issues and resolves sessions.
type Manager struct {
	store Store
	users UserLookup
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a new auth manager. A zero ttl issues sessions that
// never expire.
func NewManager(store Store, userLookup UserLookup, ttl time.Duration) *Manager {
	return &Manager{store: store, users: userLookup, ttl: ttl, now: time.Now}
}

// Issue creates a session for userID and returns the raw token (shown once).
func (m *Manager) Issue(ctx context.Context, userID string) (rawToken string, sess *Session, err error) {
	if _, err := m.users.Get(ctx, userID); err != nil {
		return "", nil, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	rawToken = tokenPrefix + hex.EncodeToString(b)

	now := m.now().UTC()
	sess = &Session{
		ID:        idgen.WithPrefix("ses_"),
		Hash:      hashToken(rawToken),
		UserID:    userID,
		CreatedAt: now,
	}
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		sess.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return "", nil, err
	}
	return rawToken, sess, nil
}

// Import registers a caller-supplied raw token for userID without expiry.
// Importing a token that is already stored is a no-op, so a bootstrap token
// survives restarts against a persistent store.
func (m *Manager) Import(ctx context.Context, userID, rawToken string) (*Session, error) {
	if !wellFormed(rawToken) {
		return nil, ErrMalformedToken
	}
	hash := hashToken(rawToken)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		if existing.UserID != userID {
			return nil, fmt.Errorf("token already belongs to another user")
		}
		return existing, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess := &Session{
		ID:        idgen.WithPrefix("ses_"),
		Hash:      hash,
		UserID:    userID,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Resolve maps a raw token to the caller's identity. Missing, malformed,
// unknown, revoked and expired tokens all fail with ErrUnauthenticated; a
// valid session whose user no longer exists fails with ErrUserNotFound.
func (m *Manager) Resolve(ctx context.Context, rawToken string) (Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if !wellFormed(rawToken) {
		return Identity{}, ErrUnauthenticated
	}

	sess, err := m.store.GetByHash(ctx, hashToken(rawToken))
	if errors.Is(err, ErrSessionNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, err
	}
	if sess.Revoked {
		return Identity{}, ErrUnauthenticated
	}
	if sess.ExpiresAt != nil && !m.now().Before(*sess.ExpiresAt) {
		return Identity{}, ErrUnauthenticated
	}

	u, err := m.users.Get(ctx, sess.UserID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, Username: u.Username, Role: u.Role}, nil
}

// Sessions lists a user's sessions, newest first.
func (m *Manager) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	return m.store.ListByUser(ctx, userID)
}

// Revoke invalidates a session by id.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.store.Revoke(ctx, sessionID)
}

func wellFormed(raw string) bool {
	if !strings.HasPrefix(raw, tokenPrefix) || len(raw) != len(tokenPrefix)+64 {
		return false
	}
	_, err := hex.DecodeString(raw[len(tokenPrefix):])
	return err == nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by ID
	byHash   map[string]string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byHash:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.byHash[sess.Hash] = sess.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s.sessions[id]
	return &cp, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Revoked = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
