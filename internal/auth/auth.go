package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/couriermsg/courier/internal/user"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
)

// Session binds an opaque bearer token to a stable identity.
type Session struct {
	Token     string
	UserID    user.ID
	Username  string
	ExpiresAt time.Time
}

// Service resolves requests to identities before the delivery core runs.
// Token verification consults the revocation cache first (fast reject) and
// the identity cache second, so the common path skips the token store.
type Service struct {
	users    user.Repository
	tokens   *tokenStore
	cache    *RevocationCache
	now      func() time.Time
	tokenTTL time.Duration
}

func NewService(users user.Repository, cache *RevocationCache, tokenTTL time.Duration) *Service {
	return &Service{
		users:    users,
		tokens:   newTokenStore(),
		cache:    cache,
		now:      time.Now,
		tokenTTL: tokenTTL,
	}
}

func (s *Service) Register(ctx context.Context, username, password, publicKey string) (user.Identity, Session, error) {
	name := normalizeUsername(username)
	if name == "" || len(strings.TrimSpace(password)) < 8 || strings.TrimSpace(publicKey) == "" {
		return user.Identity{}, Session{}, ErrInvalidInput
	}

	hash, err := hashPassword(password)
	if err != nil {
		return user.Identity{}, Session{}, err
	}

	ident := user.Identity{
		ID:           user.ID(uuid.NewString()),
		Username:     name,
		PasswordHash: hash,
		PublicKey:    strings.TrimSpace(publicKey),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, ident); err != nil {
		return user.Identity{}, Session{}, err
	}

	session, err := s.issue(ident)
	if err != nil {
		return user.Identity{}, Session{}, err
	}
	return ident, session, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (user.Identity, Session, error) {
	name := normalizeUsername(username)
	if name == "" || len(strings.TrimSpace(password)) < 8 {
		return user.Identity{}, Session{}, ErrInvalidInput
	}

	found, err := s.users.GetByUsername(ctx, name)
	if err != nil {
		return user.Identity{}, Session{}, ErrUnauthorized
	}
	if found.PasswordHash == "" || checkPassword(found.PasswordHash, password) != nil {
		return user.Identity{}, Session{}, ErrUnauthorized
	}

	session, err := s.issue(found)
	if err != nil {
		return user.Identity{}, Session{}, err
	}
	return found, session, nil
}

func (s *Service) ValidateToken(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrUnauthorized
	}
	now := s.now()

	if s.cache.IsRevoked(token, now) {
		return Session{}, ErrUnauthorized
	}
	if session, ok := s.cache.LookupIdentity(token, now); ok {
		if now.After(session.ExpiresAt) {
			return Session{}, ErrTokenExpired
		}
		return session, nil
	}

	session, err := s.tokens.validate(now, token)
	if err != nil {
		return Session{}, err
	}
	s.cache.CacheIdentity(token, session, now)
	return session, nil
}

// Revoke invalidates the token immediately; subsequent validations fast-fail
// on the revocation set before any full verification.
func (s *Service) Revoke(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	s.tokens.remove(token)
	s.cache.Revoke(token, s.now())
}

func (s *Service) issue(ident user.Identity) (Session, error) {
	value, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:     value,
		UserID:    ident.ID,
		Username:  ident.Username,
		ExpiresAt: s.now().Add(s.tokenTTL),
	}
	s.tokens.store(session)
	return session, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hashed, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type tokenStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newTokenStore() *tokenStore {
	return &tokenStore{sessions: make(map[string]Session)}
}

func (t *tokenStore) store(session Session) {
	t.mu.Lock()
	t.sessions[session.Token] = session
	t.mu.Unlock()
}

func (t *tokenStore) remove(token string) {
	t.mu.Lock()
	delete(t.sessions, token)
	t.mu.Unlock()
}

func (t *tokenStore) validate(now time.Time, token string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[token]
	if !ok {
		return Session{}, ErrUnauthorized
	}
	if !session.ExpiresAt.IsZero() && now.After(session.ExpiresAt) {
		delete(t.sessions, token)
		return Session{}, ErrTokenExpired
	}
	return session, nil
}
