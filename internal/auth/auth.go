package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/4xmen/hamdam/internal/api"
	"github.com/4xmen/hamdam/internal/db"
)

var ErrNotSignedIn = errors.New("not signed in")

// Claims mirrors the backend's access token payload. Tokens are issued and
// verified by the backend; the client only reads them.
type Claims struct {
	ID int `json:"id"`
	jwt.RegisteredClaims
}

func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ID <= 0 {
		return nil, fmt.Errorf("failed to parse token: missing user id")
	}
	return claims, nil
}

// Session is the decrypted signed-in state.
type Session struct {
	UserID    int
	Email     string
	Token     string
	ExpiresAt time.Time
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type SignInClient interface {
	SignIn(ctx context.Context, email, password string) (*api.TokenResponse, error)
}

type Store interface {
	SaveSession(s db.Session) error
	LoadSession() (*db.Session, error)
	DeleteSession() error
}

type Service struct {
	store  Store
	sealer *Sealer
	client SignInClient
	now    func() time.Time

	mu     sync.Mutex
	cached *Session
}

func New(store Store, sealer *Sealer, client SignInClient) *Service {
	return &Service{
		store:  store,
		sealer: sealer,
		client: client,
		now:    time.Now,
	}
}

// Login signs in against the backend and persists the session.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	resp, err := s.client.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}

	claims, err := ParseClaims(resp.AccessToken)
	if err != nil {
		return nil, err
	}

	session := &Session{
		UserID: claims.ID,
		Email:  email,
		Token:  resp.AccessToken,
	}
	switch {
	case claims.ExpiresAt != nil:
		session.ExpiresAt = claims.ExpiresAt.Time.UTC()
	case resp.ExpiresIn > 0:
		session.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}

	sealed, err := s.sealer.Seal([]byte(session.Token))
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveSession(db.Session{
		UserID:    session.UserID,
		Email:     session.Email,
		Token:     sealed,
		ExpiresAt: session.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	s.remember(session)
	log.Printf("auth: signed in user_id=%d expires_at=%s", session.UserID, session.ExpiresAt.Format(time.RFC3339))
	return session, nil
}

func (s *Service) Logout() error {
	s.remember(nil)
	if err := s.store.DeleteSession(); err != nil {
		return err
	}
	log.Printf("auth: signed out")
	return nil
}

// Current returns the stored session, or ErrNotSignedIn when there is none.
// Expired sessions are returned as well; the backend rejects their token.
// The unsealed session is kept until the next Login or Logout.
func (s *Service) Current() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		session := *s.cached
		return &session, nil
	}

	stored, err := s.store.LoadSession()
	if err != nil {
		if errors.Is(err, db.ErrNoSession) {
			return nil, ErrNotSignedIn
		}
		return nil, err
	}

	token, err := s.sealer.Open(stored.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal session: %w", err)
	}

	s.cached = &Session{
		UserID:    stored.UserID,
		Email:     stored.Email,
		Token:     string(token),
		ExpiresAt: stored.ExpiresAt,
	}
	session := *s.cached
	return &session, nil
}

func (s *Service) remember(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session == nil {
		s.cached = nil
		return
	}
	cached := *session
	s.cached = &cached
}

// Token implements api.TokenSource.
func (s *Service) Token() (string, error) {
	session, err := s.Current()
	if err != nil {
		return "", err
	}
	return session.Token, nil
}

func (s *Service) UserID() (int, error) {
	session, err := s.Current()
	if err != nil {
		return 0, err
	}
	return session.UserID, nil
}
