// Package auth signs users in with their password and authenticates later
// requests by API token or signed session cookie.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/wjbmattingly/vlamy/internal/store"
)

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrPendingApproval    = errors.New("account is pending administrator approval")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidCookie      = errors.New("invalid session cookie")
)

// UserStore is the subset of *store.Store used here.
type UserStore interface {
	UserByUsername(ctx context.Context, username string) (*store.User, error)
	ProfileForUser(ctx context.Context, userID uint) (*store.UserProfile, error)
	TokenForUser(ctx context.Context, userID uint) (*store.AuthToken, error)
	UserByToken(ctx context.Context, key string) (*store.User, error)
	DeleteToken(ctx context.Context, key string) error
	TouchLastLogin(ctx context.Context, userID uint) error
	SetActive(ctx context.Context, userID uint, active bool) error
}

// Session is the outcome of a successful Login.
type Session struct {
	Token string
	User  *store.User
}

// Authenticator checks credentials against the store. Resolved tokens are
// cached for the configured TTL; Logout and SetActive evict them
// immediately. An account disabled by writing to the store directly keeps
// authenticating until its cache entry expires.
type Authenticator struct {
	users  UserStore
	tokens *cache.Cache
	secret []byte
}

// New returns an Authenticator. secret signs session cookies and must be the
// process SECRET_KEY.
func New(users UserStore, secret string, cacheTTL time.Duration) *Authenticator {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Authenticator{
		users:  users,
		tokens: cache.New(cacheTTL, 2*cacheTTL),
		secret: []byte(secret),
	}
}

// Login verifies username and password and returns the user's API token,
// creating it on first login. Accounts that are inactive or not yet
// approved are refused; superusers need no approval.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	u, err := a.users.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !u.CheckPassword(password) {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}

	if !u.IsSuperuser {
		p, err := a.users.ProfileForUser(ctx, u.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrPendingApproval
		case err != nil:
			return nil, fmt.Errorf("login: %w", err)
		case !p.IsApproved:
			return nil, ErrPendingApproval
		}
	}

	tok, err := a.users.TokenForUser(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := a.users.TouchLastLogin(ctx, u.ID); err != nil {
		slog.WarnContext(ctx, "recording last login failed", "user_id", u.ID, "error", err)
	}

	slog.InfoContext(ctx, "user signed in", "user_id", u.ID, "username", u.Username)
	return &Session{Token: tok.Key, User: u}, nil
}

// Authenticate resolves an API token to an active user.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*store.User, error) {
	if key == "" {
		return nil, ErrInvalidToken
	}
	if v, ok := a.tokens.Get(key); ok {
		u := *v.(*store.User)
		return &u, nil
	}

	u, err := a.users.UserByToken(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating token: %w", err)
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}

	cached := *u
	a.tokens.SetDefault(key, &cached)
	return u, nil
}

// Logout revokes key.
func (a *Authenticator) Logout(ctx context.Context, key string) error {
	a.tokens.Delete(key)
	if err := a.users.DeleteToken(ctx, key); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// SetActive enables or disables an account. Disabling it evicts every
// cached token of that user, so the next request is refused.
func (a *Authenticator) SetActive(ctx context.Context, userID uint, active bool) error {
	if err := a.users.SetActive(ctx, userID, active); err != nil {
		return fmt.Errorf("setting account state: %w", err)
	}
	if !active {
		for key, item := range a.tokens.Items() {
			if u, ok := item.Object.(*store.User); ok && u.ID == userID {
				a.tokens.Delete(key)
			}
		}
		slog.InfoContext(ctx, "account disabled", "user_id", userID)
	}
	return nil
}

// SignCookie returns "<token>.<signature>" for use as the session cookie.
func (a *Authenticator) SignCookie(token string) string {
	return token + "." + a.sign(token)
}

// VerifyCookie checks the signature of a session cookie and returns the
// token it carries.
func (a *Authenticator) VerifyCookie(value string) (string, error) {
	token, sig, ok := strings.Cut(value, ".")
	if !ok || token == "" || sig == "" {
		return "", ErrInvalidCookie
	}
	if !hmac.Equal([]byte(sig), []byte(a.sign(token))) {
		return "", ErrInvalidCookie
	}
	return token, nil
}

func (a *Authenticator) sign(token string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
