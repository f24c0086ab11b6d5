// Package auth issues and verifies the two credentials the relay uses:
// HTTP-only session cookies for desktop browsers and short-lived bearer
// tokens for WebSocket connections. Mobile tokens are inherited from the
// desktop identity bound to a pair code.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookieName carries the desktop session token.
	SessionCookieName = "dentascribe_session"

	// DefaultWSTokenTTL bounds the bearer tokens minted for WebSocket use.
	DefaultWSTokenTTL = 5 * time.Minute

	// DefaultSessionTTL bounds desktop login sessions.
	DefaultSessionTTL = 12 * time.Hour

	tokenIssuer = "dentascribe"
)

// Device types carried in token claims.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
)

// RoleMobile is the reduced role given to inherited mobile tokens,
// regardless of the desktop principal's own role.
const RoleMobile = "mobile"

var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims is the signed token payload.
type Claims struct {
	jwt.RegisteredClaims

	Role       string `json:"role"`
	DeviceType string `json:"device"`

	// InheritedFrom is set on mobile tokens and names the desktop principal
	// whose identity the token borrows.
	InheritedFrom string `json:"inherited_from,omitempty"`
}

// PrincipalID returns the subject claim.
func (c *Claims) PrincipalID() string { return c.Subject }

// Option configures a TokenService.
type Option func(*TokenService)

// WithWSTokenTTL overrides the WebSocket token lifetime.
func WithWSTokenTTL(ttl time.Duration) Option {
	return func(s *TokenService) { s.wsTokenTTL = ttl }
}

// WithSessionTTL overrides the session cookie lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *TokenService) { s.sessionTTL = ttl }
}

// TokenService signs and verifies HS256 tokens with a symmetric key.
type TokenService struct {
	secret     []byte
	wsTokenTTL time.Duration
	sessionTTL time.Duration

	now func() time.Time
}

// NewTokenService creates a TokenService. The secret must not be empty.
func NewTokenService(secret []byte, opts ...Option) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret must not be empty")
	}
	s := &TokenService{
		secret:     secret,
		wsTokenTTL: DefaultWSTokenTTL,
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// IssueWSToken mints a short-lived bearer token for an authenticated
// desktop principal.
func (s *TokenService) IssueWSToken(principalID, role string) (string, time.Duration, error) {
	token, err := s.sign(principalID, role, DeviceDesktop, "", s.wsTokenTTL)
	return token, s.wsTokenTTL, err
}

// IssueMobileToken mints a bearer token that inherits the desktop identity
// bound to a pair code. The role is reduced to "mobile" and the lifetime is
// capped to the remaining pair-code lifetime.
func (s *TokenService) IssueMobileToken(desktopPrincipalID string, codeExpiresAt time.Time) (string, time.Duration, error) {
	ttl := s.wsTokenTTL
	if remaining := codeExpiresAt.Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return "", 0, ErrTokenExpired
	}
	token, err := s.sign(desktopPrincipalID, RoleMobile, DeviceMobile, desktopPrincipalID, ttl)
	return token, ttl, err
}

// IssueSession mints the desktop session token carried in the cookie.
func (s *TokenService) IssueSession(principalID, role string) (string, time.Time, error) {
	expires := s.now().Add(s.sessionTTL)
	token, err := s.sign(principalID, role, DeviceDesktop, "", s.sessionTTL)
	return token, expires, err
}

func (s *TokenService) sign(principalID, role, device, inheritedFrom string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:          role,
		DeviceType:    device,
		InheritedFrom: inheritedFrom,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (s *TokenService) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ── Cookies ────────────────────────────────────────────────────────────────────

// SetSessionCookie writes the session cookie: HTTP-only, Secure, Lax.
func SetSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromRequest verifies the session cookie on r, if present.
func (s *TokenService) SessionFromRequest(r *http.Request) (*Claims, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return s.Verify(cookie.Value)
}
