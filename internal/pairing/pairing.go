// Package pairing issues short-lived numeric codes that bind a mobile
// producer to a desktop consumer via a named channel.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an unclaimed code stays valid.
	DefaultTTL = 10 * time.Minute

	// DefaultGCInterval is the sweep cadence for expired codes.
	DefaultGCInterval = time.Minute

	codeSpace = 1000000 // 6 digits, zero-padded
)

var (
	ErrCodeInvalid     = errors.New("pairing: code invalid")
	ErrCodeExpired     = errors.New("pairing: code expired")
	ErrCodeAlreadyUsed = errors.New("pairing: code already used")
	ErrNoDesktop       = errors.New("pairing: no live desktop for code")
)

// PairCode is an issued, not yet claimed code.
type PairCode struct {
	Code           string    `json:"code"`
	ChannelID      string    `json:"channel_id"`
	DesktopSession string    `json:"-"`
	PrincipalID    string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// PairResult is returned from a successful claim.
type PairResult struct {
	ChannelID      string `json:"channel_id"`
	DesktopSession string `json:"-"`
	PrincipalID    string `json:"-"`
}

type pairing struct {
	desktopSession string
	principalID    string
	expiresAt      time.Time
	claimed        bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithDesktopAlive installs the liveness check consulted on claim. Without
// one, every desktop is assumed live.
func WithDesktopAlive(alive func(sessionID string) bool) Option {
	return func(r *Registry) { r.desktopAlive = alive }
}

// Registry owns the active pair codes. A single mutex guards the code
// table; all methods are safe for concurrent use.
type Registry struct {
	ttl          time.Duration
	desktopAlive func(sessionID string) bool

	mu    sync.Mutex
	codes map[string]*pairing

	now func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ttl:   DefaultTTL,
		codes: make(map[string]*pairing),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Issue generates a random 6-digit code not currently active, binds it to
// the desktop session and its principal, and returns it with channel id
// "pair-<code>".
func (r *Registry) Issue(desktopSessionID, principalID string) (*PairCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var code string
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
		if err != nil {
			return nil, fmt.Errorf("pairing: generate code: %w", err)
		}
		code = fmt.Sprintf("%06d", n.Int64())
		p, active := r.codes[code]
		if !active || now.After(p.expiresAt) {
			break
		}
	}

	expires := now.Add(r.ttl)
	r.codes[code] = &pairing{
		desktopSession: desktopSessionID,
		principalID:    principalID,
		expiresAt:      expires,
	}
	slog.Debug("pair code issued", "channel", "pair-"+code, "expires_at", expires)
	return &PairCode{
		Code:           code,
		ChannelID:      "pair-" + code,
		DesktopSession: desktopSessionID,
		PrincipalID:    principalID,
		ExpiresAt:      expires,
	}, nil
}

// Claim consumes an active code on behalf of a mobile session. A code can
// be claimed exactly once; claiming requires the issuing desktop to still
// be live.
func (r *Registry) Claim(code, mobileSessionID string) (*PairResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.codes[code]
	if !ok {
		return nil, ErrCodeInvalid
	}
	if r.now().After(p.expiresAt) {
		delete(r.codes, code)
		return nil, ErrCodeExpired
	}
	if p.claimed {
		return nil, ErrCodeAlreadyUsed
	}
	if r.desktopAlive != nil && !r.desktopAlive(p.desktopSession) {
		return nil, ErrNoDesktop
	}

	p.claimed = true
	slog.Info("pair code claimed", "channel", "pair-"+code, "mobile_session", mobileSessionID)
	return &PairResult{
		ChannelID:      "pair-" + code,
		DesktopSession: p.desktopSession,
		PrincipalID:    p.principalID,
	}, nil
}

// Peek validates a code without consuming it. Used by the mobile token
// endpoint, which inherits the desktop's identity before the WebSocket
// claim happens.
func (r *Registry) Peek(code string) (*PairCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.codes[code]
	if !ok {
		return nil, ErrCodeInvalid
	}
	if r.now().After(p.expiresAt) {
		delete(r.codes, code)
		return nil, ErrCodeExpired
	}
	if p.claimed {
		return nil, ErrCodeAlreadyUsed
	}
	return &PairCode{
		Code:           code,
		ChannelID:      "pair-" + code,
		DesktopSession: p.desktopSession,
		PrincipalID:    p.principalID,
		ExpiresAt:      p.expiresAt,
	}, nil
}

// Revoke withdraws a code regardless of its state. Issue-side failures use
// it so a code never outlives the channel it was bound to.
func (r *Registry) Revoke(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[code]; ok {
		delete(r.codes, code)
		slog.Debug("pair code revoked", "channel", "pair-"+code)
	}
}

// GC removes expired codes and returns how many were swept.
func (r *Registry) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	swept := 0
	for code, p := range r.codes {
		if now.After(p.expiresAt) {
			delete(r.codes, code)
			swept++
		}
	}
	if swept > 0 {
		slog.Debug("pair codes swept", "count", swept)
	}
	return swept
}

// Run sweeps expired codes periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.GC()
		}
	}
}

// Active returns the number of codes currently tracked, expired or not.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}
