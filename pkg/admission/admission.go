// Package admission decides whether a caller may use the service.
//
// Every HTTP request and every WebSocket upgrade goes through Authorize, which
// runs two checks in order: the credential (constant-time comparison against the
// configured keys) and the caller's token bucket. Buckets are created lazily per
// identity and live for the process lifetime.
package admission

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Decision describes an admitted request.
type Decision struct {
	// Identity is the hashed bucket key the request was charged to.
	Identity string

	// Remaining is the number of tokens left in the bucket after this request.
	Remaining float64
}

// Stats contains admission counters.
type Stats struct {
	Admitted     uint64 `json:"admitted"`
	DeniedAuth   uint64 `json:"denied_auth"`
	DeniedRate   uint64 `json:"denied_rate"`
	IdentityKeys int    `json:"identity_keys"`
}

// Controller gatekeeps requests with a credential check and per-identity token buckets.
type Controller struct {
	config *Config
	keys   [][sha256.Size]byte
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	admitted   atomic.Uint64
	deniedAuth atomic.Uint64
	deniedRate atomic.Uint64
}

// New creates a controller.
func New(opts ...Option) (*Controller, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keys := make([][sha256.Size]byte, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, sha256.Sum256([]byte(k)))
	}

	return &Controller{
		config:  cfg,
		keys:    keys,
		logger:  cfg.Logger.With("component", "admission"),
		buckets: make(map[string]*rate.Limiter),
	}, nil
}

// Authorize checks the credential and then charges one token to the caller's bucket.
//
// origin is the caller address. It is the identity unless a credential was
// validated against the configured keys. On denial no token is consumed.
func (c *Controller) Authorize(origin, credential string) (*Decision, error) {
	if err := c.checkCredential(credential); err != nil {
		c.deniedAuth.Add(1)
		c.logger.Warn("admission denied", "reason", "credential", "identity", IdentityKey(origin, ""))
		return nil, err
	}

	identity := c.identity(origin, credential)
	if !c.config.RateLimitEnabled {
		c.admitted.Add(1)
		return &Decision{Identity: identity, Remaining: -1}, nil
	}

	lim := c.bucket(identity)
	now := c.config.Now()
	if !lim.AllowN(now, 1) {
		c.deniedRate.Add(1)
		err := &RateLimitedError{
			Identity:   identity,
			RetryAfter: retryAfter(lim, now),
		}
		c.logger.Warn("admission denied",
			"reason", "rate_limit",
			"identity", identity,
			"retry_after", err.RetryAfter,
		)
		return nil, err
	}

	c.admitted.Add(1)
	return &Decision{Identity: identity, Remaining: lim.TokensAt(now)}, nil
}

// Tokens returns the current token count for a caller, creating the bucket if needed.
func (c *Controller) Tokens(origin, credential string) float64 {
	if !c.config.RateLimitEnabled {
		return -1
	}
	return c.bucket(c.identity(origin, credential)).TokensAt(c.config.Now())
}

// identity picks the bucket key. Without auth the credential is unchecked
// and caller chosen, so only the origin counts.
func (c *Controller) identity(origin, credential string) string {
	if !c.config.AuthEnabled {
		credential = ""
	}
	return IdentityKey(origin, credential)
}

// NewMessageLimiter returns the per-message limiter for one admitted connection.
// It returns nil when per-message limiting is disabled; a nil limiter allows everything.
func (c *Controller) NewMessageLimiter() *MessageLimiter {
	if c.config.MessagesPerSecond <= 0 {
		return nil
	}
	burst := c.config.MessageBurst
	if burst <= 0 {
		burst = int(c.config.MessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &MessageLimiter{
		lim: rate.NewLimiter(rate.Limit(c.config.MessagesPerSecond), burst),
		now: c.config.Now,
	}
}

// AuthRequired reports whether callers must present a credential.
func (c *Controller) AuthRequired() bool {
	return c.config.AuthEnabled
}

// GetStats returns admission counters.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	n := len(c.buckets)
	c.mu.Unlock()
	return Stats{
		Admitted:     c.admitted.Load(),
		DeniedAuth:   c.deniedAuth.Load(),
		DeniedRate:   c.deniedRate.Load(),
		IdentityKeys: n,
	}
}

func (c *Controller) checkCredential(credential string) error {
	if !c.config.AuthEnabled {
		return nil
	}
	if credential == "" {
		return ErrUnauthenticated
	}

	// Compare digests so every comparison has equal length, and visit every key.
	sum := sha256.Sum256([]byte(credential))
	match := 0
	for i := range c.keys {
		match |= subtle.ConstantTimeCompare(sum[:], c.keys[i][:])
	}
	if match != 1 {
		return ErrInvalidCredential
	}
	return nil
}

func (c *Controller) bucket(identity string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.buckets[identity]
	if !ok {
		lim = rate.NewLimiter(c.config.refillRate(), c.config.capacity())
		c.buckets[identity] = lim
	}
	return lim
}

// retryAfter computes how long until the bucket holds one whole token.
func retryAfter(lim *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 {
		return time.Millisecond
	}
	perSecond := float64(lim.Limit())
	if perSecond <= 0 {
		return time.Hour
	}
	d := time.Duration(missing / perSecond * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// IdentityKey returns the bucket key for a caller. Credentials are hashed so
// raw keys never appear in maps or logs.
func IdentityKey(origin, credential string) string {
	if credential != "" {
		sum := sha256.Sum256([]byte(credential))
		return "k_" + hex.EncodeToString(sum[:16])
	}
	if origin == "" {
		origin = "unknown"
	}
	return "ip_" + origin
}

// MessageLimiter bounds sustained message throughput on one admitted connection.
type MessageLimiter struct {
	lim *rate.Limiter
	now func() time.Time
}

// Allow consumes one token if available.
func (m *MessageLimiter) Allow() bool {
	if m == nil {
		return true
	}
	return m.lim.AllowN(m.now(), 1)
}
