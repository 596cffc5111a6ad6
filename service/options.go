package service

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type settings struct {
	tokenTTL    time.Duration
	totpIssuer  string
	totpSkew    uint
	bcryptCost  int
	expiry      time.Duration
	maxAttempts uint64
	retryDelay  time.Duration
	claimLease  time.Duration
	now         func() time.Time
}

func defaultSettings() settings {
	return settings{
		tokenTTL:    15 * time.Minute,
		totpIssuer:  "Sentinel",
		totpSkew:    1,
		bcryptCost:  bcrypt.DefaultCost,
		expiry:      72 * time.Hour,
		maxAttempts: 5,
		retryDelay:  10 * time.Millisecond,
		claimLease:  time.Minute,
		now:         time.Now,
	}
}

// Option tunes a service
type Option func(*settings)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithTokenTTL sets how long session tokens stay valid
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *settings) { s.tokenTTL = ttl }
}

// WithTOTP sets the issuer shown in authenticator apps and the accepted step skew
func WithTOTP(issuer string, skew uint) Option {
	return func(s *settings) {
		s.totpIssuer = issuer
		s.totpSkew = skew
	}
}

// WithBcryptCost sets the password verifier cost
func WithBcryptCost(cost int) Option {
	return func(s *settings) { s.bcryptCost = cost }
}

// WithExpiry sets the lifetime of new pending transactions
func WithExpiry(window time.Duration) Option {
	return func(s *settings) { s.expiry = window }
}

// WithRetry bounds versioned-save retries under contention
func WithRetry(maxAttempts uint64, delay time.Duration) Option {
	return func(s *settings) {
		s.maxAttempts = maxAttempts
		s.retryDelay = delay
	}
}

// WithClaimLease sets how long an execution claim blocks other callers. A
// claim older than the lease is treated as abandoned and may be taken over.
func WithClaimLease(lease time.Duration) Option {
	return func(s *settings) { s.claimLease = lease }
}

func buildSettings(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
