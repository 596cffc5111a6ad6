package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	totpPeriod = 30

	maxUsernameLength = 64
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit
)

// Authenticator resolves a bearer token to the principal holding it
type Authenticator interface {
	VerifyToken(ctx context.Context, token string) (*core.Principal, *core.Session, error)
}

// RegisterRequest carries the enrollment inputs
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// AuthService enrolls principals, authenticates them with password and TOTP
// and verifies session tokens
type AuthService struct {
	store     ports.PrincipalStore
	vault     ports.KeyVault
	tokenizer ports.Tokenizer
	audit     auditor
	log       zerolog.Logger
	cfg       settings

	// dummyHash is compared against when the username is unknown so both
	// failure paths cost one bcrypt verification.
	dummyHash []byte
}

// NewAuthService creates a new authentication service
func NewAuthService(
	store ports.PrincipalStore,
	vault ports.KeyVault,
	tokenizer ports.Tokenizer,
	sink ports.AuditSink,
	log zerolog.Logger,
	opts ...Option,
) (*AuthService, error) {
	cfg := buildSettings(opts)

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("invalid bcrypt cost %d: %w", cfg.bcryptCost, core.ErrConfig)
	}

	return &AuthService{
		store:     store,
		vault:     vault,
		tokenizer: tokenizer,
		audit:     auditor{sink: sink, now: cfg.now},
		log:       log.With().Str("component", "auth").Logger(),
		cfg:       cfg,
		dummyHash: dummy,
	}, nil
}

// Register enrolls a new principal. The returned enrollment is the only time
// the TOTP secret leaves the engine.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*core.Principal, *core.TOTPEnrollment, error) {
	principal, enrollment, err := s.register(ctx, req)
	if err != nil {
		s.audit.record(ctx, "", core.ActionRegister, err, "")
		return nil, nil, err
	}

	s.audit.record(ctx, principal.ID, core.ActionRegister, nil, "registered")
	s.log.Info().Str("principal_id", principal.ID).Str("username", principal.Username).Msg("principal registered")

	return principal, enrollment, nil
}

func (s *AuthService) register(ctx context.Context, req RegisterRequest) (*core.Principal, *core.TOTPEnrollment, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if err := validateRegistration(username, email, req.Password); err != nil {
		return nil, nil, err
	}

	// Hash password
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.bcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// Generate TOTP secret
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.totpIssuer,
		AccountName: username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	// Generate and seal the signing key
	priv, pub, err := s.vault.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	defer s.vault.Destroy(priv)

	blob, err := s.vault.EncryptPrivateKey(priv, req.Password)
	if err != nil {
		return nil, nil, err
	}

	principal := &core.Principal{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		TOTPSecret:   key.Secret(),
		PublicKey:    pub,
		EncryptedKey: blob,
		Role:         core.RoleUser,
		CreatedAt:    s.cfg.now().UTC(),
	}

	if err := s.store.CreatePrincipal(ctx, principal); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil, nil, fmt.Errorf("username or email already registered: %w", core.ErrConflict)
		}
		return nil, nil, fmt.Errorf("failed to store principal: %w", err)
	}

	return principal, &core.TOTPEnrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

func validateRegistration(username, email, password string) error {
	switch {
	case username == "" || len(username) > maxUsernameLength:
		return fmt.Errorf("username must be 1-%d characters: %w", maxUsernameLength, core.ErrInvalidInput)
	case strings.ContainsAny(username, " \t\r\n:"):
		return fmt.Errorf("username contains forbidden characters: %w", core.ErrInvalidInput)
	case !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@"):
		return fmt.Errorf("email is malformed: %w", core.ErrInvalidInput)
	case len(password) < minPasswordLength || len(password) > maxPasswordLength:
		return fmt.Errorf("password must be %d-%d bytes: %w", minPasswordLength, maxPasswordLength, core.ErrInvalidInput)
	}
	return nil
}

// Login checks password and TOTP, advances the principal nonce and returns a
// token bound to the new nonce. Every earlier token is superseded.
func (s *AuthService) Login(ctx context.Context, username, password, totpCode string) (string, *core.Session, error) {
	principal, err := s.store.LoadPrincipalByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			s.audit.record(ctx, "", core.ActionLogin, err, "")
			return "", nil, fmt.Errorf("failed to load principal: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.audit.record(ctx, "", core.ActionLogin, core.ErrInvalidCredentials, "")
		return "", nil, core.ErrInvalidCredentials
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword(principal.PasswordHash, []byte(password)); err != nil {
		s.audit.record(ctx, principal.ID, core.ActionLogin, core.ErrInvalidCredentials, "")
		return "", nil, core.ErrInvalidCredentials
	}

	// Verify second factor
	if !s.validTOTP(totpCode, principal.TOTPSecret) {
		s.audit.record(ctx, principal.ID, core.ActionLogin, core.ErrInvalidTOTP, "")
		return "", nil, core.ErrInvalidTOTP
	}

	nonce, err := s.advanceNonce(ctx, principal.ID)
	if err != nil {
		s.audit.record(ctx, principal.ID, core.ActionLogin, err, "")
		return "", nil, err
	}

	now := s.cfg.now()
	session := &core.Session{
		ID:          uuid.NewString(),
		PrincipalID: principal.ID,
		Username:    principal.Username,
		Nonce:       nonce,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.tokenTTL),
	}

	token, err := s.tokenizer.Issue(session)
	if err != nil {
		s.audit.record(ctx, principal.ID, core.ActionLogin, err, "")
		return "", nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.audit.record(ctx, principal.ID, core.ActionLogin, nil, fmt.Sprintf("nonce %d", nonce))
	s.log.Info().Str("principal_id", principal.ID).Uint64("nonce", nonce).Msg("login succeeded")

	return token, session, nil
}

func (s *AuthService) validTOTP(code, secret string) bool {
	code = strings.TrimSpace(code)
	if len(code) != otp.DigitsSix.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.cfg.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      s.cfg.totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// advanceNonce increments the stored nonce and returns the value that was persisted
func (s *AuthService) advanceNonce(ctx context.Context, principalID string) (uint64, error) {
	var nonce uint64
	err := withContention(ctx, s.cfg.maxAttempts, s.cfg.retryDelay, func(ctx context.Context) error {
		current, err := s.store.LoadPrincipal(ctx, principalID)
		if err != nil {
			return err
		}
		current.Nonce++
		if err := s.store.SavePrincipal(ctx, current, current.Version); err != nil {
			return err
		}
		nonce = current.Nonce
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance nonce: %w", err)
	}
	return nonce, nil
}

// VerifyToken checks integrity, expiry and that the token carries the
// principal's current nonce
func (s *AuthService) VerifyToken(ctx context.Context, token string) (*core.Principal, *core.Session, error) {
	session, err := s.tokenizer.Parse(token)
	if err != nil {
		return nil, nil, err
	}

	principal, err := s.store.LoadPrincipal(ctx, session.PrincipalID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil, core.ErrInvalidToken
		}
		return nil, nil, fmt.Errorf("failed to load principal: %w", err)
	}

	if principal.Nonce != session.Nonce {
		return nil, nil, core.ErrSuperseded
	}

	return principal, session, nil
}

// Principal returns the public profile of the token holder
func (s *AuthService) Principal(ctx context.Context, token string) (core.PublicProfile, error) {
	principal, _, err := s.VerifyToken(ctx, token)
	if err != nil {
		return core.PublicProfile{}, err
	}
	return principal.Profile(), nil
}

// Directory lists every other principal's public profile
func (s *AuthService) Directory(ctx context.Context, token string) ([]core.PublicProfile, error) {
	caller, _, err := s.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	principals, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}

	profiles := make([]core.PublicProfile, 0, len(principals))
	for _, p := range principals {
		if p.ID == caller.ID {
			continue
		}
		profiles = append(profiles, p.Profile())
	}
	return profiles, nil
}
