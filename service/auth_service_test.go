package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.register("alice")
	assert.NotEmpty(t, alice.principal.ID)
	assert.Equal(t, core.RoleUser, alice.principal.Role)
	assert.Zero(t, alice.principal.Nonce)
	assert.True(t, strings.HasPrefix(alice.enrollment.ProvisioningURI, "otpauth://totp/"))
	assert.Equal(t, alice.principal.TOTPSecret, alice.enrollment.Secret)

	// the sealed key opens with the password and matches the stored public key
	priv, err := h.vault.DecryptPrivateKey(alice.principal.EncryptedKey, alice.password)
	require.NoError(t, err)
	assert.Equal(t, alice.principal.PublicKey, crypto.FromECDSAPub(&priv.PublicKey))
	assert.NotContains(t, string(alice.principal.PasswordHash), alice.password)

	t.Run("duplicate username", func(t *testing.T) {
		_, _, err := h.auth.Register(ctx, RegisterRequest{Username: "ALICE", Email: "other@example.com", Password: "long-enough"})
		assert.ErrorIs(t, err, core.ErrConflict)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, _, err := h.auth.Register(ctx, RegisterRequest{Username: "alice2", Email: "alice@example.com", Password: "long-enough"})
		assert.ErrorIs(t, err, core.ErrConflict)
	})

	t.Run("invalid input", func(t *testing.T) {
		for name, req := range map[string]RegisterRequest{
			"empty username": {Username: " ", Email: "x@example.com", Password: "long-enough"},
			"bad email":      {Username: "xavier", Email: "nope", Password: "long-enough"},
			"short password": {Username: "xavier", Email: "x@example.com", Password: "short"},
			"long password":  {Username: "xavier", Email: "x@example.com", Password: strings.Repeat("p", 73)},
		} {
			_, _, err := h.auth.Register(ctx, req)
			assert.ErrorIs(t, err, core.ErrInvalidInput, name)
		}
	})

	events := h.sink.byAction(core.ActionRegister)
	require.NotEmpty(t, events)
	assert.Equal(t, core.AuditSuccess, events[0].Status)
	assert.Equal(t, core.AuditFailure, events[len(events)-1].Status)
	for _, e := range events {
		assert.NotContains(t, e.Detail, "long-enough")
	}
}

func TestLogin_NonceAdvancesAndSupersedes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")

	first, session, err := h.auth.Login(ctx, "alice", alice.password, h.code(alice, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), session.Nonce)

	p, s, err := h.auth.VerifyToken(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, alice.principal.ID, p.ID)
	assert.Equal(t, uint64(1), s.Nonce)

	second, session, err := h.auth.Login(ctx, "alice", alice.password, h.code(alice, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), session.Nonce)

	_, _, err = h.auth.VerifyToken(ctx, first)
	assert.ErrorIs(t, err, core.ErrSuperseded)

	_, s, err = h.auth.VerifyToken(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Nonce)

	stored, err := h.store.LoadPrincipal(ctx, alice.principal.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stored.Nonce)
}

func TestLogin_Failures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")

	_, _, err := h.auth.Login(ctx, "mallory", "whatever-password", "000000")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	_, _, err = h.auth.Login(ctx, "alice", "wrong-password", h.code(alice, 0))
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	_, _, err = h.auth.Login(ctx, "alice", alice.password, "12345")
	assert.ErrorIs(t, err, core.ErrInvalidTOTP)

	// failed attempts never advance the nonce
	stored, err := h.store.LoadPrincipal(ctx, alice.principal.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Nonce)

	events := h.sink.byAction(core.ActionLogin)
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, core.AuditFailure, e.Status)
	}
	assert.Empty(t, events[0].PrincipalID)
	assert.Equal(t, alice.principal.ID, events[1].PrincipalID)
}

// unavailableStore fails username lookups the way a lost backend connection would
type unavailableStore struct {
	ports.Store
}

func (unavailableStore) LoadPrincipalByUsername(ctx context.Context, username string) (*core.Principal, error) {
	return nil, errors.New("connection refused")
}

func TestLogin_StoreFailureIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")

	auth, err := NewAuthService(unavailableStore{h.store}, h.vault, h.tokenizer, h.sink, zerolog.Nop(),
		WithClock(h.clock.Now), WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	_, _, err = auth.Login(ctx, "alice", alice.password, h.code(alice, 0))
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrInvalidCredentials)
	assert.ErrorContains(t, err, "connection refused")

	events := h.sink.byAction(core.ActionLogin)
	require.Len(t, events, 1)
	assert.Equal(t, core.AuditFailure, events[0].Status)
	assert.Equal(t, "internal error", events[0].Detail)
	assert.NotContains(t, events[0].Detail, "connection refused")
}

func TestLogin_TOTPSkew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")

	for _, tc := range []struct {
		offset time.Duration
		ok     bool
	}{
		{0, true},
		{30 * time.Second, true},
		{-30 * time.Second, true},
		{60 * time.Second, false},
		{-60 * time.Second, false},
	} {
		_, _, err := h.auth.Login(ctx, "alice", alice.password, h.code(alice, tc.offset))
		if tc.ok {
			assert.NoError(t, err, "offset %s", tc.offset)
		} else {
			assert.ErrorIs(t, err, core.ErrInvalidTOTP, "offset %s", tc.offset)
		}
	}
}

func TestLogin_ConcurrentLoginsGetDistinctNonces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")
	code := h.code(alice, 0)

	const n = 5
	nonces := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, session, err := h.auth.Login(ctx, "alice", alice.password, code)
			if assert.NoError(t, err) {
				nonces <- session.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)

	seen := map[uint64]bool{}
	for nonce := range nonces {
		assert.False(t, seen[nonce], "nonce %d issued twice", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, n)

	stored, err := h.store.LoadPrincipal(ctx, alice.principal.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), stored.Nonce)
}

func TestVerifyToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")
	token := h.login(alice)

	t.Run("garbage", func(t *testing.T) {
		_, _, err := h.auth.VerifyToken(ctx, "not-a-token")
		assert.ErrorIs(t, err, core.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		h.clock.Advance(16 * time.Minute)
		defer h.clock.Advance(-16 * time.Minute)

		_, _, err := h.auth.VerifyToken(ctx, token)
		assert.ErrorIs(t, err, core.ErrTokenExpired)
	})

	t.Run("valid", func(t *testing.T) {
		p, _, err := h.auth.VerifyToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "alice", p.Username)
	})
}

func TestPrincipalAndDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register("alice")
	h.register("bob")
	h.register("carol")
	token := h.login(alice)

	me, err := h.auth.Principal(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, alice.principal.ID, me.ID)
	assert.Equal(t, alice.principal.PublicKey, me.PublicKey)

	dir, err := h.auth.Directory(ctx, token)
	require.NoError(t, err)
	require.Len(t, dir, 2)
	for _, p := range dir {
		assert.NotEqual(t, alice.principal.ID, p.ID)
		assert.Len(t, p.PublicKey, 65)
	}

	_, err = h.auth.Directory(ctx, "bogus")
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}
