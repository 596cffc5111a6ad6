package service

import (
	"context"
	"testing"

	"github.com/layer-3/sentinel/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessaging_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.register("alice"), h.register("bob")
	aliceToken, bobToken := h.login(alice), h.login(bob)

	plaintext := []byte("wire the funds on friday")
	env, err := h.messages.Send(ctx, aliceToken, bob.principal.ID, plaintext)
	require.NoError(t, err)
	assert.Equal(t, alice.principal.ID, env.SenderID)
	assert.Equal(t, bob.principal.ID, env.RecipientID)
	assert.Equal(t, core.ContentAlgorithmAESGCM, env.ContentAlgorithm)
	assert.Equal(t, core.WrapAlgorithmECIES, env.WrapAlgorithm)
	assert.NotContains(t, string(env.Ciphertext), "friday")

	got, err := h.messages.Read(ctx, bobToken, env, bob.password)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	got, err = h.messages.Open(ctx, bobToken, env.ID, bob.password)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	inbox, err := h.messages.Inbox(ctx, bobToken)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, env.ID, inbox[0].ID)

	inbox, err = h.messages.Inbox(ctx, aliceToken)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	sends := h.sink.byAction(core.ActionMessageSend)
	require.Len(t, sends, 1)
	assert.Equal(t, core.AuditSuccess, sends[0].Status)
	assert.NotContains(t, sends[0].Detail, "friday")
}

func TestMessaging_ContentKeysAreFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.register("alice"), h.register("bob")
	token := h.login(alice)

	first, err := h.messages.Send(ctx, token, bob.principal.ID, []byte("same"))
	require.NoError(t, err)
	second, err := h.messages.Send(ctx, token, bob.principal.ID, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.NotEqual(t, first.WrappedKey, second.WrappedKey)
	assert.NotEqual(t, first.IV, second.IV)
}

func TestMessaging_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.register("alice"), h.register("bob"), h.register("carol")
	aliceToken, bobToken, carolToken := h.login(alice), h.login(bob), h.login(carol)

	env, err := h.messages.Send(ctx, aliceToken, bob.principal.ID, []byte("for bob only"))
	require.NoError(t, err)

	t.Run("unknown recipient", func(t *testing.T) {
		_, err := h.messages.Send(ctx, aliceToken, "ghost", []byte("hi"))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("empty message", func(t *testing.T) {
		_, err := h.messages.Send(ctx, aliceToken, bob.principal.ID, nil)
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("not the recipient", func(t *testing.T) {
		_, err := h.messages.Read(ctx, carolToken, env, carol.password)
		assert.ErrorIs(t, err, core.ErrForbidden)

		_, err = h.messages.Read(ctx, aliceToken, env, alice.password)
		assert.ErrorIs(t, err, core.ErrForbidden)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := h.messages.Read(ctx, bobToken, env, "not-bobs-password")
		assert.ErrorIs(t, err, core.ErrDecryptionFailed)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := env.Clone()
		tampered.Ciphertext[0] ^= 0xff
		_, err := h.messages.Read(ctx, bobToken, tampered, bob.password)
		assert.ErrorIs(t, err, core.ErrDecryptionFailed)
	})

	t.Run("tampered wrapped key", func(t *testing.T) {
		tampered := env.Clone()
		tampered.WrappedKey[len(tampered.WrappedKey)-1] ^= 0xff
		_, err := h.messages.Read(ctx, bobToken, tampered, bob.password)
		assert.ErrorIs(t, err, core.ErrDecryptionFailed)
	})

	t.Run("rebound to another envelope id", func(t *testing.T) {
		tampered := env.Clone()
		tampered.ID = "other"
		_, err := h.messages.Read(ctx, bobToken, tampered, bob.password)
		assert.ErrorIs(t, err, core.ErrDecryptionFailed)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		tampered := env.Clone()
		tampered.ContentAlgorithm = "rot13"
		_, err := h.messages.Read(ctx, bobToken, tampered, bob.password)
		assert.ErrorIs(t, err, core.ErrDecryptionFailed)
	})

	t.Run("missing envelope", func(t *testing.T) {
		_, err := h.messages.Open(ctx, bobToken, "missing", bob.password)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := h.messages.Read(ctx, "bogus", env, bob.password)
		assert.ErrorIs(t, err, core.ErrInvalidToken)
	})

	reads := h.sink.byAction(core.ActionMessageRead)
	require.NotEmpty(t, reads)
	for _, e := range reads {
		assert.Equal(t, core.AuditFailure, e.Status)
	}
}
