package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"github.com/rs/zerolog"
)

const (
	contentKeySize = 32
	contentIVSize  = 12
	maxMessageSize = 64 << 10
)

// MessageService exchanges end-to-end encrypted envelopes between principals
type MessageService struct {
	auth       Authenticator
	envelopes  ports.MessageStore
	principals ports.PrincipalStore
	vault      ports.KeyVault
	audit      auditor
	log        zerolog.Logger
	cfg        settings
}

// NewMessageService creates a new messaging service
func NewMessageService(
	auth Authenticator,
	envelopes ports.MessageStore,
	principals ports.PrincipalStore,
	vault ports.KeyVault,
	sink ports.AuditSink,
	log zerolog.Logger,
	opts ...Option,
) *MessageService {
	cfg := buildSettings(opts)
	return &MessageService{
		auth:       auth,
		envelopes:  envelopes,
		principals: principals,
		vault:      vault,
		audit:      auditor{sink: sink, now: cfg.now},
		log:        log.With().Str("component", "messages").Logger(),
		cfg:        cfg,
	}
}

// Send encrypts plaintext for recipientID under a fresh content key wrapped
// to the recipient's public key
func (s *MessageService) Send(ctx context.Context, token, recipientID string, plaintext []byte) (*core.Envelope, error) {
	sender, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		s.audit.record(ctx, "", core.ActionMessageSend, err, "")
		return nil, err
	}

	env, err := s.send(ctx, sender, recipientID, plaintext)
	if err != nil {
		s.audit.record(ctx, sender.ID, core.ActionMessageSend, err, "")
		return nil, err
	}

	s.audit.record(ctx, sender.ID, core.ActionMessageSend, nil, "envelope "+env.ID+" to "+env.RecipientID)
	s.log.Debug().Str("envelope_id", env.ID).Str("sender", sender.ID).Msg("message sent")

	return env, nil
}

func (s *MessageService) send(ctx context.Context, sender *core.Principal, recipientID string, plaintext []byte) (*core.Envelope, error) {
	if len(plaintext) == 0 || len(plaintext) > maxMessageSize {
		return nil, fmt.Errorf("message must be 1-%d bytes: %w", maxMessageSize, core.ErrInvalidInput)
	}

	recipient, err := s.principals.LoadPrincipal(ctx, recipientID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("recipient %s: %w", recipientID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load recipient: %w", err)
	}

	contentKey := make([]byte, contentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	defer wipe(contentKey)

	iv := make([]byte, contentIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	env := &core.Envelope{
		ID:               uuid.NewString(),
		SenderID:         sender.ID,
		RecipientID:      recipient.ID,
		IV:               iv,
		ContentAlgorithm: core.ContentAlgorithmAESGCM,
		WrapAlgorithm:    core.WrapAlgorithmECIES,
		CreatedAt:        s.cfg.now().UTC(),
	}

	aead, err := contentCipher(contentKey)
	if err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, iv, plaintext, envelopeAAD(env))

	if env.WrappedKey, err = s.vault.Wrap(recipient.PublicKey, contentKey); err != nil {
		return nil, err
	}

	if err := s.envelopes.CreateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to store envelope: %w", err)
	}
	return env, nil
}

// Read decrypts an envelope addressed to the token holder. Every cryptographic
// failure, a wrong password included, is reported as core.ErrDecryptionFailed.
func (s *MessageService) Read(ctx context.Context, token string, env *core.Envelope, password string) ([]byte, error) {
	reader, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		s.audit.record(ctx, "", core.ActionMessageRead, err, "")
		return nil, err
	}
	return s.read(ctx, reader, env, password)
}

func (s *MessageService) read(ctx context.Context, reader *core.Principal, env *core.Envelope, password string) ([]byte, error) {
	plaintext, err := s.decrypt(reader, env, password)
	if err != nil {
		s.audit.record(ctx, reader.ID, core.ActionMessageRead, err, "")
		return nil, err
	}

	s.audit.record(ctx, reader.ID, core.ActionMessageRead, nil, "envelope "+env.ID)
	return plaintext, nil
}

func (s *MessageService) decrypt(reader *core.Principal, env *core.Envelope, password string) ([]byte, error) {
	if env == nil {
		return nil, core.ErrDecryptionFailed
	}
	if env.RecipientID != reader.ID {
		return nil, core.ErrForbidden
	}
	if env.ContentAlgorithm != core.ContentAlgorithmAESGCM || env.WrapAlgorithm != core.WrapAlgorithmECIES {
		return nil, core.ErrDecryptionFailed
	}

	priv, err := s.vault.DecryptPrivateKey(reader.EncryptedKey, password)
	if err != nil {
		return nil, core.ErrDecryptionFailed
	}
	defer s.vault.Destroy(priv)

	contentKey, err := s.vault.Unwrap(priv, env.WrappedKey)
	if err != nil || len(contentKey) != contentKeySize {
		return nil, core.ErrDecryptionFailed
	}
	defer wipe(contentKey)

	aead, err := contentCipher(contentKey)
	if err != nil || len(env.IV) != aead.NonceSize() {
		return nil, core.ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, envelopeAAD(env))
	if err != nil {
		return nil, core.ErrDecryptionFailed
	}
	return plaintext, nil
}

// Open loads an envelope by ID and reads it
func (s *MessageService) Open(ctx context.Context, token, envelopeID, password string) ([]byte, error) {
	reader, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		s.audit.record(ctx, "", core.ActionMessageRead, err, "")
		return nil, err
	}

	env, err := s.envelopes.LoadEnvelope(ctx, envelopeID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			err = fmt.Errorf("envelope %s: %w", envelopeID, core.ErrNotFound)
		}
		s.audit.record(ctx, reader.ID, core.ActionMessageRead, err, "")
		return nil, err
	}

	return s.read(ctx, reader, env, password)
}

// Inbox lists envelopes addressed to the token holder in arrival order
func (s *MessageService) Inbox(ctx context.Context, token string) ([]*core.Envelope, error) {
	reader, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	envs, err := s.envelopes.ListEnvelopes(ctx, reader.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	return envs, nil
}

// envelopeAAD binds the ciphertext to its envelope ID and both parties
func envelopeAAD(env *core.Envelope) []byte {
	return []byte(env.ID + "|" + env.SenderID + "|" + env.RecipientID)
}

func contentCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
