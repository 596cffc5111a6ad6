package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sentinel/core"
	"github.com/rs/zerolog"
)

// VerifyBundle recomputes the digest from the bundle's fields and re-checks
// every signature against it
func VerifyBundle(bundle core.ExecutionBundle) error {
	if len(bundle.Digest) != crypto.DigestLength {
		return fmt.Errorf("digest has %d bytes: %w", len(bundle.Digest), core.ErrBadSignature)
	}
	digest := bundle.ExpectedDigest()
	if !bytes.Equal(digest, bundle.Digest) {
		return fmt.Errorf("digest does not match transaction %s: %w", bundle.TransactionID, core.ErrBadSignature)
	}
	if len(bundle.Signatures) < bundle.Threshold {
		return fmt.Errorf("%d of %d signatures: %w", len(bundle.Signatures), bundle.Threshold, core.ErrBadSignature)
	}

	seen := make(map[string]bool, len(bundle.Signatures))
	for _, sig := range bundle.Signatures {
		if seen[sig.SignerID] {
			return fmt.Errorf("duplicate signer %s: %w", sig.SignerID, core.ErrBadSignature)
		}
		seen[sig.SignerID] = true

		if len(sig.Signature) < crypto.SignatureLength-1 ||
			!crypto.VerifySignature(sig.PublicKey, digest, sig.Signature[:crypto.SignatureLength-1]) {
			return fmt.Errorf("signature by %s: %w", sig.SignerID, core.ErrBadSignature)
		}
	}
	return nil
}

// ConsumeLedger logs every bundle published on topic after verifying it.
// Redeliveries of a settled transaction are dropped. It stands in for a
// settlement system when the engine runs without a broker and returns once
// the subscription is established.
func ConsumeLedger(ctx context.Context, sub message.Subscriber, topic string, log zerolog.Logger) error {
	if topic == "" {
		topic = DefaultLedgerTopic
	}

	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		settled := make(map[string]struct{})
		for msg := range messages {
			var bundle core.ExecutionBundle
			if err := json.Unmarshal(msg.Payload, &bundle); err != nil {
				log.Error().Err(err).Str("message_uuid", msg.UUID).Msg("malformed execution bundle")
				msg.Ack()
				continue
			}

			if err := VerifyBundle(bundle); err != nil {
				log.Error().Err(err).Str("transaction_id", bundle.TransactionID).Msg("execution bundle failed verification")
				msg.Ack()
				continue
			}

			if _, dup := settled[bundle.TransactionID]; dup {
				log.Warn().Str("transaction_id", bundle.TransactionID).Msg("duplicate execution bundle dropped")
				msg.Ack()
				continue
			}
			settled[bundle.TransactionID] = struct{}{}

			log.Info().
				Str("transaction_id", bundle.TransactionID).
				Str("amount", bundle.Amount.String()).
				Str("recipient", bundle.Recipient).
				Int("signatures", len(bundle.Signatures)).
				Msg("execution bundle settled")
			msg.Ack()
		}
	}()

	return nil
}
