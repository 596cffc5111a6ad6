package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus moves pending -> ready -> executing -> executed, or
// pending -> expired. A failed ledger hand-off returns executing to ready.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusReady     TransactionStatus = "ready"
	StatusExecuting TransactionStatus = "executing"
	StatusExecuted  TransactionStatus = "executed"
	StatusExpired   TransactionStatus = "expired"
)

// SignatureEntry is one accepted approval
type SignatureEntry struct {
	SignerID  string    `json:"signer_id"`
	Signature []byte    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// PendingTransaction waits for a quorum of signatures before execution
type PendingTransaction struct {
	ID                string            `json:"id"`
	Initiator         string            `json:"initiator"`
	Amount            decimal.Decimal   `json:"amount"`
	Recipient         string            `json:"recipient"`
	Description       string            `json:"description"`
	Threshold         int               `json:"threshold"`
	AuthorizedSigners []string          `json:"authorized_signers"`
	Signatures        []SignatureEntry  `json:"signatures"`
	Status            TransactionStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	ClaimedAt         *time.Time        `json:"claimed_at,omitempty"`
	ExecutedAt        *time.Time        `json:"executed_at,omitempty"`
	Version           int64             `json:"version"`
}

// IsAuthorized reports whether id belongs to the authorized signer set.
func (t *PendingTransaction) IsAuthorized(id string) bool {
	for _, s := range t.AuthorizedSigners {
		if s == id {
			return true
		}
	}
	return false
}

// HasSigned reports whether id already has an accepted signature.
func (t *PendingTransaction) HasSigned(id string) bool {
	for _, s := range t.Signatures {
		if s.SignerID == id {
			return true
		}
	}
	return false
}

// QuorumReached reports whether enough distinct signatures were collected.
func (t *PendingTransaction) QuorumReached() bool {
	return len(t.Signatures) >= t.Threshold
}

// Clone returns a deep copy.
func (t *PendingTransaction) Clone() *PendingTransaction {
	if t == nil {
		return nil
	}
	c := *t
	c.AuthorizedSigners = append([]string(nil), t.AuthorizedSigners...)
	c.Signatures = make([]SignatureEntry, len(t.Signatures))
	for i, s := range t.Signatures {
		s.Signature = append([]byte(nil), s.Signature...)
		c.Signatures[i] = s
	}
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		c.ExecutedAt = &at
	}
	return &c
}

// BundleSignature pairs an accepted signature with the key that verifies it
type BundleSignature struct {
	SignerID  string    `json:"signer_id"`
	PublicKey []byte    `json:"public_key"`
	Signature []byte    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// ExecutionBundle is handed to the ledger once quorum is met. Digest must equal
// the canonical digest of the bundle's own fields and every signature can be
// re-verified against it by anyone holding the bundle.
type ExecutionBundle struct {
	TransactionID string            `json:"transaction_id"`
	Initiator     string            `json:"initiator"`
	Amount        decimal.Decimal   `json:"amount"`
	Recipient     string            `json:"recipient"`
	Description   string            `json:"description"`
	Threshold     int               `json:"threshold"`
	Digest        []byte            `json:"digest"`
	Signatures    []BundleSignature `json:"signatures"`
	CompletedAt   time.Time         `json:"completed_at"`
}
