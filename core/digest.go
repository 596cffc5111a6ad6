package core

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const digestDomain = "sentinel/tx/v1"

// TransactionDigest is the Keccak-256 hash every signer signs. It covers the
// immutable fields only, each prefixed with its big-endian uint32 length.
func TransactionDigest(id string, amount decimal.Decimal, recipient, description string) []byte {
	var buf []byte
	for _, field := range []string{digestDomain, id, amount.String(), recipient, description} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	return crypto.Keccak256(buf)
}

// Digest returns the canonical digest of t
func (t *PendingTransaction) Digest() []byte {
	return TransactionDigest(t.ID, t.Amount, t.Recipient, t.Description)
}

// ExpectedDigest recomputes the digest from the bundle's fields
func (b *ExecutionBundle) ExpectedDigest() []byte {
	return TransactionDigest(b.TransactionID, b.Amount, b.Recipient, b.Description)
}
