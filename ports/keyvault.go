package ports

import (
	"crypto/ecdsa"

	"github.com/layer-3/sentinel/core"
)

// KeyVault owns every operation on principal key material
type KeyVault interface {
	GenerateKeyPair() (*ecdsa.PrivateKey, []byte, error)
	EncryptPrivateKey(priv *ecdsa.PrivateKey, password string) (*core.KeyBlob, error)
	DecryptPrivateKey(blob *core.KeyBlob, password string) (*ecdsa.PrivateKey, error)

	Sign(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error)
	Verify(publicKey, digest, signature []byte) bool

	Wrap(publicKey, key []byte) ([]byte, error)
	Unwrap(priv *ecdsa.PrivateKey, wrapped []byte) ([]byte, error)

	// Destroy zeroes a decrypted private key once the caller is done with it
	Destroy(priv *ecdsa.PrivateKey)
}
