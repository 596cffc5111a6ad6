// Package keyvault generates secp256k1 keypairs, seals private keys under
// password-derived keys and performs the signing and key-wrapping operations
// the engine needs.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"golang.org/x/crypto/argon2"
)

// AlgorithmArgon2AESGCM tags blobs sealed by this vault
const AlgorithmArgon2AESGCM = "argon2id/aes-256-gcm"

const (
	saltSize = 16
	ivSize   = 12
	keySize  = 32

	maxTime   = 16
	maxMemory = 1 << 20 // 1 GiB in KiB
)

// Params are the argon2id cost parameters used for new blobs
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams is memory-hard enough for interactive logins
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// Vault implements ports.KeyVault
type Vault struct {
	params Params
}

// New creates a vault sealing new keys with the given argon2id parameters
func New(params Params) (ports.KeyVault, error) {
	if params.Time == 0 || params.Time > maxTime {
		return nil, fmt.Errorf("argon2 time %d out of range: %w", params.Time, core.ErrConfig)
	}
	if params.Threads == 0 {
		return nil, fmt.Errorf("argon2 threads must be positive: %w", core.ErrConfig)
	}
	if params.Memory < 8*uint32(params.Threads) || params.Memory > maxMemory {
		return nil, fmt.Errorf("argon2 memory %d KiB out of range: %w", params.Memory, core.ErrConfig)
	}
	return &Vault{params: params}, nil
}

// GenerateKeyPair returns a fresh secp256k1 keypair and the uncompressed public key
func (v *Vault) GenerateKeyPair() (*ecdsa.PrivateKey, []byte, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return priv, crypto.FromECDSAPub(&priv.PublicKey), nil
}

// EncryptPrivateKey seals priv under a key derived from password
func (v *Vault) EncryptPrivateKey(priv *ecdsa.PrivateKey, password string) (*core.KeyBlob, error) {
	if priv == nil || priv.D == nil {
		return nil, fmt.Errorf("private key is missing: %w", core.ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("password is empty: %w", core.ErrInvalidInput)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	blob := &core.KeyBlob{
		Algorithm: AlgorithmArgon2AESGCM,
		Time:      v.params.Time,
		Memory:    v.params.Memory,
		Threads:   v.params.Threads,
		Salt:      salt,
		IV:        iv,
	}

	kek := deriveKey(password, salt, v.params)
	defer wipe(kek)

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	plain := crypto.FromECDSA(priv)
	defer wipe(plain)

	blob.Ciphertext = aead.Seal(nil, iv, plain, associatedData(blob))
	return blob, nil
}

// DecryptPrivateKey opens a blob. Malformed blobs and wrong passwords both
// cost one key derivation and both yield core.ErrWrongPassword.
func (v *Vault) DecryptPrivateKey(blob *core.KeyBlob, password string) (*ecdsa.PrivateKey, error) {
	if !wellFormed(blob) {
		wipe(deriveKey(password, make([]byte, saltSize), v.params))
		return nil, core.ErrWrongPassword
	}

	params := Params{Time: blob.Time, Memory: blob.Memory, Threads: blob.Threads}
	kek := deriveKey(password, blob.Salt, params)
	defer wipe(kek)

	aead, err := newGCM(kek)
	if err != nil {
		return nil, core.ErrWrongPassword
	}

	plain, err := aead.Open(nil, blob.IV, blob.Ciphertext, associatedData(blob))
	if err != nil {
		return nil, core.ErrWrongPassword
	}
	defer wipe(plain)

	priv, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, core.ErrWrongPassword
	}
	return priv, nil
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest
func (v *Vault) Sign(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key is missing: %w", core.ErrInvalidInput)
	}
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// Verify checks a 64 or 65 byte signature against an uncompressed public key
func (v *Vault) Verify(publicKey, digest, signature []byte) bool {
	if len(signature) == crypto.SignatureLength {
		signature = signature[:crypto.SignatureLength-1]
	}
	if len(signature) != crypto.SignatureLength-1 || len(digest) != crypto.DigestLength {
		return false
	}
	return crypto.VerifySignature(publicKey, digest, signature)
}

// Wrap encrypts a symmetric content key to a recipient public key with ECIES
func (v *Vault) Wrap(publicKey, key []byte) ([]byte, error) {
	pub, err := crypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", core.ErrInvalidInput)
	}
	wrapped, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return wrapped, nil
}

// Unwrap recovers a content key wrapped by Wrap
func (v *Vault) Unwrap(priv *ecdsa.PrivateKey, wrapped []byte) ([]byte, error) {
	if priv == nil {
		return nil, core.ErrDecryptionFailed
	}
	key, err := ecies.ImportECDSA(priv).Decrypt(wrapped, nil, nil)
	if err != nil {
		return nil, core.ErrDecryptionFailed
	}
	return key, nil
}

// Destroy overwrites the private scalar in place.
func Destroy(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	words := priv.D.Bits()
	for i := range words {
		words[i] = 0
	}
	priv.D.SetInt64(0)
}

// Destroy implements ports.KeyVault
func (v *Vault) Destroy(priv *ecdsa.PrivateKey) {
	Destroy(priv)
}

func deriveKey(password string, salt []byte, p Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
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

// associatedData binds the algorithm tag and KDF parameters to the ciphertext.
func associatedData(b *core.KeyBlob) []byte {
	return fmt.Appendf(nil, "%s;t=%d;m=%d;p=%d", b.Algorithm, b.Time, b.Memory, b.Threads)
}

func wellFormed(b *core.KeyBlob) bool {
	switch {
	case b == nil:
		return false
	case b.Algorithm != AlgorithmArgon2AESGCM:
		return false
	case len(b.Salt) != saltSize || len(b.IV) != ivSize:
		return false
	case len(b.Ciphertext) == 0:
		return false
	case b.Time == 0 || b.Time > maxTime || b.Threads == 0:
		return false
	case b.Memory < 8*uint32(b.Threads) || b.Memory > maxMemory:
		return false
	}
	return true
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
