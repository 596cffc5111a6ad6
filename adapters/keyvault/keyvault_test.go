package keyvault

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sentinel/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Params{Time: 1, Memory: 64, Threads: 1}

func newVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(testParams)
	require.NoError(t, err)
	return v.(*Vault)
}

func TestNew_RejectsBadParams(t *testing.T) {
	for name, p := range map[string]Params{
		"zero time":    {Time: 0, Memory: 64, Threads: 1},
		"zero threads": {Time: 1, Memory: 64, Threads: 0},
		"tiny memory":  {Time: 1, Memory: 4, Threads: 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(p)
			require.ErrorIs(t, err, core.ErrConfig)
		})
	}
}

func TestGenerateKeyPair_Fresh(t *testing.T) {
	v := newVault(t)

	priv1, pub1, err := v.GenerateKeyPair()
	require.NoError(t, err)
	priv2, pub2, err := v.GenerateKeyPair()
	require.NoError(t, err)

	assert.Len(t, pub1, 65)
	assert.NotEqual(t, pub1, pub2)
	assert.NotEqual(t, crypto.FromECDSA(priv1), crypto.FromECDSA(priv2))
	assert.Equal(t, pub1, crypto.FromECDSAPub(&priv1.PublicKey))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newVault(t)
	priv, _, err := v.GenerateKeyPair()
	require.NoError(t, err)

	for _, password := range []string{"correct horse", "p", "пароль-с-юникодом", "  spaces  "} {
		blob, err := v.EncryptPrivateKey(priv, password)
		require.NoError(t, err)
		assert.Equal(t, AlgorithmArgon2AESGCM, blob.Algorithm)
		assert.Len(t, blob.Salt, saltSize)
		assert.Len(t, blob.IV, ivSize)

		got, err := v.DecryptPrivateKey(blob, password)
		require.NoError(t, err)
		assert.Equal(t, crypto.FromECDSA(priv), crypto.FromECDSA(got))

		_, err = v.DecryptPrivateKey(blob, password+"x")
		assert.ErrorIs(t, err, core.ErrWrongPassword)
	}
}

func TestEncryptPrivateKey_FreshSaltAndIV(t *testing.T) {
	v := newVault(t)
	priv, _, err := v.GenerateKeyPair()
	require.NoError(t, err)

	a, err := v.EncryptPrivateKey(priv, "pw")
	require.NoError(t, err)
	b, err := v.EncryptPrivateKey(priv, "pw")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEncryptPrivateKey_FailsClosed(t *testing.T) {
	v := newVault(t)
	priv, _, err := v.GenerateKeyPair()
	require.NoError(t, err)

	blob, err := v.EncryptPrivateKey(nil, "pw")
	assert.Nil(t, blob)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	blob, err = v.EncryptPrivateKey(priv, "")
	assert.Nil(t, blob)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestDecryptPrivateKey_TamperedBlobs(t *testing.T) {
	v := newVault(t)
	priv, _, err := v.GenerateKeyPair()
	require.NoError(t, err)
	orig, err := v.EncryptPrivateKey(priv, "pw")
	require.NoError(t, err)

	mutate := map[string]func(b *core.KeyBlob){
		"flipped ciphertext": func(b *core.KeyBlob) { b.Ciphertext[0] ^= 0xff },
		"short salt":         func(b *core.KeyBlob) { b.Salt = b.Salt[:4] },
		"short iv":           func(b *core.KeyBlob) { b.IV = nil },
		"unknown algorithm":  func(b *core.KeyBlob) { b.Algorithm = "rot13" },
		"changed params":     func(b *core.KeyBlob) { b.Time = 2 },
		"absurd memory":      func(b *core.KeyBlob) { b.Memory = 1 << 30 },
		"empty ciphertext":   func(b *core.KeyBlob) { b.Ciphertext = nil },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			p := &core.Principal{EncryptedKey: orig}
			blob := p.Clone().EncryptedKey
			fn(blob)
			_, err := v.DecryptPrivateKey(blob, "pw")
			assert.ErrorIs(t, err, core.ErrWrongPassword)
		})
	}

	_, err = v.DecryptPrivateKey(nil, "pw")
	assert.ErrorIs(t, err, core.ErrWrongPassword)
}

func TestSignVerify(t *testing.T) {
	v := newVault(t)
	priv, pub, err := v.GenerateKeyPair()
	require.NoError(t, err)
	_, otherPub, err := v.GenerateKeyPair()
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("pay bob 10"))
	sig, err := v.Sign(priv, digest)
	require.NoError(t, err)
	assert.Len(t, sig, 65)

	assert.True(t, v.Verify(pub, digest, sig))
	assert.True(t, v.Verify(pub, digest, sig[:64]))
	assert.False(t, v.Verify(otherPub, digest, sig))
	assert.False(t, v.Verify(pub, crypto.Keccak256([]byte("pay bob 11")), sig))
	assert.False(t, v.Verify(pub, digest, sig[:10]))
}

func TestWrapUnwrap(t *testing.T) {
	v := newVault(t)
	priv, pub, err := v.GenerateKeyPair()
	require.NoError(t, err)
	other, _, err := v.GenerateKeyPair()
	require.NoError(t, err)

	key := bytes.Repeat([]byte{7}, 32)
	wrapped, err := v.Wrap(pub, key)
	require.NoError(t, err)
	assert.NotContains(t, string(wrapped), string(key))

	got, err := v.Unwrap(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = v.Unwrap(other, wrapped)
	assert.ErrorIs(t, err, core.ErrDecryptionFailed)

	_, err = v.Wrap([]byte("not a key"), key)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestDestroy(t *testing.T) {
	v := newVault(t)
	priv, _, err := v.GenerateKeyPair()
	require.NoError(t, err)

	Destroy(priv)
	assert.Zero(t, priv.D.Sign())
	Destroy(nil)
}
