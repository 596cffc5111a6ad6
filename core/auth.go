package core

import "time"

// Role tags a principal for the calling layer. The engine itself only
// distinguishes signers through a transaction's authorized set.
type Role string

const (
	RoleUser   Role = "user"
	RoleSigner Role = "signer"
	RoleAdmin  Role = "admin"
)

// KeyBlob is a private key sealed under a password-derived key
type KeyBlob struct {
	Algorithm  string `json:"alg"`
	Time       uint32 `json:"kdf_time"`
	Memory     uint32 `json:"kdf_memory"` // KiB
	Threads    uint8  `json:"kdf_threads"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Principal is an enrolled identity
type Principal struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"password_hash"`
	TOTPSecret   string    `json:"totp_secret"`
	PublicKey    []byte    `json:"public_key"`    // uncompressed secp256k1, immutable
	EncryptedKey *KeyBlob  `json:"encrypted_key"` // opaque without the password
	Nonce        uint64    `json:"nonce"`         // advanced on every successful login
	Role         Role      `json:"role"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	c.PasswordHash = append([]byte(nil), p.PasswordHash...)
	c.PublicKey = append([]byte(nil), p.PublicKey...)
	if p.EncryptedKey != nil {
		blob := *p.EncryptedKey
		blob.Salt = append([]byte(nil), p.EncryptedKey.Salt...)
		blob.IV = append([]byte(nil), p.EncryptedKey.IV...)
		blob.Ciphertext = append([]byte(nil), p.EncryptedKey.Ciphertext...)
		c.EncryptedKey = &blob
	}
	return &c
}

// PublicProfile is what other principals may see in the directory
type PublicProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	PublicKey []byte `json:"public_key"`
}

// Profile strips every secret from the principal.
func (p *Principal) Profile() PublicProfile {
	return PublicProfile{
		ID:        p.ID,
		Username:  p.Username,
		Email:     p.Email,
		Role:      p.Role,
		PublicKey: append([]byte(nil), p.PublicKey...),
	}
}

// Session represents an authenticated principal session
type Session struct {
	ID          string    // Unique session identifier (jti)
	PrincipalID string    // Subject of the token
	Username    string    // Username at issuance
	Nonce       uint64    // Principal nonce snapshot at issuance
	IssuedAt    time.Time // When the session was created
	ExpiresAt   time.Time // When the token stops being accepted
}

// TOTPEnrollment is handed to the provisioning consumer at registration
type TOTPEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}
