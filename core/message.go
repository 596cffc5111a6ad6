package core

import "time"

const (
	ContentAlgorithmAESGCM = "aes-256-gcm"
	WrapAlgorithmECIES     = "ecies-secp256k1"
)

// Envelope is an end-to-end encrypted message. It is never mutated after creation.
type Envelope struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"sender_id"`
	RecipientID      string    `json:"recipient_id"`
	Ciphertext       []byte    `json:"ciphertext"`
	IV               []byte    `json:"iv"`
	WrappedKey       []byte    `json:"wrapped_key"`
	ContentAlgorithm string    `json:"content_alg"`
	WrapAlgorithm    string    `json:"wrap_alg"`
	CreatedAt        time.Time `json:"created_at"`
	Version          int64     `json:"version"`
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Ciphertext = append([]byte(nil), e.Ciphertext...)
	c.IV = append([]byte(nil), e.IV...)
	c.WrappedKey = append([]byte(nil), e.WrappedKey...)
	return &c
}
