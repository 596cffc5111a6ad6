package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims combines standard claims with the principal nonce snapshot
type SessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"usr"`
	Nonce    uint64 `json:"nonce"`
}
