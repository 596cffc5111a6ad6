package ports

import "github.com/layer-3/sentinel/core"

// Tokenizer converts between sessions and opaque bearer strings
type Tokenizer interface {
	// Issue signs a session into a bearer token
	Issue(session *core.Session) (string, error)

	// Parse checks integrity and expiry, returning core.ErrInvalidToken or
	// core.ErrTokenExpired on failure
	Parse(token string) (*core.Session, error)
}
