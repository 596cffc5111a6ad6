package core

import "errors"

var (
	// Identity
	ErrConflict           = errors.New("conflicts with existing state")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTOTP        = errors.New("invalid one-time code")

	// Session tokens
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrSuperseded   = errors.New("token has been superseded by a newer login")

	// Quorum
	ErrExpired           = errors.New("transaction has expired")
	ErrUnauthorized      = errors.New("signer is not authorized")
	ErrAlreadySigned     = errors.New("signer has already signed")
	ErrBadSignature      = errors.New("invalid signature")
	ErrTransactionClosed = errors.New("transaction is no longer accepting signatures")
	ErrConfig            = errors.New("invalid configuration")

	// Key material and messaging
	ErrWrongPassword    = errors.New("wrong password")
	ErrForbidden        = errors.New("forbidden")
	ErrDecryptionFailed = errors.New("decryption failed")

	// Persistence and concurrency
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrContention      = errors.New("too much contention, try again")

	ErrInvalidInput = errors.New("invalid input")
)
