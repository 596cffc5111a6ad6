package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/sentinel/core"
)

type errorMapping struct {
	err     error
	status  int
	message string
}

// errorMappings is checked in order; the first match wins
var errorMappings = []errorMapping{
	{core.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid credentials"},
	{core.ErrInvalidTOTP, http.StatusUnauthorized, "Invalid TOTP code"},
	{core.ErrInvalidToken, http.StatusUnauthorized, "Invalid token"},
	{core.ErrTokenExpired, http.StatusUnauthorized, "Token expired"},
	{core.ErrSuperseded, http.StatusUnauthorized, "Session superseded by a newer login"},
	{core.ErrUnauthorized, http.StatusForbidden, "Not an authorized signer"},
	{core.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{core.ErrExpired, http.StatusConflict, "Transaction expired"},
	{core.ErrAlreadySigned, http.StatusConflict, "Already signed"},
	{core.ErrTransactionClosed, http.StatusConflict, "Transaction no longer accepts signatures"},
	{core.ErrConflict, http.StatusConflict, "Conflict"},
	{core.ErrBadSignature, http.StatusUnprocessableEntity, "Invalid signature"},
	{core.ErrWrongPassword, http.StatusUnprocessableEntity, "Wrong password"},
	{core.ErrDecryptionFailed, http.StatusUnprocessableEntity, "Decryption failed"},
	{core.ErrConfig, http.StatusBadRequest, "Invalid configuration"},
	{core.ErrInvalidInput, http.StatusBadRequest, "Invalid request"},
	{core.ErrNotFound, http.StatusNotFound, "Not found"},
	{core.ErrContention, http.StatusServiceUnavailable, "Too much contention, retry later"},
}

// statusFor maps an engine error to a status code and a coarse message
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.message
		}
	}
	return http.StatusInternalServerError, "Internal error"
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
