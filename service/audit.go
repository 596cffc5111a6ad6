package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
)

// auditor turns operation outcomes into audit events
type auditor struct {
	sink ports.AuditSink
	now  func() time.Time
}

func (a auditor) record(ctx context.Context, principalID, action string, err error, detail string) {
	if a.sink == nil {
		return
	}

	status := core.AuditSuccess
	if err != nil {
		status = core.AuditFailure
		detail = auditReason(err)
	}

	a.sink.Record(ctx, core.AuditEvent{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Action:      action,
		Status:      status,
		Detail:      detail,
		Timestamp:   a.now().UTC(),
	})
}

// auditReason keeps failure details coarse; unexpected errors are reported
// without their text.
func auditReason(err error) string {
	for _, known := range []error{
		core.ErrInvalidInput,
		core.ErrConflict,
		core.ErrInvalidCredentials,
		core.ErrInvalidTOTP,
		core.ErrInvalidToken,
		core.ErrTokenExpired,
		core.ErrSuperseded,
		core.ErrExpired,
		core.ErrUnauthorized,
		core.ErrAlreadySigned,
		core.ErrBadSignature,
		core.ErrTransactionClosed,
		core.ErrConfig,
		core.ErrWrongPassword,
		core.ErrForbidden,
		core.ErrDecryptionFailed,
		core.ErrNotFound,
		core.ErrContention,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
