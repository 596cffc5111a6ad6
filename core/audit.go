package core

import "time"

// Audit actions
const (
	ActionRegister           = "REGISTER"
	ActionLogin              = "LOGIN"
	ActionTransactionCreate  = "TRANSACTION_CREATE"
	ActionTransactionSign    = "TRANSACTION_SIGN"
	ActionTransactionExecute = "TRANSACTION_EXECUTE"
	ActionMessageSend        = "MESSAGE_SEND"
	ActionMessageRead        = "MESSAGE_READ"
)

// Audit outcomes
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent records the outcome of a security-relevant attempt. Details never
// carry secrets.
type AuditEvent struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id,omitempty"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
