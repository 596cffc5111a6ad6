package ports

import (
	"context"

	"github.com/layer-3/sentinel/core"
)

// AuditSink receives the outcome of every security-relevant attempt.
// Record is fire-and-forget: delivery failures are the sink's concern.
type AuditSink interface {
	Record(ctx context.Context, event core.AuditEvent)
}

// Ledger moves funds for quorum-satisfied transactions. The bundle's
// TransactionID is the idempotency key.
type Ledger interface {
	Execute(ctx context.Context, bundle core.ExecutionBundle) error
}
