package ports

import (
	"context"

	"github.com/layer-3/sentinel/core"
)

// PrincipalStore persists principals with optimistic versioning.
// Save succeeds only when expectedVersion matches the stored version and
// returns core.ErrVersionConflict otherwise. Create returns core.ErrConflict
// when the username or email is taken.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *core.Principal) error
	LoadPrincipal(ctx context.Context, id string) (*core.Principal, error)
	LoadPrincipalByUsername(ctx context.Context, username string) (*core.Principal, error)
	SavePrincipal(ctx context.Context, p *core.Principal, expectedVersion int64) error
	ListPrincipals(ctx context.Context) ([]*core.Principal, error)
}

// TransactionStore persists pending transactions with optimistic versioning
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *core.PendingTransaction) error
	LoadTransaction(ctx context.Context, id string) (*core.PendingTransaction, error)
	SaveTransaction(ctx context.Context, tx *core.PendingTransaction, expectedVersion int64) error
	ListTransactions(ctx context.Context) ([]*core.PendingTransaction, error)
}

// MessageStore persists immutable envelopes
type MessageStore interface {
	CreateEnvelope(ctx context.Context, env *core.Envelope) error
	LoadEnvelope(ctx context.Context, id string) (*core.Envelope, error)
	ListEnvelopes(ctx context.Context, recipientID string) ([]*core.Envelope, error)
}

// Store bundles every persistence port; all adapters implement it.
type Store interface {
	PrincipalStore
	TransactionStore
	MessageStore
}
