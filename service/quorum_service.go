package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CreateTransactionRequest describes a transfer awaiting approval
type CreateTransactionRequest struct {
	Amount            decimal.Decimal
	Recipient         string
	Description       string
	Threshold         int
	AuthorizedSigners []string
}

// QuorumService collects signatures on pending transactions and hands each
// one to the ledger exactly once when the threshold is met
type QuorumService struct {
	auth       Authenticator
	txs        ports.TransactionStore
	principals ports.PrincipalStore
	vault      ports.KeyVault
	ledger     ports.Ledger
	audit      auditor
	log        zerolog.Logger
	cfg        settings
}

// NewQuorumService creates a new signature quorum service
func NewQuorumService(
	auth Authenticator,
	txs ports.TransactionStore,
	principals ports.PrincipalStore,
	vault ports.KeyVault,
	ledger ports.Ledger,
	sink ports.AuditSink,
	log zerolog.Logger,
	opts ...Option,
) *QuorumService {
	cfg := buildSettings(opts)
	return &QuorumService{
		auth:       auth,
		txs:        txs,
		principals: principals,
		vault:      vault,
		ledger:     ledger,
		audit:      auditor{sink: sink, now: cfg.now},
		log:        log.With().Str("component", "quorum").Logger(),
		cfg:        cfg,
	}
}

// Digest returns the canonical digest of tx
func (s *QuorumService) Digest(tx *core.PendingTransaction) []byte {
	return tx.Digest()
}

// Create opens a pending transaction on behalf of the token holder
func (s *QuorumService) Create(ctx context.Context, token string, req CreateTransactionRequest) (*core.PendingTransaction, error) {
	initiator, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		s.audit.record(ctx, "", core.ActionTransactionCreate, err, "")
		return nil, err
	}

	tx, err := s.create(ctx, initiator, req)
	if err != nil {
		s.audit.record(ctx, initiator.ID, core.ActionTransactionCreate, err, "")
		return nil, err
	}

	s.audit.record(ctx, initiator.ID, core.ActionTransactionCreate, nil,
		fmt.Sprintf("transaction %s threshold %d of %d", tx.ID, tx.Threshold, len(tx.AuthorizedSigners)))
	s.log.Info().
		Str("transaction_id", tx.ID).
		Str("initiator", initiator.ID).
		Int("threshold", tx.Threshold).
		Msg("transaction created")

	return tx, nil
}

func (s *QuorumService) create(ctx context.Context, initiator *core.Principal, req CreateTransactionRequest) (*core.PendingTransaction, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %w", core.ErrInvalidInput)
	}
	if recipient == "" {
		return nil, fmt.Errorf("recipient is required: %w", core.ErrInvalidInput)
	}

	signers, err := s.resolveSigners(ctx, req.AuthorizedSigners)
	if err != nil {
		return nil, err
	}
	if req.Threshold < 1 || req.Threshold > len(signers) {
		return nil, fmt.Errorf("threshold %d with %d signers: %w", req.Threshold, len(signers), core.ErrConfig)
	}

	now := s.cfg.now().UTC()
	tx := &core.PendingTransaction{
		ID:                uuid.NewString(),
		Initiator:         initiator.ID,
		Amount:            req.Amount,
		Recipient:         recipient,
		Description:       req.Description,
		Threshold:         req.Threshold,
		AuthorizedSigners: signers,
		Signatures:        []core.SignatureEntry{},
		Status:            core.StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.expiry),
	}

	if err := s.txs.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}
	return tx, nil
}

// resolveSigners rejects empty, duplicate and unknown signer IDs
func (s *QuorumService) resolveSigners(ctx context.Context, ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	signers := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("empty signer id: %w", core.ErrConfig)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate signer %s: %w", id, core.ErrConfig)
		}
		seen[id] = struct{}{}

		if _, err := s.principals.LoadPrincipal(ctx, id); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, fmt.Errorf("unknown signer %s: %w", id, core.ErrConfig)
			}
			return nil, fmt.Errorf("failed to load signer: %w", err)
		}
		signers = append(signers, id)
	}
	return signers, nil
}

// Sign decrypts the signer's key with password, signs the transaction digest
// and records the signature
func (s *QuorumService) Sign(ctx context.Context, txID, token, password string) (*core.PendingTransaction, error) {
	signer, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		s.audit.record(ctx, "", core.ActionTransactionSign, err, "")
		return nil, err
	}

	res, err := s.sign(ctx, signer, txID, password)
	s.recordSign(ctx, signer.ID, txID, err)
	if err != nil {
		return nil, err
	}
	return s.afterAppend(ctx, res)
}

func (s *QuorumService) sign(ctx context.Context, signer *core.Principal, txID, password string) (*appendResult, error) {
	tx, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := checkSignable(tx, signer.ID); err != nil {
		return nil, err
	}

	priv, err := s.vault.DecryptPrivateKey(signer.EncryptedKey, password)
	if err != nil {
		return nil, err
	}
	defer s.vault.Destroy(priv)

	digest := tx.Digest()
	sig, err := s.vault.Sign(priv, digest)
	if err != nil {
		return nil, err
	}
	if !s.vault.Verify(signer.PublicKey, digest, sig) {
		return nil, core.ErrBadSignature
	}

	return s.appendSignature(ctx, txID, signer.ID, sig)
}

// Approve records a signature the signer produced outside the engine over
// Digest(tx)
func (s *QuorumService) Approve(ctx context.Context, txID, token string, signature []byte) (*core.PendingTransaction, error) {
	signer, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		s.audit.record(ctx, "", core.ActionTransactionSign, err, "")
		return nil, err
	}

	res, err := s.approve(ctx, signer, txID, signature)
	s.recordSign(ctx, signer.ID, txID, err)
	if err != nil {
		return nil, err
	}
	return s.afterAppend(ctx, res)
}

func (s *QuorumService) approve(ctx context.Context, signer *core.Principal, txID string, signature []byte) (*appendResult, error) {
	tx, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := checkSignable(tx, signer.ID); err != nil {
		return nil, err
	}
	if !s.vault.Verify(signer.PublicKey, tx.Digest(), signature) {
		return nil, core.ErrBadSignature
	}
	return s.appendSignature(ctx, txID, signer.ID, append([]byte(nil), signature...))
}

func (s *QuorumService) recordSign(ctx context.Context, signerID, txID string, err error) {
	s.audit.record(ctx, signerID, core.ActionTransactionSign, err, "transaction "+txID)
	if err != nil {
		s.log.Debug().Err(err).Str("transaction_id", txID).Str("signer", signerID).Msg("signature rejected")
	}
}

type appendResult struct {
	tx *core.PendingTransaction
	// reachedQuorum is set only for the write that moved the transaction to ready
	reachedQuorum bool
}

// appendSignature re-checks the transaction on every attempt and appends the
// signature with a versioned save. The save that reaches the threshold also
// flips the status to ready.
func (s *QuorumService) appendSignature(ctx context.Context, txID, signerID string, sig []byte) (*appendResult, error) {
	var result *appendResult
	err := withContention(ctx, s.cfg.maxAttempts, s.cfg.retryDelay, func(ctx context.Context) error {
		tx, err := s.txs.LoadTransaction(ctx, txID)
		if err != nil {
			return err
		}

		now := s.cfg.now().UTC()
		if s.pastDeadline(tx) {
			tx.Status = core.StatusExpired
			if err := s.txs.SaveTransaction(ctx, tx, tx.Version); err != nil {
				return err
			}
			return core.ErrExpired
		}
		if err := checkSignable(tx, signerID); err != nil {
			return err
		}

		tx.Signatures = append(tx.Signatures, core.SignatureEntry{
			SignerID:  signerID,
			Signature: sig,
			SignedAt:  now,
		})
		reached := tx.QuorumReached()
		if reached {
			tx.Status = core.StatusReady
		}

		if err := s.txs.SaveTransaction(ctx, tx, tx.Version); err != nil {
			return err
		}
		result = &appendResult{tx: tx, reachedQuorum: reached}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// afterAppend triggers execution when this caller completed the quorum. A
// failed hand-off leaves the transaction ready for Execute to retry.
func (s *QuorumService) afterAppend(ctx context.Context, res *appendResult) (*core.PendingTransaction, error) {
	if !res.reachedQuorum {
		return res.tx, nil
	}

	executed, err := s.execute(ctx, res.tx.ID)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", res.tx.ID).Msg("ledger hand-off did not complete")
		return res.tx, nil
	}
	return executed, nil
}

// Execute retries the ledger hand-off for a ready transaction. Executed
// transactions are returned unchanged. A transaction another caller is
// executing yields ErrConflict until that claim's lease runs out.
func (s *QuorumService) Execute(ctx context.Context, txID string) (*core.PendingTransaction, error) {
	if _, err := s.load(ctx, txID); err != nil {
		return nil, err
	}
	return s.execute(ctx, txID)
}

// execute hands the bundle to the ledger only after winning the claim, so a
// transaction is published at most once per claim lease.
func (s *QuorumService) execute(ctx context.Context, txID string) (*core.PendingTransaction, error) {
	tx, claimed, err := s.claim(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if tx.Status == core.StatusExecuted {
			return tx, nil
		}
		return nil, fmt.Errorf("transaction %s is being executed: %w", txID, core.ErrConflict)
	}

	bundle, err := s.bundle(ctx, tx)
	if err != nil {
		s.release(ctx, tx)
		s.audit.record(ctx, tx.Initiator, core.ActionTransactionExecute, err, "transaction "+tx.ID)
		return nil, err
	}

	if err := s.ledger.Execute(ctx, bundle); err != nil {
		s.release(ctx, tx)
		s.audit.record(ctx, tx.Initiator, core.ActionTransactionExecute, err, "transaction "+tx.ID)
		return nil, fmt.Errorf("ledger hand-off failed: %w", err)
	}

	var executed *core.PendingTransaction
	err = withContention(ctx, s.cfg.maxAttempts, s.cfg.retryDelay, func(ctx context.Context) error {
		current, err := s.txs.LoadTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		switch current.Status {
		case core.StatusExecuted:
			executed = current
			return nil
		case core.StatusExecuting:
		default:
			return fmt.Errorf("transaction is %s: %w", current.Status, core.ErrTransactionClosed)
		}

		at := bundle.CompletedAt
		current.Status = core.StatusExecuted
		current.ExecutedAt = &at
		if err := s.txs.SaveTransaction(ctx, current, current.Version); err != nil {
			return err
		}
		executed = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark transaction executed: %w", err)
	}

	s.audit.record(ctx, tx.Initiator, core.ActionTransactionExecute, nil,
		fmt.Sprintf("transaction %s executed with %d signatures", tx.ID, len(bundle.Signatures)))
	s.log.Info().Str("transaction_id", tx.ID).Msg("transaction executed")

	return executed, nil
}

// claim moves a ready transaction, or one whose execution claim has lapsed,
// to executing with a versioned save. claimed is false when the transaction
// is already executed or another caller holds a live claim.
func (s *QuorumService) claim(ctx context.Context, txID string) (tx *core.PendingTransaction, claimed bool, err error) {
	err = withContention(ctx, s.cfg.maxAttempts, s.cfg.retryDelay, func(ctx context.Context) error {
		current, err := s.txs.LoadTransaction(ctx, txID)
		if err != nil {
			return err
		}

		now := s.cfg.now().UTC()
		switch current.Status {
		case core.StatusReady:
		case core.StatusExecuting:
			if current.ClaimedAt != nil && now.Before(current.ClaimedAt.Add(s.cfg.claimLease)) {
				tx, claimed = current, false
				return nil
			}
			s.log.Warn().Str("transaction_id", txID).Msg("taking over lapsed execution claim")
		case core.StatusExecuted:
			tx, claimed = current, false
			return nil
		case core.StatusExpired:
			return core.ErrExpired
		default:
			return fmt.Errorf("quorum not reached: %w", core.ErrConflict)
		}

		current.Status = core.StatusExecuting
		current.ClaimedAt = &now
		if err := s.txs.SaveTransaction(ctx, current, current.Version); err != nil {
			return err
		}
		tx, claimed = current, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return tx, claimed, nil
}

// release returns a claimed transaction to ready after a failed hand-off. It
// leaves the record alone if the claim was taken over in the meantime.
func (s *QuorumService) release(ctx context.Context, claimed *core.PendingTransaction) {
	err := withContention(ctx, s.cfg.maxAttempts, s.cfg.retryDelay, func(ctx context.Context) error {
		current, err := s.txs.LoadTransaction(ctx, claimed.ID)
		if err != nil {
			return err
		}
		if current.Status != core.StatusExecuting || current.ClaimedAt == nil || !current.ClaimedAt.Equal(*claimed.ClaimedAt) {
			return nil
		}
		current.Status = core.StatusReady
		current.ClaimedAt = nil
		return s.txs.SaveTransaction(ctx, current, current.Version)
	})
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", claimed.ID).Msg("failed to release execution claim")
	}
}

// bundle assembles the execution bundle and re-verifies every signature
func (s *QuorumService) bundle(ctx context.Context, tx *core.PendingTransaction) (core.ExecutionBundle, error) {
	digest := tx.Digest()
	bundle := core.ExecutionBundle{
		TransactionID: tx.ID,
		Initiator:     tx.Initiator,
		Amount:        tx.Amount,
		Recipient:     tx.Recipient,
		Description:   tx.Description,
		Threshold:     tx.Threshold,
		Digest:        digest,
		Signatures:    make([]core.BundleSignature, 0, len(tx.Signatures)),
		CompletedAt:   s.cfg.now().UTC(),
	}

	for _, entry := range tx.Signatures {
		signer, err := s.principals.LoadPrincipal(ctx, entry.SignerID)
		if err != nil {
			return core.ExecutionBundle{}, fmt.Errorf("failed to load signer %s: %w", entry.SignerID, err)
		}
		if !s.vault.Verify(signer.PublicKey, digest, entry.Signature) {
			return core.ExecutionBundle{}, fmt.Errorf("signature by %s: %w", entry.SignerID, core.ErrBadSignature)
		}
		bundle.Signatures = append(bundle.Signatures, core.BundleSignature{
			SignerID:  entry.SignerID,
			PublicKey: signer.PublicKey,
			Signature: entry.Signature,
			SignedAt:  entry.SignedAt,
		})
	}

	return bundle, nil
}

// Get returns a transaction the caller initiated or may sign
func (s *QuorumService) Get(ctx context.Context, token, txID string) (*core.PendingTransaction, error) {
	caller, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	tx, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !visibleTo(tx, caller.ID) {
		return nil, core.ErrForbidden
	}
	return tx, nil
}

// List returns every transaction the caller initiated or may sign, newest first
func (s *QuorumService) List(ctx context.Context, token string) ([]*core.PendingTransaction, error) {
	caller, _, err := s.auth.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	all, err := s.txs.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*core.PendingTransaction, 0, len(all))
	for _, tx := range all {
		if !visibleTo(tx, caller.ID) {
			continue
		}
		if s.pastDeadline(tx) {
			if tx, err = s.load(ctx, tx.ID); err != nil {
				return nil, err
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

// load reads a transaction and persists the expired status if its deadline passed
func (s *QuorumService) load(ctx context.Context, txID string) (*core.PendingTransaction, error) {
	var tx *core.PendingTransaction
	err := withContention(ctx, s.cfg.maxAttempts, s.cfg.retryDelay, func(ctx context.Context) error {
		current, err := s.txs.LoadTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if s.pastDeadline(current) {
			current.Status = core.StatusExpired
			if err := s.txs.SaveTransaction(ctx, current, current.Version); err != nil {
				return err
			}
			s.log.Info().Str("transaction_id", txID).Msg("transaction expired")
		}
		tx = current
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", txID, core.ErrNotFound)
		}
		return nil, err
	}
	return tx, nil
}

func (s *QuorumService) pastDeadline(tx *core.PendingTransaction) bool {
	return tx.Status == core.StatusPending && !s.cfg.now().Before(tx.ExpiresAt)
}

func checkSignable(tx *core.PendingTransaction, signerID string) error {
	if tx.Status == core.StatusExpired {
		return core.ErrExpired
	}
	if !tx.IsAuthorized(signerID) {
		return core.ErrUnauthorized
	}
	if tx.HasSigned(signerID) {
		return core.ErrAlreadySigned
	}
	if tx.Status != core.StatusPending {
		return fmt.Errorf("transaction is %s: %w", tx.Status, core.ErrTransactionClosed)
	}
	return nil
}

func visibleTo(tx *core.PendingTransaction, principalID string) bool {
	return tx.Initiator == principalID || tx.IsAuthorized(principalID)
}
