package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
)

// MemoryStore is an in-memory implementation of the Store interface.
// Every value is cloned on the way in and out.
type MemoryStore struct {
	mu           sync.RWMutex
	principals   map[string]*core.Principal
	usernames    map[string]string
	emails       map[string]string
	transactions map[string]*core.PendingTransaction
	envelopes    map[string]*core.Envelope
	inbox        map[string][]string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() ports.Store {
	return &MemoryStore{
		principals:   make(map[string]*core.Principal),
		usernames:    make(map[string]string),
		emails:       make(map[string]string),
		transactions: make(map[string]*core.PendingTransaction),
		envelopes:    make(map[string]*core.Envelope),
		inbox:        make(map[string][]string),
	}
}

func (s *MemoryStore) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, email := normalize(p.Username), normalize(p.Email)
	if _, taken := s.usernames[username]; taken {
		return core.ErrConflict
	}
	if _, taken := s.emails[email]; taken {
		return core.ErrConflict
	}
	if _, taken := s.principals[p.ID]; taken {
		return core.ErrConflict
	}

	s.principals[p.ID] = p.Clone()
	s.usernames[username] = p.ID
	s.emails[email] = p.ID
	return nil
}

func (s *MemoryStore) LoadPrincipal(ctx context.Context, id string) (*core.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) LoadPrincipalByUsername(ctx context.Context, username string) (*core.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[normalize(username)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return s.principals[id].Clone(), nil
}

func (s *MemoryStore) SavePrincipal(ctx context.Context, p *core.Principal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.principals[p.ID]
	if !ok {
		return core.ErrNotFound
	}
	if current.Version != expectedVersion {
		return core.ErrVersionConflict
	}

	next := p.Clone()
	next.Version = expectedVersion + 1
	s.principals[p.ID] = next
	p.Version = next.Version
	return nil
}

func (s *MemoryStore) ListPrincipals(ctx context.Context) ([]*core.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *core.PendingTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.transactions[tx.ID]; taken {
		return core.ErrConflict
	}
	s.transactions[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) LoadTransaction(ctx context.Context, id string) (*core.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) SaveTransaction(ctx context.Context, tx *core.PendingTransaction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactions[tx.ID]
	if !ok {
		return core.ErrNotFound
	}
	if current.Version != expectedVersion {
		return core.ErrVersionConflict
	}

	next := tx.Clone()
	next.Version = expectedVersion + 1
	s.transactions[tx.ID] = next
	tx.Version = next.Version
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context) ([]*core.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.PendingTransaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, tx.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateEnvelope(ctx context.Context, env *core.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.envelopes[env.ID]; taken {
		return core.ErrConflict
	}
	s.envelopes[env.ID] = env.Clone()
	s.inbox[env.RecipientID] = append(s.inbox[env.RecipientID], env.ID)
	return nil
}

func (s *MemoryStore) LoadEnvelope(ctx context.Context, id string) (*core.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return env.Clone(), nil
}

func (s *MemoryStore) ListEnvelopes(ctx context.Context, recipientID string) ([]*core.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.inbox[recipientID]
	out := make([]*core.Envelope, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.envelopes[id].Clone())
	}
	return out, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
