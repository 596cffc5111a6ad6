package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/layer-3/sentinel/core"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps JSON documents in Redis. Versioned saves run inside
// WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "sentinel:",
	}
}

func (s *RedisStore) principalKey(id string) string   { return s.prefix + "principal:" + id }
func (s *RedisStore) usernameKey(name string) string  { return s.prefix + "username:" + normalize(name) }
func (s *RedisStore) emailKey(email string) string    { return s.prefix + "email:" + normalize(email) }
func (s *RedisStore) principalsKey() string           { return s.prefix + "principals" }
func (s *RedisStore) transactionKey(id string) string { return s.prefix + "tx:" + id }
func (s *RedisStore) transactionsKey() string         { return s.prefix + "txs" }
func (s *RedisStore) envelopeKey(id string) string    { return s.prefix + "envelope:" + id }
func (s *RedisStore) inboxKey(id string) string       { return s.prefix + "inbox:" + id }

func (s *RedisStore) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode principal: %w", err)
	}

	userKey, mailKey, key := s.usernameKey(p.Username), s.emailKey(p.Email), s.principalKey(p.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, userKey, mailKey, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return core.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, userKey, p.ID, 0)
			pipe.Set(ctx, mailKey, p.ID, 0)
			pipe.SAdd(ctx, s.principalsKey(), p.ID)
			return nil
		})
		return err
	}, userKey, mailKey, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return core.ErrConflict
	default:
		return fmt.Errorf("failed to create principal: %w", err)
	}
}

func (s *RedisStore) LoadPrincipal(ctx context.Context, id string) (*core.Principal, error) {
	p := &core.Principal{}
	if err := s.getJSON(ctx, s.client, s.principalKey(id), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *RedisStore) LoadPrincipalByUsername(ctx context.Context, username string) (*core.Principal, error) {
	id, err := s.client.Get(ctx, s.usernameKey(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}
	return s.LoadPrincipal(ctx, id)
}

func (s *RedisStore) SavePrincipal(ctx context.Context, p *core.Principal, expectedVersion int64) error {
	next := p.Clone()
	next.Version = expectedVersion + 1
	if err := s.compareAndSet(ctx, s.principalKey(p.ID), expectedVersion, next); err != nil {
		return err
	}
	p.Version = next.Version
	return nil
}

func (s *RedisStore) ListPrincipals(ctx context.Context) ([]*core.Principal, error) {
	ids, err := s.client.SMembers(ctx, s.principalsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}

	out := make([]*core.Principal, 0, len(ids))
	for _, id := range ids {
		p, err := s.LoadPrincipal(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) CreateTransaction(ctx context.Context, tx *core.PendingTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.transactionKey(tx.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	if !ok {
		return core.ErrConflict
	}

	member := redis.Z{Score: float64(tx.CreatedAt.UnixNano()), Member: tx.ID}
	if err := s.client.ZAdd(ctx, s.transactionsKey(), member).Err(); err != nil {
		return fmt.Errorf("failed to index transaction: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadTransaction(ctx context.Context, id string) (*core.PendingTransaction, error) {
	tx := &core.PendingTransaction{}
	if err := s.getJSON(ctx, s.client, s.transactionKey(id), tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *RedisStore) SaveTransaction(ctx context.Context, tx *core.PendingTransaction, expectedVersion int64) error {
	next := tx.Clone()
	next.Version = expectedVersion + 1
	if err := s.compareAndSet(ctx, s.transactionKey(tx.ID), expectedVersion, next); err != nil {
		return err
	}
	tx.Version = next.Version
	return nil
}

func (s *RedisStore) ListTransactions(ctx context.Context) ([]*core.PendingTransaction, error) {
	ids, err := s.client.ZRevRange(ctx, s.transactionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*core.PendingTransaction, 0, len(ids))
	for _, id := range ids {
		tx, err := s.LoadTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *RedisStore) CreateEnvelope(ctx context.Context, env *core.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.envelopeKey(env.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create envelope: %w", err)
	}
	if !ok {
		return core.ErrConflict
	}

	if err := s.client.RPush(ctx, s.inboxKey(env.RecipientID), env.ID).Err(); err != nil {
		return fmt.Errorf("failed to index envelope: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadEnvelope(ctx context.Context, id string) (*core.Envelope, error) {
	env := &core.Envelope{}
	if err := s.getJSON(ctx, s.client, s.envelopeKey(id), env); err != nil {
		return nil, err
	}
	return env, nil
}

func (s *RedisStore) ListEnvelopes(ctx context.Context, recipientID string) ([]*core.Envelope, error) {
	ids, err := s.client.LRange(ctx, s.inboxKey(recipientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}

	out := make([]*core.Envelope, 0, len(ids))
	for _, id := range ids {
		env, err := s.LoadEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

type versioned struct {
	Version int64 `json:"version"`
}

// compareAndSet writes value only if the stored document still carries expectedVersion
func (s *RedisStore) compareAndSet(ctx context.Context, key string, expectedVersion int64, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current versioned
		if err := s.getJSON(ctx, tx, key, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return core.ErrVersionConflict
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return core.ErrVersionConflict
	case errors.Is(err, core.ErrVersionConflict), errors.Is(err, core.ErrNotFound):
		return err
	default:
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getJSON(ctx context.Context, c getter, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.ErrNotFound
		}
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}
