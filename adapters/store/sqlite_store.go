package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/layer-3/sentinel/core"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS principals (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	email      TEXT NOT NULL UNIQUE,
	version    INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS envelopes (
	id           TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	data         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS envelopes_recipient ON envelopes (recipient_id, created_at);
`

// SQLiteStore keeps JSON documents in SQLite. Saves are guarded by
// UPDATE ... WHERE version = ?, so a stale writer changes no rows.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a
// private in-process database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode principal: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO principals (id, username, email, version, data) VALUES (?, ?, ?, ?, ?)`,
		p.ID, normalize(p.Username), normalize(p.Email), p.Version, data)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict
		}
		return fmt.Errorf("failed to insert principal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadPrincipal(ctx context.Context, id string) (*core.Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, data FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

func (s *SQLiteStore) LoadPrincipalByUsername(ctx context.Context, username string) (*core.Principal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, data FROM principals WHERE username = ?`, normalize(username))
	return scanPrincipal(row)
}

func (s *SQLiteStore) SavePrincipal(ctx context.Context, p *core.Principal, expectedVersion int64) error {
	next := p.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode principal: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET data = ?, version = ? WHERE id = ? AND version = ?`,
		data, next.Version, p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update principal: %w", err)
	}
	if err := s.checkUpdated(ctx, res, "principals", p.ID); err != nil {
		return err
	}
	p.Version = next.Version
	return nil
}

func (s *SQLiteStore) ListPrincipals(ctx context.Context) ([]*core.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, data FROM principals ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var out []*core.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *core.PendingTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, created_at, version, data) VALUES (?, ?, ?, ?)`,
		tx.ID, tx.CreatedAt.UnixNano(), tx.Version, data)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadTransaction(ctx context.Context, id string) (*core.PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, data FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (s *SQLiteStore) SaveTransaction(ctx context.Context, tx *core.PendingTransaction, expectedVersion int64) error {
	next := tx.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET data = ?, version = ? WHERE id = ? AND version = ?`,
		data, next.Version, tx.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := s.checkUpdated(ctx, res, "transactions", tx.ID); err != nil {
		return err
	}
	tx.Version = next.Version
	return nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context) ([]*core.PendingTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, data FROM transactions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*core.PendingTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateEnvelope(ctx context.Context, env *core.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes (id, recipient_id, created_at, data) VALUES (?, ?, ?, ?)`,
		env.ID, env.RecipientID, env.CreatedAt.UnixNano(), data)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict
		}
		return fmt.Errorf("failed to insert envelope: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadEnvelope(ctx context.Context, id string) (*core.Envelope, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM envelopes WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}

	env := &core.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

func (s *SQLiteStore) ListEnvelopes(ctx context.Context, recipientID string) ([]*core.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM envelopes WHERE recipient_id = ? ORDER BY created_at`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	out := []*core.Envelope{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		env := &core.Envelope{}
		if err := json.Unmarshal(data, env); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// checkUpdated tells a stale version apart from a missing row.
func (s *SQLiteStore) checkUpdated(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", table, err)
	}
	if exists == 0 {
		return core.ErrNotFound
	}
	return core.ErrVersionConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row scanner) (*core.Principal, error) {
	var (
		version int64
		data    []byte
	)
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}

	p := &core.Principal{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode principal: %w", err)
	}
	p.Version = version
	return p, nil
}

func scanTransaction(row scanner) (*core.PendingTransaction, error) {
	var (
		version int64
		data    []byte
	)
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	tx := &core.PendingTransaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	tx.Version = version
	return tx, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
