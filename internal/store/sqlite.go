package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/taxsync/pkg/types"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; a single connection also keeps the pragmas below
	// in effect for every statement.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := s.db.Exec(pragma); err != nil {
			return err
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS portal_sessions (
			tenant_id TEXT PRIMARY KEY,
			credential_ref TEXT NOT NULL,
			cookies TEXT NOT NULL,
			derived_headers TEXT NOT NULL DEFAULT '{}',
			captured_at DATETIME NOT NULL,
			last_validated_at DATETIME NOT NULL,
			is_valid INTEGER NOT NULL,
			invalid_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS counterparty_entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			normalized_tax_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(tenant_id, normalized_tax_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			folio TEXT NOT NULL,
			issue_date TEXT NOT NULL,
			counterparty_id INTEGER REFERENCES counterparty_entities(id),
			net_amount TEXT NOT NULL,
			tax_amount TEXT NOT NULL,
			exempt_amount TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			type_code TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_payload TEXT,
			extra_payload TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(tenant_id, direction, folio)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_issue ON sync_documents(tenant_id, direction, issue_date);`,
		`CREATE TABLE IF NOT EXISTS sync_checkpoints (
			tenant_id TEXT NOT NULL,
			period TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			documents INTEGER NOT NULL DEFAULT 0,
			error_msg TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY(tenant_id, period, direction)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *types.Session) error {
	cookies, err := json.Marshal(sess.Cookies)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(sess.DerivedHeaders)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO portal_sessions(tenant_id,credential_ref,cookies,derived_headers,captured_at,last_validated_at,is_valid,invalid_reason)
	VALUES(?,?,?,?,?,?,?,?)
	ON CONFLICT(tenant_id) DO UPDATE SET credential_ref=excluded.credential_ref,cookies=excluded.cookies,derived_headers=excluded.derived_headers,captured_at=excluded.captured_at,last_validated_at=excluded.last_validated_at,is_valid=excluded.is_valid,invalid_reason=excluded.invalid_reason`,
		sess.TenantID, sess.CredentialRef, string(cookies), string(headers), sess.CapturedAt.UTC(), sess.LastValidatedAt.UTC(), sess.IsValid, sess.InvalidReason)
	if err != nil {
		return &types.PersistenceError{Op: "save session", Err: err}
	}
	return nil
}

const sessionColumns = `tenant_id,credential_ref,cookies,derived_headers,captured_at,last_validated_at,is_valid,invalid_reason`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var (
		out              types.Session
		cookies, headers string
	)
	if err := row.Scan(&out.TenantID, &out.CredentialRef, &cookies, &headers, &out.CapturedAt, &out.LastValidatedAt, &out.IsValid, &out.InvalidReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cookies), &out.Cookies); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	if headers != "" && headers != "null" {
		if err := json.Unmarshal([]byte(headers), &out.DerivedHeaders); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &out, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, tenantID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM portal_sessions WHERE tenant_id=?`, tenantID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", tenantID, types.ErrNotFound)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM portal_sessions ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InvalidateSession(ctx context.Context, tenantID, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE portal_sessions SET is_valid=0, invalid_reason=? WHERE tenant_id=?`, reason, tenantID)
	if err != nil {
		return &types.PersistenceError{Op: "invalidate session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", tenantID, types.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM portal_sessions WHERE tenant_id=?`, tenantID)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}
