package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/taxsync/pkg/types"
)

// chunkSize bounds rows per statement so bound parameters stay well under
// SQLite's variable limit.
const chunkSize = 500

const dateLayout = "2006-01-02"

func (s *SQLiteStore) ResolveCounterparties(ctx context.Context, tenantID string, keys []CounterpartyKey) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &types.PersistenceError{Op: "resolve counterparties", Err: err}
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO counterparty_entities(tenant_id,normalized_tax_id,display_name,role,created_at,updated_at)
	VALUES(?,?,?,?,?,?)
	ON CONFLICT(tenant_id,normalized_tax_id) DO UPDATE SET
		role=CASE WHEN counterparty_entities.role=excluded.role THEN counterparty_entities.role ELSE 'both' END,
		display_name=CASE WHEN counterparty_entities.display_name='' THEN excluded.display_name ELSE counterparty_entities.display_name END,
		updated_at=CASE WHEN counterparty_entities.role<>excluded.role OR (counterparty_entities.display_name='' AND excluded.display_name<>'') THEN excluded.updated_at ELSE counterparty_entities.updated_at END
	RETURNING id`)
	if err != nil {
		return nil, &types.PersistenceError{Op: "resolve counterparties", Err: err}
	}
	defer stmt.Close()
	now := s.now()
	for _, k := range keys {
		if k.NormalizedTaxID == "" {
			continue
		}
		if _, ok := out[k.NormalizedTaxID]; ok {
			continue
		}
		var id int64
		if err := stmt.QueryRowContext(ctx, tenantID, k.NormalizedTaxID, k.DisplayName, string(k.Role), now, now).Scan(&id); err != nil {
			return nil, &types.PersistenceError{Op: "resolve counterparty " + k.NormalizedTaxID, Err: err}
		}
		out[k.NormalizedTaxID] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, &types.PersistenceError{Op: "resolve counterparties", Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) ListCounterparties(ctx context.Context, tenantID string) ([]types.Counterparty, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,tenant_id,normalized_tax_id,display_name,role,created_at,updated_at FROM counterparty_entities WHERE tenant_id=? ORDER BY normalized_tax_id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Counterparty
	for rows.Next() {
		var c types.Counterparty
		var role string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.NormalizedTaxID, &c.DisplayName, &role, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Role = types.CounterpartyRole(role)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ExistingFolios(ctx context.Context, tenantID string, dir types.Direction, folios []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, chunk := range chunks(folios, chunkSize) {
		args := make([]any, 0, len(chunk)+2)
		args = append(args, tenantID, string(dir))
		for _, f := range chunk {
			args = append(args, f)
		}
		q := `SELECT folio FROM sync_documents WHERE tenant_id=? AND direction=? AND folio IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, &types.PersistenceError{Op: "lookup folios", Err: err}
		}
		for rows.Next() {
			var f string
			if err := rows.Scan(&f); err != nil {
				rows.Close()
				return nil, err
			}
			out[f] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

const documentColumns = `tenant_id,direction,folio,issue_date,counterparty_id,net_amount,tax_amount,exempt_amount,total_amount,type_code,status,raw_payload,extra_payload,created_at,updated_at`

// Only rows whose content changed get a new updated_at, so re-syncing the
// same data leaves rows untouched.
const upsertDocumentsTail = `
ON CONFLICT(tenant_id,direction,folio) DO UPDATE SET
	issue_date=excluded.issue_date,
	counterparty_id=excluded.counterparty_id,
	net_amount=excluded.net_amount,
	tax_amount=excluded.tax_amount,
	exempt_amount=excluded.exempt_amount,
	total_amount=excluded.total_amount,
	type_code=excluded.type_code,
	status=excluded.status,
	raw_payload=excluded.raw_payload,
	extra_payload=excluded.extra_payload,
	updated_at=CASE WHEN
		sync_documents.issue_date IS NOT excluded.issue_date OR
		sync_documents.counterparty_id IS NOT excluded.counterparty_id OR
		sync_documents.net_amount IS NOT excluded.net_amount OR
		sync_documents.tax_amount IS NOT excluded.tax_amount OR
		sync_documents.exempt_amount IS NOT excluded.exempt_amount OR
		sync_documents.total_amount IS NOT excluded.total_amount OR
		sync_documents.type_code IS NOT excluded.type_code OR
		sync_documents.status IS NOT excluded.status OR
		sync_documents.raw_payload IS NOT excluded.raw_payload OR
		sync_documents.extra_payload IS NOT excluded.extra_payload
	THEN excluded.updated_at ELSE sync_documents.updated_at END`

func (s *SQLiteStore) UpsertDocuments(ctx context.Context, records []types.SyncRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.PersistenceError{Op: "upsert documents", Err: err}
	}
	defer tx.Rollback()
	now := s.now()
	const cols = 15
	for _, chunk := range chunks(records, chunkSize) {
		var b strings.Builder
		b.WriteString(`INSERT INTO sync_documents(` + documentColumns + `) VALUES `)
		args := make([]any, 0, len(chunk)*cols)
		for i, r := range chunk {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString("(" + placeholders(cols) + ")")
			created, updated := r.CreatedAt, r.UpdatedAt
			if created.IsZero() {
				created = now
			}
			if updated.IsZero() {
				updated = now
			}
			args = append(args,
				r.TenantID, string(r.Direction), r.Folio, r.IssueDate.Format(dateLayout), nullableID(r.CounterpartyRef),
				r.NetAmount.String(), r.TaxAmount.String(), r.ExemptAmount.String(), r.TotalAmount.String(),
				r.TypeCode, r.Status, nullableJSON(r.RawPayload), nullableJSON(r.ExtraPayload),
				created.UTC(), updated.UTC())
		}
		b.WriteString(upsertDocumentsTail)
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return &types.PersistenceError{Op: "upsert documents", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &types.PersistenceError{Op: "upsert documents", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, f types.DocumentFilter) ([]types.SyncRecord, error) {
	q := `SELECT ` + documentColumns + ` FROM sync_documents WHERE tenant_id=?`
	args := []any{f.TenantID}
	if f.Direction != "" {
		q += ` AND direction=?`
		args = append(args, string(f.Direction))
	}
	if f.Period != nil {
		q += ` AND issue_date>=? AND issue_date<?`
		args = append(args, f.Period.Start().Format(dateLayout), f.Period.End().Format(dateLayout))
	}
	q += ` ORDER BY direction ASC, issue_date ASC, folio ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SyncRecord
	for rows.Next() {
		r, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanDocument(rows *sql.Rows) (types.SyncRecord, error) {
	var (
		r                        types.SyncRecord
		dir, issue               string
		cpID                     sql.NullInt64
		net, tax, exempt, total  string
		rawPayload, extraPayload sql.NullString
	)
	if err := rows.Scan(&r.TenantID, &dir, &r.Folio, &issue, &cpID, &net, &tax, &exempt, &total,
		&r.TypeCode, &r.Status, &rawPayload, &extraPayload, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.Direction = types.Direction(dir)
	d, err := time.Parse(dateLayout, issue)
	if err != nil {
		return r, fmt.Errorf("folio %s: issue date: %w", r.Folio, err)
	}
	r.IssueDate = d
	if cpID.Valid {
		id := cpID.Int64
		r.CounterpartyRef = &id
	}
	for _, a := range []struct {
		dst *decimal.Decimal
		src string
	}{{&r.NetAmount, net}, {&r.TaxAmount, tax}, {&r.ExemptAmount, exempt}, {&r.TotalAmount, total}} {
		v, err := decimal.NewFromString(a.src)
		if err != nil {
			return r, fmt.Errorf("folio %s: amount %q: %w", r.Folio, a.src, err)
		}
		*a.dst = v
	}
	if rawPayload.Valid {
		r.RawPayload = []byte(rawPayload.String)
	}
	if extraPayload.Valid {
		r.ExtraPayload = []byte(extraPayload.String)
	}
	return r, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_checkpoints(tenant_id,period,direction,status,documents,error_msg,run_id,updated_at)
	VALUES(?,?,?,?,?,?,?,?)
	ON CONFLICT(tenant_id,period,direction) DO UPDATE SET status=excluded.status,documents=excluded.documents,error_msg=excluded.error_msg,run_id=excluded.run_id,updated_at=excluded.updated_at`,
		cp.TenantID, cp.Period, string(cp.Direction), cp.Status, cp.Documents, cp.ErrorMsg, cp.RunID, cp.UpdatedAt.UTC())
	if err != nil {
		return &types.PersistenceError{Op: "save checkpoint", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, tenantID string) ([]types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id,period,direction,status,documents,error_msg,run_id,updated_at FROM sync_checkpoints WHERE tenant_id=? ORDER BY period DESC, direction ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		var dir string
		if err := rows.Scan(&cp.TenantID, &cp.Period, &dir, &cp.Status, &cp.Documents, &cp.ErrorMsg, &cp.RunID, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		cp.Direction = types.Direction(dir)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
