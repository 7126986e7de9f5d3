// Package syncer persists extracted documents: it drops records without a
// folio, resolves counterparties, classifies each record as a create or an
// update and writes the batch with a single set-based upsert.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/store"
	"github.com/yourorg/taxsync/pkg/types"
)

// Engine writes batches of one tenant and direction.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logging.OrDiscard(logger)}
}

// extra is the per-record metadata kept next to the portal payload.
type extra struct {
	Kind          types.DocumentKind `json:"kind"`
	DocumentCount int                `json:"document_count,omitempty"`
	InternalID    string             `json:"internal_id,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// Upsert writes docs for tenantID and dir. Counters are computed before the
// write, so a failed write returns the error and no counters.
func (e *Engine) Upsert(ctx context.Context, tenantID string, dir types.Direction, docs []types.RawDocument) (types.UpsertResult, error) {
	res := types.UpsertResult{ByType: map[string]types.Counter{}}
	if tenantID == "" {
		return res, fmt.Errorf("%w: empty tenant", types.ErrInvalidInput)
	}
	log := e.logger.With("tenant", tenantID, "direction", string(dir))

	batch, items := e.usable(log, docs)
	for _, it := range items {
		c := res.ByType[it.TypeCode]
		c.Skipped++
		res.ByType[it.TypeCode] = c
		res.Skipped++
	}
	res.Items = items
	if len(batch) == 0 {
		return res, nil
	}

	ids, err := e.resolveCounterparties(ctx, log, tenantID, dir, batch)
	if err != nil {
		return types.UpsertResult{}, err
	}

	folios := make([]string, len(batch))
	for i, d := range batch {
		folios[i] = d.Folio
	}
	existing, err := e.store.ExistingFolios(ctx, tenantID, dir, folios)
	if err != nil {
		return types.UpsertResult{}, asPersistence("lookup folios", err)
	}

	records := make([]types.SyncRecord, 0, len(batch))
	for _, d := range batch {
		rec, err := toRecord(tenantID, dir, d, ids)
		if err != nil {
			return types.UpsertResult{}, err
		}
		records = append(records, rec)

		c := res.ByType[d.TypeCode]
		c.Total++
		if _, ok := existing[d.Folio]; ok {
			c.Updated++
		} else {
			c.Created++
		}
		res.ByType[d.TypeCode] = c
		if d.Degraded() {
			res.Degraded++
		}
	}
	if err := e.store.UpsertDocuments(ctx, records); err != nil {
		return types.UpsertResult{}, asPersistence("upsert documents", err)
	}

	for _, c := range res.ByType {
		res.Total += c.Total
		res.Created += c.Created
		res.Updated += c.Updated
	}
	log.Info("batch upserted", "total", res.Total, "created", res.Created, "updated", res.Updated, "skipped", res.Skipped, "degraded", res.Degraded)
	return res, nil
}

// usable drops documents without a folio and keeps the last occurrence of a
// repeated folio, preserving first-seen order.
func (e *Engine) usable(log *slog.Logger, docs []types.RawDocument) ([]types.RawDocument, []types.ItemError) {
	var skipped []types.ItemError
	index := make(map[string]int, len(docs))
	out := make([]types.RawDocument, 0, len(docs))
	for _, d := range docs {
		d.Folio = strings.TrimSpace(d.Folio)
		if d.Folio == "" {
			log.Warn("document without folio skipped", "type", d.TypeCode, "issue_date", d.IssueDate.Format("2006-01-02"))
			skipped = append(skipped, types.ItemError{TypeCode: d.TypeCode, Message: "missing folio"})
			continue
		}
		if i, ok := index[d.Folio]; ok {
			log.Debug("duplicate folio in batch", "folio", d.Folio, "type", d.TypeCode)
			skipped = append(skipped, types.ItemError{Folio: d.Folio, TypeCode: out[i].TypeCode, Message: "duplicate folio in batch"})
			out[i] = d
			continue
		}
		index[d.Folio] = len(out)
		out = append(out, d)
	}
	return out, skipped
}

func (e *Engine) resolveCounterparties(ctx context.Context, log *slog.Logger, tenantID string, dir types.Direction, batch []types.RawDocument) (map[string]int64, error) {
	role := types.RoleFor(dir)
	seen := map[string]int{}
	var keys []store.CounterpartyKey
	for i := range batch {
		if batch[i].CounterpartyTaxID == "" {
			continue
		}
		id := types.NormalizeTaxID(batch[i].CounterpartyTaxID)
		batch[i].CounterpartyTaxID = id
		if id == "" {
			continue
		}
		name := strings.TrimSpace(batch[i].CounterpartyName)
		if j, ok := seen[id]; ok {
			if keys[j].DisplayName == "" {
				keys[j].DisplayName = name
			}
			continue
		}
		if !types.ValidTaxID(id) {
			log.Warn("counterparty tax id fails check digit", "taxid", id, "folio", batch[i].Folio)
		}
		seen[id] = len(keys)
		keys = append(keys, store.CounterpartyKey{NormalizedTaxID: id, DisplayName: name, Role: role})
	}
	if len(keys) == 0 {
		return nil, nil
	}
	ids, err := e.store.ResolveCounterparties(ctx, tenantID, keys)
	if err != nil {
		return nil, asPersistence("resolve counterparties", err)
	}
	return ids, nil
}

func toRecord(tenantID string, dir types.Direction, d types.RawDocument, ids map[string]int64) (types.SyncRecord, error) {
	status := types.StatusSynced
	if d.Degraded() {
		status = types.StatusDegraded
	}
	ex, err := json.Marshal(extra{Kind: d.Kind, DocumentCount: d.DocumentCount, InternalID: d.InternalID, Warnings: d.Warnings})
	if err != nil {
		return types.SyncRecord{}, fmt.Errorf("encode extra payload for %s: %w", d.Folio, err)
	}
	rec := types.SyncRecord{
		TenantID:     tenantID,
		Direction:    dir,
		Folio:        d.Folio,
		IssueDate:    d.IssueDate,
		NetAmount:    d.NetAmount,
		TaxAmount:    d.TaxAmount,
		ExemptAmount: d.ExemptAmount,
		TotalAmount:  d.TotalAmount,
		TypeCode:     d.TypeCode,
		Status:       status,
		RawPayload:   d.RawPayload,
		ExtraPayload: ex,
	}
	if id, ok := ids[d.CounterpartyTaxID]; ok {
		rec.CounterpartyRef = &id
	}
	return rec, nil
}

func asPersistence(op string, err error) error {
	var pe *types.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &types.PersistenceError{Op: op, Err: err}
}
