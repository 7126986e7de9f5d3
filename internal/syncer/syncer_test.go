package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/taxsync/internal/store"
	"github.com/yourorg/taxsync/pkg/types"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func doc(folio, tc, taxID, name string, total int64) types.RawDocument {
	return types.RawDocument{
		Folio:             folio,
		IssueDate:         time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		CounterpartyTaxID: taxID,
		CounterpartyName:  name,
		NetAmount:         decimal.NewFromInt(total),
		TotalAmount:       decimal.NewFromInt(total),
		TypeCode:          tc,
		Kind:              types.KindDetail,
		RawPayload:        json.RawMessage(`{"detNroDoc":"` + folio + `"}`),
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	st := newStore(t)
	e := New(st, nil)
	ctx := context.Background()
	docs := []types.RawDocument{
		doc("1", "33", "76.123.456-k", "Proveedora SpA", 100),
		doc("2", "33", "76123456-K", "", 200),
		doc("3", "34", "", "", 300),
	}

	first, err := e.Upsert(ctx, "t1", types.DirectionPurchase, docs)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 0, first.Updated)
	assert.Equal(t, types.Counter{Total: 2, Created: 2}, first.ByType["33"])

	before, err := st.ListDocuments(ctx, types.DocumentFilter{TenantID: "t1"})
	require.NoError(t, err)

	second, err := e.Upsert(ctx, "t1", types.DirectionPurchase, docs)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated)

	after, err := st.ListDocuments(ctx, types.DocumentFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	cps, err := st.ListCounterparties(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "76123456-K", cps[0].NormalizedTaxID)
	assert.Equal(t, "Proveedora SpA", cps[0].DisplayName)
	assert.Equal(t, types.RoleProvider, cps[0].Role)
	require.NotNil(t, after[0].CounterpartyRef)
	assert.Equal(t, cps[0].ID, *after[0].CounterpartyRef)
}

func TestMissingFolioIsSkipped(t *testing.T) {
	e := New(newStore(t), nil)
	res, err := e.Upsert(context.Background(), "t1", types.DirectionSale, []types.RawDocument{
		doc("  ", "33", "", "", 1),
		doc("10", "33", "", "", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, types.Counter{Total: 1, Created: 1, Skipped: 1}, res.ByType["33"])
	assert.Equal(t, []types.ItemError{{TypeCode: "33", Message: "missing folio"}}, res.Items)
}

func TestDuplicateFolioKeepsLast(t *testing.T) {
	st := newStore(t)
	e := New(st, nil)
	ctx := context.Background()
	res, err := e.Upsert(ctx, "t1", types.DirectionSale, []types.RawDocument{
		doc("10", "33", "", "", 1),
		doc("10", "33", "", "", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "10", res.Items[0].Folio)

	rows, err := st.ListDocuments(ctx, types.DocumentFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalAmount.Equal(decimal.NewFromInt(2)))
}

func TestRoleWidensAcrossDirections(t *testing.T) {
	st := newStore(t)
	e := New(st, nil)
	ctx := context.Background()
	_, err := e.Upsert(ctx, "t1", types.DirectionPurchase, []types.RawDocument{doc("1", "33", "11111111-1", "Acme", 1)})
	require.NoError(t, err)
	_, err = e.Upsert(ctx, "t1", types.DirectionSale, []types.RawDocument{doc("1", "33", "11.111.111-1", "Acme", 1)})
	require.NoError(t, err)

	cps, err := st.ListCounterparties(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, types.RoleBoth, cps[0].Role)
}

func TestDegradedStatusAndExtraPayload(t *testing.T) {
	st := newStore(t)
	e := New(st, nil)
	ctx := context.Background()
	d := doc("20250248", "48", "", "", 500)
	d.Kind = types.KindMonthly
	d.DocumentCount = 12
	d.Warnings = []string{types.WarnLowFidelity}
	ok := doc("5", "33", "", "", 1)
	ok.InternalID = "ABC"

	res, err := e.Upsert(ctx, "t1", types.DirectionSale, []types.RawDocument{d, ok})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Degraded)

	rows, err := st.ListDocuments(ctx, types.DocumentFilter{TenantID: "t1", Direction: types.DirectionSale})
	require.NoError(t, err)
	byFolio := map[string]types.SyncRecord{}
	for _, r := range rows {
		byFolio[r.Folio] = r
	}
	assert.Equal(t, types.StatusDegraded, byFolio["20250248"].Status)
	assert.JSONEq(t, `{"kind":"monthly_aggregate","document_count":12,"warnings":["low_fidelity_monthly_aggregate"]}`, string(byFolio["20250248"].ExtraPayload))
	assert.Equal(t, types.StatusSynced, byFolio["5"].Status)
	assert.JSONEq(t, `{"kind":"detail","internal_id":"ABC"}`, string(byFolio["5"].ExtraPayload))
}

type failingStore struct {
	store.Store
}

func (failingStore) ExistingFolios(context.Context, string, types.Direction, []string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (failingStore) UpsertDocuments(context.Context, []types.SyncRecord) error {
	return errors.New("disk full")
}

func TestWriteFailureIsPersistenceError(t *testing.T) {
	e := New(failingStore{}, nil)
	_, err := e.Upsert(context.Background(), "t1", types.DirectionSale, []types.RawDocument{doc("1", "33", "", "", 1)})
	var pe *types.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "upsert documents", pe.Op)
}

func TestEmptyTenantRejected(t *testing.T) {
	_, err := New(failingStore{}, nil).Upsert(context.Background(), "", types.DirectionSale, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
