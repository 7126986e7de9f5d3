package portal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/pkg/types"
)

var feb2025 = types.Period{Year: 2025, Month: time.February}

func noSleep(t *testing.T) {
	t.Helper()
	prev := sleepFn
	sleepFn = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { sleepFn = prev })
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Portal.BaseURL = baseURL
	cfg.Extraction.RequestsPerSecond = 1000
	return cfg
}

func testSession() *types.Session {
	return &types.Session{
		TenantID:      "t1",
		CredentialRef: "76.123.456-k",
		Cookies:       []types.Cookie{{Name: "TOKEN", Value: "tok-1"}, {Name: "CSESSIONID", Value: "c1"}},
		IsValid:       true,
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(testConfig(srv.URL), testSession(), nil)
	require.NoError(t, err)
	return c
}

func TestSummarySendsSessionAndDecodes(t *testing.T) {
	var got request
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consdcvinternetui/services/data/facadeService/getResumen", r.URL.Path)
		assert.Equal(t, "tok-1", r.Header.Get(TokenHeader))
		ck, err := r.Cookie("TOKEN")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", ck.Value)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write(fixture(t, "summary.json"))
	}))

	lines, _, err := c.Summary(context.Background(), feb2025, types.DirectionPurchase)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, "tok-1", got.MetaData.ConversationID)
	assert.NotEmpty(t, got.MetaData.TransactionID)
	data := got.Data.(map[string]any)
	assert.Equal(t, "76123456", data["rutEmisor"])
	assert.Equal(t, "K", data["dvEmisor"])
	assert.Equal(t, "202502", data["ptributario"])
	assert.Equal(t, "COMPRA", data["operacion"])

	assert.Equal(t, "33", lines[0].TypeCode)
	assert.Equal(t, 3, lines[0].DocumentCount)
	assert.Equal(t, types.DetailAvailable, lines[0].Mode)
	assert.True(t, lines[0].TotalAmount.Equal(decimal.NewFromInt(357000)))
	assert.Equal(t, types.AggregateNoDetail, lines[1].Mode)
	assert.True(t, lines[1].NetAmount.Equal(decimal.NewFromInt(1050420)))
	assert.Equal(t, types.AggregateNoDetail, lines[2].Mode)
	assert.True(t, lines[2].ExemptAmount.IsZero())
}

func TestDetailsDecodesDocuments(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consdcvinternetui/services/data/facadeService/getDetalleVenta", r.URL.Path)
		_, _ = w.Write(fixture(t, "detail.json"))
	}))

	docs, _, err := c.Details(context.Background(), feb2025, types.DirectionSale, "33")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "1001", docs[0].Folio)
	assert.Equal(t, "76123456-K", docs[0].CounterpartyTaxID)
	assert.Equal(t, "Proveedora Uno SpA", docs[0].CounterpartyName)
	assert.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), docs[0].IssueDate)
	assert.Equal(t, types.KindDetail, docs[0].Kind)
	assert.JSONEq(t, `{"detNroDoc": 1001, "detFchDoc": "03/02/2025", "detRutDoc": 76123456, "detDvDoc": "k", "detRznSoc": " Proveedora Uno SpA ", "detMntNeto": 100000, "detMntIVA": 19000, "detMntExe": 0, "detMntTotal": 119000, "detTipoDoc": 33}`, string(docs[0].RawPayload))
	assert.Equal(t, "", docs[2].Folio)
}

func TestDetailsSkipsUnreadableRows(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data": [
			{"detNroDoc": 101, "detFchDoc": "03/02/2025", "detRutDoc": 11111111, "detDvDoc": "1", "detMntNeto": 100, "detMntIVA": 19, "detMntTotal": 119, "detTipoDoc": 33},
			{"detNroDoc": 102, "detFchDoc": "", "detMntNeto": 100, "detTipoDoc": 33},
			{"detNroDoc": 103, "detFchDoc": "04/02/2025", "detMntNeto": "n/a", "detTipoDoc": 33}
		], "respEstado": {"codRespuesta": 0, "msgeRespuesta": ""}}`)
	}))

	docs, bad, err := c.Details(context.Background(), feb2025, types.DirectionPurchase, "33")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "101", docs[0].Folio)
	assert.Equal(t, "11111111-1", docs[0].CounterpartyTaxID)

	require.Len(t, bad, 2)
	assert.Equal(t, 1, bad[0].Index)
	assert.Equal(t, "102", bad[0].Folio)
	assert.Contains(t, bad[0].Error(), "unparseable date")
	assert.Equal(t, 2, bad[1].Index)
	assert.Equal(t, "103", bad[1].Folio)
	assert.Contains(t, bad[1].Error(), `amount "n/a"`)
}

func TestDailySkipsUnreadableDay(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data": [
			{"detFchDoc": "01/02/2025", "detCantDoc": 4, "detMntTotal": 400},
			{"detFchDoc": "yesterday", "detCantDoc": 2, "detMntTotal": 200}
		], "respEstado": {"codRespuesta": 0, "msgeRespuesta": ""}}`)
	}))

	days, bad, err := c.DailyAggregates(context.Background(), feb2025, types.DirectionSale, "39")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, 4, days[0].DocumentCount)
	require.Len(t, bad, 1)
	assert.Equal(t, 1, bad[0].Index)
}

func TestDailyAggregates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fixture(t, "daily.json"))
	}))
	days, _, err := c.DailyAggregates(context.Background(), feb2025, types.DirectionSale, "39")
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, 55, days[1].DocumentCount)
	assert.True(t, days[1].TotalAmount.Equal(decimal.NewFromInt(55000)))
}

func TestNoDataCodeIsEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"respEstado":{"codRespuesta":2,"msgeRespuesta":"No hay datos"}}`))
	}))
	lines, _, err := c.Summary(context.Background(), feb2025, types.DirectionSale)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestPortalErrorCodeNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"data":null,"respEstado":{"codRespuesta":99,"msgeRespuesta":"Error interno"}}`))
	}))
	_, _, err := c.Summary(context.Background(), feb2025, types.DirectionSale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error interno")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetriesServerErrors(t *testing.T) {
	noSleep(t)
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(fixture(t, "summary.json"))
	}))
	lines, _, err := c.Summary(context.Background(), feb2025, types.DirectionPurchase)
	require.NoError(t, err)
	assert.Len(t, lines, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetriesAreBounded(t *testing.T) {
	noSleep(t)
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, _, err := c.Summary(context.Background(), feb2025, types.DirectionPurchase)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSessionExpiredOnForbidden(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	_, _, err := c.Summary(context.Background(), feb2025, types.DirectionPurchase)
	assert.True(t, errors.Is(err, types.ErrSessionExpired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSessionExpiredOnLoginRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/consdcvinternetui/services/data/facadeService/getResumen", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/AUT2000/InicioAutenticacion/IngresoRutClave.html", http.StatusFound)
	})
	c := newTestClient(t, mux)
	_, _, err := c.Summary(context.Background(), feb2025, types.DirectionPurchase)
	assert.True(t, errors.Is(err, types.ErrSessionExpired), "got %v", err)
}

func TestNewRequiresTokenCookie(t *testing.T) {
	s := testSession()
	s.Cookies = s.Cookies[1:]
	_, err := New(testConfig("https://www4.sii.cl"), s, nil)
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	s = testSession()
	s.CredentialRef = ""
	_, err = New(testConfig("https://www4.sii.cl"), s, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
