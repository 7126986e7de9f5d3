package extract

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/internal/browser/browsertest"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/portal"
	"github.com/yourorg/taxsync/internal/snapshot"
	"github.com/yourorg/taxsync/pkg/types"
)

var feb = types.Period{Year: 2025, Month: time.February}

type fakeSource struct {
	mu         sync.Mutex
	summary    map[types.Direction][]types.PeriodSummaryLine
	summaryErr map[types.Direction]error
	details    map[string][]types.RawDocument
	detailErr  map[string]error
	daily      map[string][]portal.DailyAggregate
	badRows    map[string][]portal.RowError
	calls      []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		summary:    map[types.Direction][]types.PeriodSummaryLine{},
		summaryErr: map[types.Direction]error{},
		details:    map[string][]types.RawDocument{},
		detailErr:  map[string]error{},
		daily:      map[string][]portal.DailyAggregate{},
		badRows:    map[string][]portal.RowError{},
	}
}

func (s *fakeSource) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSource) Summary(_ context.Context, _ types.Period, dir types.Direction) ([]types.PeriodSummaryLine, []portal.RowError, error) {
	s.record("summary:" + string(dir))
	return s.summary[dir], s.badRows["summary"], s.summaryErr[dir]
}

func (s *fakeSource) Details(_ context.Context, _ types.Period, dir types.Direction, tc string) ([]types.RawDocument, []portal.RowError, error) {
	s.record("detail:" + string(dir) + ":" + tc)
	docs := append([]types.RawDocument(nil), s.details[tc]...)
	return docs, s.badRows[tc], s.detailErr[tc]
}

func (s *fakeSource) DailyAggregates(_ context.Context, _ types.Period, dir types.Direction, tc string) ([]portal.DailyAggregate, []portal.RowError, error) {
	s.record("daily:" + string(dir) + ":" + tc)
	return s.daily[tc], s.badRows[tc], nil
}

func line(tc string, mode types.IngestionMode, count int, total int64) types.PeriodSummaryLine {
	return types.PeriodSummaryLine{TypeCode: tc, Mode: mode, DocumentCount: count, TotalAmount: decimal.NewFromInt(total)}
}

func detailDoc(folio string) types.RawDocument {
	return types.RawDocument{Folio: folio, TypeCode: "33", Kind: types.KindDetail, IssueDate: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), CounterpartyTaxID: "76123456-K", TotalAmount: decimal.NewFromInt(119)}
}

func TestStrategySelection(t *testing.T) {
	e := New(config.Default().Extraction, nil, nil)
	assert.Equal(t, StrategyDetail, e.ChooseStrategy(line("33", types.DetailAvailable, 1, 1)))
	assert.Equal(t, StrategyDetail, e.ChooseStrategy(line("39", types.DetailAvailable, 1, 1)))
	assert.Equal(t, StrategyDaily, e.ChooseStrategy(line("39", types.AggregateNoDetail, 1, 1)))
	assert.Equal(t, StrategyDaily, e.ChooseStrategy(line("41", types.AggregateNoDetail, 1, 1)))
	assert.Equal(t, StrategyMonthly, e.ChooseStrategy(line("48", types.AggregateNoDetail, 1, 1)))
}

func TestExtractMixesStrategies(t *testing.T) {
	src := newFakeSource()
	src.summary[types.DirectionSale] = []types.PeriodSummaryLine{
		line("33", types.DetailAvailable, 2, 238),
		line("39", types.AggregateNoDetail, 95, 95000),
		line("48", types.AggregateNoDetail, 40, 100000),
		line("61", types.DetailAvailable, 0, 0),
	}
	src.details["33"] = []types.RawDocument{detailDoc("1001"), detailDoc("1002")}
	src.daily["39"] = []portal.DailyAggregate{
		{Date: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), DocumentCount: 40, TotalAmount: decimal.NewFromInt(40000)},
		{Date: time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)},
		{Date: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), DocumentCount: 55, TotalAmount: decimal.NewFromInt(55000)},
	}

	res := New(config.Default().Extraction, nil, nil).Extract(context.Background(), src, feb, types.DirectionSale)
	require.Empty(t, res.Errors)
	require.False(t, res.Aborted)

	folios := make([]string, 0, len(res.Documents))
	for _, d := range res.Documents {
		folios = append(folios, d.Folio)
	}
	assert.Equal(t, []string{"1001", "1002", "2025020139", "2025020339", "20250248"}, folios)

	monthly := res.Documents[4]
	assert.Equal(t, types.KindMonthly, monthly.Kind)
	assert.Equal(t, []string{types.WarnLowFidelity}, monthly.Warnings)
	assert.Equal(t, feb.Start(), monthly.IssueDate)
	assert.Equal(t, 40, monthly.DocumentCount)
	assert.Equal(t, types.KindDaily, res.Documents[2].Kind)
	assert.Equal(t, 1, res.Degraded())
	assert.NotContains(t, src.calls, "detail:sale:61", "empty types are skipped")
}

func TestTypeFailureDoesNotAbortOthers(t *testing.T) {
	src := newFakeSource()
	src.summary[types.DirectionPurchase] = []types.PeriodSummaryLine{
		line("33", types.DetailAvailable, 2, 238),
		line("34", types.DetailAvailable, 1, 50),
	}
	src.details["33"] = []types.RawDocument{detailDoc("1001")}
	src.detailErr["34"] = errors.New("boom")

	res := New(config.Default().Extraction, nil, nil).Extract(context.Background(), src, feb, types.DirectionPurchase)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "34", res.Errors[0].TypeCode)
	assert.Equal(t, "detail", res.Errors[0].Op)
	assert.Len(t, res.Documents, 1)
	assert.False(t, res.Aborted)
}

func TestBadRowsKeepTheRestOfTheType(t *testing.T) {
	src := newFakeSource()
	src.summary[types.DirectionPurchase] = []types.PeriodSummaryLine{
		line("33", types.DetailAvailable, 3, 357),
		line("39", types.AggregateNoDetail, 10, 1000),
	}
	src.details["33"] = []types.RawDocument{detailDoc("101")}
	src.badRows["33"] = []portal.RowError{
		{Index: 1, Folio: "102", Err: errors.New(`unparseable date ""`)},
		{Index: 2, Folio: "103", Err: errors.New(`amount "n/a"`)},
	}
	src.daily["39"] = []portal.DailyAggregate{{Date: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), DocumentCount: 10, TotalAmount: decimal.NewFromInt(1000)}}

	res := New(config.Default().Extraction, nil, nil).Extract(context.Background(), src, feb, types.DirectionPurchase)
	require.False(t, res.Aborted)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "101", res.Documents[0].Folio)

	require.Len(t, res.Errors, 2)
	for i, folio := range []string{"102", "103"} {
		assert.Equal(t, "row", res.Errors[i].Op)
		assert.Equal(t, "33", res.Errors[i].TypeCode)
		assert.Equal(t, folio, res.Errors[i].Folio)
	}
	var re portal.RowError
	require.True(t, errors.As(res.Errors[0], &re))
	assert.Equal(t, 1, re.Index)
}

func TestSummaryFailureAbortsOnlyThatDirection(t *testing.T) {
	src := newFakeSource()
	src.summaryErr[types.DirectionPurchase] = errors.New("summary down")
	src.summary[types.DirectionSale] = []types.PeriodSummaryLine{line("33", types.DetailAvailable, 1, 1)}
	src.details["33"] = []types.RawDocument{detailDoc("1")}

	results := New(config.Default().Extraction, nil, nil).ExtractPeriod(context.Background(), src, feb)
	require.Len(t, results, 2)
	assert.True(t, results[0].Aborted)
	assert.Equal(t, "summary", results[0].Errors[0].Op)
	assert.False(t, results[1].Aborted)
	assert.Len(t, results[1].Documents, 1)
}

func idConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Extraction.InternalIDTypes = []string{"33"}
	cfg.Extraction.ClickAttempts = 1
	cfg.Extraction.StepAttempts = 2
	cfg.Snapshots.Dir = t.TempDir()
	return cfg
}

func popupFor(id string) func(*browsertest.FakeDriver) string {
	return func(*browsertest.FakeDriver) string {
		return "https://www4.sii.cl/rfiInternet/formCompacto?codigo=" + id + "&x=1"
	}
}

func TestInternalIDCaptured(t *testing.T) {
	cfg := idConfig(t)
	fake := browsertest.New()
	fake.Popups[cfg.Portal.Selectors.CompactButton] = popupFor("ABC123")
	fake.NativeFails[cfg.Portal.Selectors.CompactButton] = -1
	starts := 0
	flow := NewIDFlow(cfg, func(context.Context) (browser.Driver, error) { starts++; return fake, nil },
		&types.Session{Cookies: []types.Cookie{{Name: "TOKEN", Value: "tok"}}}, snapshot.New(cfg, nil), nil)
	defer flow.Close()

	src := newFakeSource()
	src.summary[types.DirectionPurchase] = []types.PeriodSummaryLine{line("33", types.DetailAvailable, 2, 238)}
	src.details["33"] = []types.RawDocument{detailDoc("1001"), detailDoc("1002")}

	res := New(cfg.Extraction, flow, nil).Extract(context.Background(), src, feb, types.DirectionPurchase)
	require.Len(t, res.Documents, 2)
	for _, d := range res.Documents {
		assert.Equal(t, "ABC123", d.InternalID)
		assert.False(t, d.Degraded())
	}
	assert.Equal(t, 1, starts, "browser is started once and reused")
	assert.Equal(t, 0, fake.OpenTabs, "popups are closed")
	assert.Contains(t, fake.Navigated[0], "folio=1001")
	cookies, _ := fake.Cookies(context.Background())
	assert.Len(t, cookies, 1, "session cookies seeded into the browser")
}

func TestInternalIDFailureDegradesRecord(t *testing.T) {
	cfg := idConfig(t)
	fake := browsertest.New()
	fake.Hidden[cfg.Portal.Selectors.DetailReady] = true
	flow := NewIDFlow(cfg, func(context.Context) (browser.Driver, error) { return fake, nil }, nil, snapshot.New(cfg, nil), nil)

	id, trace, err := flow.Capture(context.Background(), detailDoc("1001"))
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Equal(t, []IDState{StateIdle, StateFailedID, StateClosed}, trace)
	assert.Len(t, fake.Navigated, 2, "step retried")

	entries, err := os.ReadDir(cfg.Snapshots.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failure snapshot captured")

	src := newFakeSource()
	src.summary[types.DirectionPurchase] = []types.PeriodSummaryLine{line("33", types.DetailAvailable, 1, 119)}
	src.details["33"] = []types.RawDocument{detailDoc("1001")}
	res := New(cfg.Extraction, flow, nil).Extract(context.Background(), src, feb, types.DirectionPurchase)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, []string{types.WarnMissingInternalID}, res.Documents[0].Warnings)
	assert.Empty(t, res.Errors, "a missing id is not an extraction error")
}

func TestIDFlowResumesFromFailedState(t *testing.T) {
	cfg := idConfig(t)
	cfg.Extraction.ClickAttempts = 2
	fake := browsertest.New()
	btn := cfg.Portal.Selectors.CompactButton
	fake.Popups[btn] = popupFor("Z9")
	fake.NativeFails[btn] = -1
	fake.ScriptedFails[btn] = 1
	flow := NewIDFlow(cfg, func(context.Context) (browser.Driver, error) { return fake, nil }, nil, nil, nil)

	id, trace, err := flow.Capture(context.Background(), detailDoc("7"))
	require.NoError(t, err)
	assert.Equal(t, "Z9", id)
	assert.Len(t, fake.Navigated, 1, "detail view is not reopened on retry")
	assert.Equal(t, []IDState{StateIdle, StateOpenedDetail, StateOpenedCompact, StateIDCaptured, StateClosed}, trace)
}

func TestCompactClickRetriesWithinOneBudget(t *testing.T) {
	cfg := idConfig(t)
	cfg.Extraction.ClickAttempts = 3
	cfg.Extraction.StepAttempts = 2
	cfg.Snapshots.Enabled = true
	fake := browsertest.New()
	btn := cfg.Portal.Selectors.CompactButton
	fake.NativeFails[btn] = -1
	fake.ScriptedFails[btn] = -1
	flow := NewIDFlow(cfg, func(context.Context) (browser.Driver, error) { return fake, nil }, nil, snapshot.New(cfg, nil), nil)

	_, trace, err := flow.Capture(context.Background(), detailDoc("55"))
	require.Error(t, err)
	assert.Len(t, fake.Clicks, 6, "three attempts in two modes, not repeated by the step loop")
	assert.Equal(t, []IDState{StateIdle, StateOpenedDetail, StateFailedID, StateClosed}, trace)

	saved, err := snapshot.List(cfg.Snapshots.Dir)
	require.NoError(t, err)
	require.Len(t, saved, 3, "one per failed attempt before the last, one for the failure")
	attempts := map[string]bool{}
	for _, s := range saved {
		assert.Equal(t, "55", s.Meta.Fields["folio"])
		assert.Equal(t, StateOpenedDetail.String(), s.Meta.Fields["state"])
		if a := s.Meta.Fields["click_attempt"]; a != "" {
			attempts[a] = true
		}
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true}, attempts)
}

func TestDriverStartFailureTraceStartsIdle(t *testing.T) {
	cfg := idConfig(t)
	flow := NewIDFlow(cfg, func(context.Context) (browser.Driver, error) { return nil, errors.New("no chrome") }, nil, nil, nil)

	_, trace, err := flow.Capture(context.Background(), detailDoc("9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")
	assert.Equal(t, []IDState{StateIdle, StateFailedID, StateClosed}, trace)
}

func TestPopupWithoutIDFails(t *testing.T) {
	cfg := idConfig(t)
	fake := browsertest.New()
	fake.Popups[cfg.Portal.Selectors.CompactButton] = func(*browsertest.FakeDriver) string { return "https://www4.sii.cl/form?other=1" }
	flow := NewIDFlow(cfg, func(context.Context) (browser.Driver, error) { return fake, nil }, nil, nil, nil)

	_, trace, err := flow.Capture(context.Background(), detailDoc("7"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codigo")
	assert.Equal(t, StateClosed, trace[len(trace)-1])
	assert.Equal(t, StateFailedID, trace[len(trace)-2])
	assert.Equal(t, 0, fake.OpenTabs)
}

func TestParseIDFromFragment(t *testing.T) {
	flow := NewIDFlow(config.Default(), nil, nil, nil, nil)
	id, err := flow.parseID(&browser.Popup{URL: "https://www4.sii.cl/app/#/form?codigo=F-1"})
	require.NoError(t, err)
	assert.Equal(t, "F-1", id)
}
