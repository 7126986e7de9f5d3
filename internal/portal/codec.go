package portal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/taxsync/pkg/types"
)

// Response codes carried in respEstado.codRespuesta.
const (
	codeOK     = 0
	codeNoData = 2
)

type metaData struct {
	Namespace      string  `json:"namespace"`
	ConversationID string  `json:"conversationId"`
	TransactionID  string  `json:"transactionId"`
	Page           *string `json:"page"`
}

type request struct {
	MetaData metaData `json:"metaData"`
	Data     any      `json:"data"`
}

type queryData struct {
	RutEmisor     string `json:"rutEmisor"`
	DvEmisor      string `json:"dvEmisor"`
	Period        string `json:"ptributario"`
	Operation     string `json:"operacion"`
	State         string `json:"estadoContab"`
	TypeCode      string `json:"codTipoDoc,omitempty"`
	InitialSearch bool   `json:"busquedaInicial"`
}

type respState struct {
	Code    int    `json:"codRespuesta"`
	Message string `json:"msgeRespuesta"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	State respState       `json:"respEstado"`
}

// amount accepts JSON numbers, numeric strings and null.
type amount struct{ decimal.Decimal }

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return fmt.Errorf("amount %q: %w", s, err)
	}
	a.Decimal = d
	return nil
}

// code accepts numbers or strings for identifiers the portal is
// inconsistent about.
type code string

func (c *code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		s = ""
	}
	*c = code(s)
	return nil
}

type summaryRow struct {
	TypeCode  code   `json:"rsmnTipoDocInteger"`
	Count     code   `json:"rsmnTotDoc"`
	Net       amount `json:"rsmnMntNeto"`
	Tax       amount `json:"rsmnMntIVA"`
	Exempt    amount `json:"rsmnMntExe"`
	Total     amount `json:"rsmnMntTotal"`
	Ingestion string `json:"dcvTipoIngresoDoc"`
}

type detailRow struct {
	Folio    code   `json:"detNroDoc"`
	Date     string `json:"detFchDoc"`
	RutBody  code   `json:"detRutDoc"`
	RutDV    code   `json:"detDvDoc"`
	Name     string `json:"detRznSoc"`
	Net      amount `json:"detMntNeto"`
	Tax      amount `json:"detMntIVA"`
	Exempt   amount `json:"detMntExe"`
	Total    amount `json:"detMntTotal"`
	TypeCode code   `json:"detTipoDoc"`
}

type dailyRow struct {
	Date   string `json:"detFchDoc"`
	Count  code   `json:"detCantDoc"`
	Net    amount `json:"detMntNeto"`
	Tax    amount `json:"detMntIVA"`
	Exempt amount `json:"detMntExe"`
	Total  amount `json:"detMntTotal"`
}

// DailyAggregate is one day's totals for a high-volume document type.
type DailyAggregate struct {
	Date          time.Time
	DocumentCount int
	NetAmount     decimal.Decimal
	TaxAmount     decimal.Decimal
	ExemptAmount  decimal.Decimal
	TotalAmount   decimal.Decimal
	Raw           json.RawMessage
}

// RowError is one list row that could not be read. The rest of the list
// is still returned.
type RowError struct {
	Index int
	Folio string
	Err   error
}

func (e RowError) Error() string {
	if e.Folio != "" {
		return fmt.Sprintf("row %d (folio %s): %v", e.Index, e.Folio, e.Err)
	}
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

type decoded[T any] struct {
	index int
	row   T
	raw   json.RawMessage
}

// decodeRows splits data into raw elements and decodes each into T, so
// every result keeps its original payload. A row that does not decode is
// reported and skipped; only a body that is not a list fails the call.
func decodeRows[T any](data json.RawMessage) ([]decoded[T], []RowError, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, nil, fmt.Errorf("decode rows: %w", err)
	}
	rows := make([]decoded[T], 0, len(raws))
	var bad []RowError
	for i, r := range raws {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			bad = append(bad, RowError{Index: i, Folio: folioOf(r), Err: err})
			continue
		}
		rows = append(rows, decoded[T]{index: i, row: v, raw: r})
	}
	return rows, bad, nil
}

// folioOf reads only the folio of a row, for error reports.
func folioOf(raw json.RawMessage) string {
	var head struct {
		Folio code `json:"detNroDoc"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return ""
	}
	return strings.TrimSpace(string(head.Folio))
}

func decodeSummary(data json.RawMessage) ([]types.PeriodSummaryLine, []RowError, error) {
	rows, bad, err := decodeRows[summaryRow](data)
	if err != nil {
		return nil, nil, err
	}
	out := make([]types.PeriodSummaryLine, 0, len(rows))
	for _, d := range rows {
		r := d.row
		if r.TypeCode == "" {
			continue
		}
		out = append(out, types.PeriodSummaryLine{
			TypeCode:      string(r.TypeCode),
			DocumentCount: atoi(r.Count),
			Mode:          ClassifyIngestionMode(r.Ingestion),
			NetAmount:     r.Net.Decimal,
			TaxAmount:     r.Tax.Decimal,
			ExemptAmount:  r.Exempt.Decimal,
			TotalAmount:   r.Total.Decimal,
			Raw:           d.raw,
		})
	}
	return out, bad, nil
}

func decodeDetails(data json.RawMessage, typeCode string) ([]types.RawDocument, []RowError, error) {
	rows, bad, err := decodeRows[detailRow](data)
	if err != nil {
		return nil, nil, err
	}
	out := make([]types.RawDocument, 0, len(rows))
	for _, d := range rows {
		r := d.row
		folio := strings.TrimSpace(string(r.Folio))
		issued, err := parseDate(r.Date)
		if err != nil {
			bad = append(bad, RowError{Index: d.index, Folio: folio, Err: err})
			continue
		}
		tc := string(r.TypeCode)
		if tc == "" {
			tc = typeCode
		}
		taxID := types.JoinTaxID(int64(atoi(r.RutBody)), string(r.RutDV))
		out = append(out, types.RawDocument{
			Folio:             folio,
			IssueDate:         issued,
			CounterpartyTaxID: taxID,
			CounterpartyName:  strings.TrimSpace(r.Name),
			NetAmount:         r.Net.Decimal,
			TaxAmount:         r.Tax.Decimal,
			ExemptAmount:      r.Exempt.Decimal,
			TotalAmount:       r.Total.Decimal,
			TypeCode:          tc,
			Kind:              types.KindDetail,
			RawPayload:        d.raw,
		})
	}
	sortRowErrors(bad)
	return out, bad, nil
}

func decodeDaily(data json.RawMessage) ([]DailyAggregate, []RowError, error) {
	rows, bad, err := decodeRows[dailyRow](data)
	if err != nil {
		return nil, nil, err
	}
	out := make([]DailyAggregate, 0, len(rows))
	for _, d := range rows {
		r := d.row
		day, err := parseDate(r.Date)
		if err != nil {
			bad = append(bad, RowError{Index: d.index, Err: err})
			continue
		}
		out = append(out, DailyAggregate{
			Date:          day,
			DocumentCount: atoi(r.Count),
			NetAmount:     r.Net.Decimal,
			TaxAmount:     r.Tax.Decimal,
			ExemptAmount:  r.Exempt.Decimal,
			TotalAmount:   r.Total.Decimal,
			Raw:           d.raw,
		})
	}
	sortRowErrors(bad)
	return out, bad, nil
}

func sortRowErrors(errs []RowError) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })
}

// parseDate reads the portal's dd/mm/yyyy dates, tolerating ISO dates.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"02/01/2006", "2006-01-02", "02-01-2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func atoi(c code) int {
	n, _ := strconv.Atoi(string(c))
	return n
}
