package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNormalizeTaxID(t *testing.T) {
	cases := map[string]string{
		"76.123.456-k":  "76123456-K",
		"76123456K":     "76123456-K",
		" 12.345.678-5": "12345678-5",
		"012345678-5":   "12345678-5",
		"1-9":           "1-9",
		"":              "",
		"-":             "",
		"K":             "",
		"12K45-6":       "",
		"0-0":           "",
	}
	for in, want := range cases {
		if got := NormalizeTaxID(in); got != want {
			t.Fatalf("NormalizeTaxID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidTaxID(t *testing.T) {
	for _, id := range []string{"11111111-1", "12345678-5", "10000013-K", "76086428-5"} {
		if !ValidTaxID(id) {
			t.Fatalf("%s should be valid", id)
		}
	}
	for _, id := range []string{"12345678-4", "76123456-K", "12345678", ""} {
		if ValidTaxID(id) {
			t.Fatalf("%s should be invalid", id)
		}
	}
}

func TestJoinAndSplitTaxID(t *testing.T) {
	if got := JoinTaxID(76123456, "k"); got != "76123456-K" {
		t.Fatalf("JoinTaxID = %q", got)
	}
	if got := JoinTaxID(0, "1"); got != "" {
		t.Fatalf("zero body should join to empty, got %q", got)
	}
	body, dv := SplitTaxID("76123456-K")
	if body != "76123456" || dv != "K" {
		t.Fatalf("SplitTaxID = %q %q", body, dv)
	}
}

func TestPeriod(t *testing.T) {
	p, err := ParsePeriod("2025-01")
	if err != nil {
		t.Fatal(err)
	}
	if p.Compact() != "202501" || p.String() != "2025-01" {
		t.Fatalf("format mismatch %s %s", p, p.Compact())
	}
	if q, _ := ParsePeriod("202501"); q != p {
		t.Fatalf("compact parse mismatch %v", q)
	}
	if got := p.AddMonths(-1); got != (Period{Year: 2024, Month: time.December}) {
		t.Fatalf("AddMonths(-1) = %v", got)
	}
	if !p.End().Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("End = %v", p.End())
	}
	if !p.AddMonths(-1).Before(p) || p.Before(p) {
		t.Fatalf("Before mismatch")
	}
	if _, err := ParsePeriod("2025-13"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	data, err := json.Marshal(struct{ P Period }{p})
	if err != nil || string(data) != `{"P":"2025-01"}` {
		t.Fatalf("marshal = %s %v", data, err)
	}
}

func TestCounterAndResult(t *testing.T) {
	var c Counter
	c.Add(Counter{Total: 2, Created: 1, Updated: 1})
	c.Add(Counter{Total: 1, Created: 1, Skipped: 3})
	if c != (Counter{Total: 3, Created: 2, Updated: 1, Skipped: 3}) {
		t.Fatalf("Add = %+v", c)
	}

	r := &SyncRunResult{Counters: []TypeCounter{
		{Direction: DirectionSale, TypeCode: "33"},
		{Direction: DirectionPurchase, TypeCode: "46"},
		{Direction: DirectionPurchase, TypeCode: "33"},
	}}
	r.SortCounters()
	if r.Counters[0].TypeCode != "33" || r.Counters[0].Direction != DirectionPurchase || r.Counters[2].Direction != DirectionSale {
		t.Fatalf("SortCounters = %+v", r.Counters)
	}
	if r.PartiallySucceeded() {
		t.Fatalf("no errors means success")
	}
	r.Errors = append(r.Errors, RunError{Kind: ErrKindExtraction})
	if !r.PartiallySucceeded() {
		t.Fatalf("errors mean partial success")
	}
}

func TestSessionHelpers(t *testing.T) {
	s := &Session{TenantID: "t1", Cookies: []Cookie{{Name: "TOKEN", Value: "abc"}}, IsValid: true}
	if v, ok := s.Cookie("TOKEN"); !ok || v != "abc" {
		t.Fatalf("Cookie = %q %v", v, ok)
	}
	if _, ok := (*Session)(nil).Cookie("TOKEN"); ok {
		t.Fatalf("nil session has no cookies")
	}
	if info := s.Info(); info.CookieCount != 1 || !info.IsValid {
		t.Fatalf("Info = %+v", info)
	}
	if RoleFor(DirectionSale) != RoleClient || RoleFor(DirectionPurchase) != RoleProvider {
		t.Fatalf("RoleFor mismatch")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := &ExtractionError{Period: Period{Year: 2025, Month: 1}, Direction: DirectionPurchase, TypeCode: "33", Op: "detail", Err: ErrSessionExpired}
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("ExtractionError should unwrap")
	}
	if got := err.Error(); got != "extraction error [2025-01/purchase/33] detail: portal session expired" {
		t.Fatalf("Error() = %q", got)
	}
	var down error = &PortalUnavailableError{RetryAfter: time.Minute}
	var pue *PortalUnavailableError
	if !errors.As(down, &pue) || pue.RetryAfter != time.Minute {
		t.Fatalf("errors.As failed")
	}
}
