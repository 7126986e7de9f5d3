package netlog

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourorg/taxsync/pkg/types"
)

func TestParseOrdersAndNumbers(t *testing.T) {
	logs, err := Parse(filepath.Join("testdata", "login.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Method != "POST" || logs[0].Seq != 1 || logs[1].Seq != 2 {
		t.Fatalf("logs not sorted by start time: %+v", logs)
	}
	if logs[0].RequestBodyEncoding != "base64" || logs[0].RequestBody != "rainft=1" {
		t.Fatalf("unexpected request body %q (%s)", logs[0].RequestBody, logs[0].RequestBodyEncoding)
	}
	if logs[0].ResponseBody != "" {
		t.Fatalf("expected binary response body omitted")
	}
	if len(logs[1].QueryParams["a"]) != 2 {
		t.Fatalf("expected multi-value query params")
	}
}

func TestParseEmptyAndMissing(t *testing.T) {
	logs, err := Parse(filepath.Join("testdata", "empty.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected empty logs")
	}
	if _, err := Parse(filepath.Join("testdata", "not-exist.har")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWriteRoundTripKeepsRequestShape(t *testing.T) {
	in := []types.TrafficLog{{
		Timestamp:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Method:         "POST",
		Host:           "www4.sii.cl",
		Path:           "/consdcvinternetui/services/data/facadeService/getResumen",
		RequestHeaders: map[string]string{"Content-Type": "application/json"},
		RequestBody:    `{"data":{}}`,
		ContentType:    "application/json",
		StatusCode:     200,
		LatencyMs:      12,
	}}
	var buf bytes.Buffer
	if err := Write(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Path != in[0].Path || out[0].RequestBody != in[0].RequestBody {
		t.Fatalf("unexpected round trip: %+v", out)
	}
}

func TestRecorderPairsAndTrims(t *testing.T) {
	r := NewRecorder(2)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { clock = clock.Add(10 * time.Millisecond); return clock }

	r.Request("1", "get", "https://a.example/one", nil)
	r.Request("2", "get", "https://a.example/two?x=1", nil)
	r.Response("2", 200, "application/json", nil)
	r.Request("3", "post", "https://a.example/three", nil)
	r.Request("4", "get", "data:image/png;base64,AAA", nil)
	r.Response("99", 500, "", nil)

	logs := r.Logs()
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs after trim, got %d", len(logs))
	}
	if logs[0].Path != "/two" || logs[0].StatusCode != 200 || logs[0].LatencyMs != 10 {
		t.Fatalf("unexpected first log %+v", logs[0])
	}
	if logs[1].Method != "POST" {
		t.Fatalf("expected upper-cased method, got %s", logs[1].Method)
	}
	r.Reset()
	if len(r.Logs()) != 0 {
		t.Fatalf("expected reset")
	}
}
