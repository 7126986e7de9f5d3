package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/taxsync/internal/browser/browsertest"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/netlog"
	"github.com/yourorg/taxsync/pkg/types"
)

func newTestSnapshotter(t *testing.T) *Snapshotter {
	t.Helper()
	cfg := config.Default()
	cfg.Snapshots.Dir = t.TempDir()
	s := New(cfg, nil)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCaptureWritesSanitizedSnapshot(t *testing.T) {
	s := newTestSnapshotter(t)
	drv := browsertest.New()
	if err := drv.Navigate(context.Background(), "https://www4.sii.cl/consdcvinternetui/"); err != nil {
		t.Fatal(err)
	}
	drv.SetPage("https://www4.sii.cl/consdcvinternetui/", "<html><body>detalle</body></html>")
	drv.AddTraffic(types.TrafficLog{
		Method:         "POST",
		Host:           "www4.sii.cl",
		Path:           "/consdcvinternetui/services/data/facadeService/getDetalleCompra",
		RequestHeaders: map[string]string{"Cookie": "TOKEN=abc", "Accept": "application/json"},
		ContentType:    "application/json",
		RequestBody:    `{"metaData":{"conversationId":"abc"}}`,
		StatusCode:     200,
	})
	drv.AddTraffic(types.TrafficLog{Method: "GET", Host: "www4.sii.cl", Path: "/static/app.js", StatusCode: 200})

	dir, err := s.Capture(context.Background(), drv, "id flow/33", errors.New("popup timeout"), map[string]string{"folio": "101"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !strings.Contains(filepath.Base(dir), "20250301T120000Z-id_flow_33-") {
		t.Fatalf("unexpected dir name %s", dir)
	}

	page, err := os.ReadFile(filepath.Join(dir, pageFile))
	if err != nil || !strings.Contains(string(page), "detalle") {
		t.Fatalf("expected page html, got %q (%v)", page, err)
	}

	logs, err := netlog.Parse(filepath.Join(dir, networkFile))
	if err != nil {
		t.Fatalf("parse har: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected static asset filtered, got %d entries", len(logs))
	}
	if logs[0].RequestHeaders["Cookie"] != "TOKEN=***REDACTED***" {
		t.Fatalf("cookie header not redacted: %q", logs[0].RequestHeaders["Cookie"])
	}
	if strings.Contains(logs[0].RequestBody, "abc") {
		t.Fatalf("conversation id leaked: %s", logs[0].RequestBody)
	}

	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		t.Fatal(err)
	}
	var meta Meta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Error != "popup timeout" || meta.Fields["folio"] != "101" || meta.Requests != 1 {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta.URL != "https://www4.sii.cl/consdcvinternetui/" {
		t.Fatalf("unexpected url %q", meta.URL)
	}
}

func TestCaptureDisabled(t *testing.T) {
	s := newTestSnapshotter(t)
	s.Enabled = false
	dir, err := s.Capture(context.Background(), browsertest.New(), "login", nil, nil)
	if err != nil || dir != "" {
		t.Fatalf("expected no-op, got %q %v", dir, err)
	}
	entries, _ := os.ReadDir(s.Dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}
}

func TestCaptureNilSnapshotter(t *testing.T) {
	var s *Snapshotter
	if dir, err := s.Capture(context.Background(), browsertest.New(), "x", nil, nil); dir != "" || err != nil {
		t.Fatalf("expected no-op on nil snapshotter")
	}
}

func TestListReadsCapturesBack(t *testing.T) {
	s := newTestSnapshotter(t)
	drv := browsertest.New()
	drv.AddTraffic(types.TrafficLog{Method: "POST", Host: "www4.sii.cl", Path: "/consdcvinternetui/services/data/facadeService/getResumen", StatusCode: 200})

	first, err := s.Capture(context.Background(), drv, "login", errors.New("unknown landing"), nil)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC) }
	second, err := s.Capture(context.Background(), drv, "id flow", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(s.Dir, "stray"), 0o755); err != nil {
		t.Fatal(err)
	}

	saved, err := List(s.Dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(saved) != 2 || saved[0].Dir != second || saved[1].Dir != first {
		t.Fatalf("expected newest first, got %+v", saved)
	}
	got := saved[1]
	if got.Meta.Error != "unknown landing" || len(got.Requests) != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.Requests[0].Path != "/consdcvinternetui/services/data/facadeService/getResumen" {
		t.Fatalf("unexpected request %+v", got.Requests[0])
	}

	if none, err := List(filepath.Join(s.Dir, "missing")); err != nil || none != nil {
		t.Fatalf("missing root should be empty, got %v %v", none, err)
	}
}
