// Package snapshot writes postmortem captures of the browser state: the
// current page, a sanitized network log and a small metadata file.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/filter"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/netlog"
	"github.com/yourorg/taxsync/pkg/types"
)

const (
	pageFile    = "page.html"
	networkFile = "network.har"
	metaFile    = "meta.yaml"
)

// Meta is serialized next to every capture.
type Meta struct {
	Label      string            `yaml:"label"`
	CapturedAt time.Time         `yaml:"captured_at"`
	URL        string            `yaml:"url,omitempty"`
	Error      string            `yaml:"error,omitempty"`
	Fields     map[string]string `yaml:"fields,omitempty"`
	Requests   int               `yaml:"requests"`
}

// Snapshotter captures browser state on failure. A disabled snapshotter
// returns "" without touching the driver.
type Snapshotter struct {
	Dir      string
	Enabled  bool
	Filter   config.FilterConfig
	Sanitize config.SanitizeConfig
	Logger   *slog.Logger
	now      func() time.Time
}

func New(cfg *config.Config, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		Dir:      cfg.Snapshots.Dir,
		Enabled:  cfg.Snapshots.Enabled,
		Filter:   cfg.Filter,
		Sanitize: cfg.Sanitize,
		Logger:   logging.OrDiscard(logger),
		now:      time.Now,
	}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Capture writes a snapshot directory and returns its path. Capture is best
// effort: parts the driver cannot provide are skipped, and only filesystem
// errors are returned.
func (s *Snapshotter) Capture(ctx context.Context, drv browser.Driver, label string, cause error, fields map[string]string) (string, error) {
	if s == nil || !s.Enabled || drv == nil {
		return "", nil
	}
	now := s.now().UTC()
	name := fmt.Sprintf("%s-%s-%s",
		now.Format("20060102T150405Z"),
		strings.Trim(unsafeChars.ReplaceAllString(label, "_"), "_"),
		uuid.NewString()[:8])
	dir := filepath.Join(s.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	meta := Meta{Label: label, CapturedAt: now, Fields: fields}
	if cause != nil {
		meta.Error = cause.Error()
	}
	if u, err := drv.CurrentURL(ctx); err == nil {
		meta.URL = u
	}
	if html, err := drv.HTML(ctx); err == nil {
		if err := os.WriteFile(filepath.Join(dir, pageFile), []byte(html), 0o600); err != nil {
			return "", fmt.Errorf("write page: %w", err)
		}
	} else {
		s.Logger.Debug("snapshot without page", "label", label, "error", err)
	}

	logs := filter.Sanitize(filter.Apply(drv.NetworkLog(), s.Filter), s.Sanitize)
	meta.Requests = len(logs)
	f, err := os.OpenFile(filepath.Join(dir, networkFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create network log: %w", err)
	}
	if err := netlog.Write(f, logs); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write network log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close network log: %w", err)
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o600); err != nil {
		return "", fmt.Errorf("write meta: %w", err)
	}
	s.Logger.Info("snapshot captured", "label", label, "dir", dir)
	return dir, nil
}

// Saved is a snapshot read back from disk.
type Saved struct {
	Dir      string
	Meta     Meta
	HasPage  bool
	Requests []types.TrafficLog
}

// Load reads the snapshot in dir. A missing network log yields no requests.
func Load(dir string) (*Saved, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	out := &Saved{Dir: dir}
	if err := yaml.Unmarshal(raw, &out.Meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, pageFile)); err == nil {
		out.HasPage = true
	}
	logs, err := netlog.Parse(filepath.Join(dir, networkFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read network log: %w", err)
	default:
		out.Requests = logs
	}
	return out, nil
}

// List loads every snapshot under root, newest first. Directories without
// a meta file are ignored.
func List(root string) ([]*Saved, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Saved
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
			continue
		}
		s, err := Load(dir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Meta.CapturedAt.After(out[j].Meta.CapturedAt) })
	return out, nil
}
