// Package report renders sync run results as json, yaml or markdown.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/taxsync/pkg/types"
)

// Supported formats.
const (
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
)

// Render encodes res in the given format.
func Render(res *types.SyncRunResult, format string) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("result is nil")
	}
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return json.MarshalIndent(res, "", "  ")
	case FormatYAML, "yml":
		return yaml.Marshal(res)
	case FormatMarkdown, "md":
		return renderMarkdown(res), nil
	default:
		return nil, fmt.Errorf("%w: unknown report format %q", types.ErrInvalidInput, format)
	}
}

// Extension returns the file extension for a format.
func Extension(format string) string {
	switch strings.ToLower(format) {
	case FormatYAML, "yml":
		return ".yaml"
	case FormatMarkdown, "md":
		return ".md"
	default:
		return ".json"
	}
}

// WriteFile renders res into outputDir/run-<run id><ext> and returns the path.
func WriteFile(res *types.SyncRunResult, format, outputDir string) (string, error) {
	data, err := Render(res, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, "run-"+res.RunID+Extension(format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func renderMarkdown(res *types.SyncRunResult) []byte {
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "# Sync run %s\n\n", res.RunID)
	fmt.Fprintf(b, "- Tenant: %s\n", res.TenantID)
	fmt.Fprintf(b, "- Started: %s\n", res.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(b, "- Duration: %s\n", res.Duration.Round(1e6))
	fmt.Fprintf(b, "- Session reused: %t\n", res.SessionReused)
	fmt.Fprintf(b, "- Status: %s\n", status(res))
	fmt.Fprintf(b, "- Periods processed: %s\n", listOrNone(res.PeriodsProcessed))
	if len(res.PeriodsSkipped) > 0 {
		fmt.Fprintf(b, "- Periods skipped: %s\n", strings.Join(res.PeriodsSkipped, ", "))
	}

	fmt.Fprintln(b, "\n## Documents")
	if len(res.Counters) == 0 {
		fmt.Fprintln(b, "\nNo documents.")
	} else {
		fmt.Fprintln(b, "\n| Direction | Type | Total | Created | Updated | Skipped |")
		fmt.Fprintln(b, "|---|---|---:|---:|---:|---:|")
		for _, c := range res.Counters {
			fmt.Fprintf(b, "| %s | %s | %d | %d | %d | %d |\n", c.Direction, c.TypeCode, c.Total, c.Created, c.Updated, c.Skipped)
		}
		t := res.Totals
		fmt.Fprintf(b, "| **all** | | **%d** | **%d** | **%d** | **%d** |\n", t.Total, t.Created, t.Updated, t.Skipped)
	}
	if res.Degraded > 0 {
		fmt.Fprintf(b, "\n%d degraded document(s).\n", res.Degraded)
	}

	if len(res.Errors) > 0 {
		fmt.Fprintln(b, "\n## Errors")
		fmt.Fprintln(b)
		for _, e := range res.Errors {
			scope := strings.Trim(strings.Join([]string{e.Period, string(e.Direction), e.TypeCode}, "/"), "/")
			if scope != "" {
				scope = " `" + scope + "`"
			}
			fmt.Fprintf(b, "- **%s**%s: %s\n", e.Kind, scope, e.Message)
		}
	}
	return b.Bytes()
}

func status(res *types.SyncRunResult) string {
	if res.PartiallySucceeded() {
		return "partially succeeded"
	}
	return "succeeded"
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
