package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/yourorg/taxsync/internal/snapshot"
	"github.com/yourorg/taxsync/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

func renderSummary(res *types.SyncRunResult) string {
	b := &strings.Builder{}
	b.WriteString(headerStyle.Render("Sync run "+res.RunID) + "\n")

	status := okStyle.Render("✓ succeeded")
	if res.PartiallySucceeded() {
		status = warnStyle.Render(fmt.Sprintf("⚠ partially succeeded (%d errors)", len(res.Errors)))
	}
	fmt.Fprintf(b, "%s  %s\n", status, dimStyle.Render(res.Duration.Round(1e6).String()))
	reused := "new login"
	if res.SessionReused {
		reused = "reused session"
	}
	fmt.Fprintf(b, "tenant %s · %s\n", res.TenantID, dimStyle.Render(reused))
	fmt.Fprintf(b, "periods %s\n", strings.Join(res.PeriodsProcessed, " "))
	if len(res.PeriodsSkipped) > 0 {
		fmt.Fprintf(b, "skipped %s\n", dimStyle.Render(strings.Join(res.PeriodsSkipped, " ")))
	}
	b.WriteString("\n")

	for _, c := range res.Counters {
		fmt.Fprintf(b, "  %-8s %-3s  %s total  %d created  %d updated",
			c.Direction, c.TypeCode, countStyle.Render(fmt.Sprintf("%5d", c.Total)), c.Created, c.Updated)
		if c.Skipped > 0 {
			fmt.Fprintf(b, "  %s", dimStyle.Render(fmt.Sprintf("%d skipped", c.Skipped)))
		}
		b.WriteString("\n")
	}
	t := res.Totals
	fmt.Fprintf(b, "  %-12s  %s total  %d created  %d updated\n", "all", countStyle.Render(fmt.Sprintf("%5d", t.Total)), t.Created, t.Updated)
	if res.Degraded > 0 {
		fmt.Fprintf(b, "  %s\n", warnStyle.Render(fmt.Sprintf("%d degraded documents", res.Degraded)))
	}

	if len(res.Errors) > 0 {
		b.WriteString("\n")
		for _, e := range res.Errors {
			scope := strings.Trim(strings.Join([]string{e.Period, string(e.Direction), e.TypeCode}, "/"), "/")
			fmt.Fprintf(b, "  %s %s %s\n", errStyle.Render(e.Kind), dimStyle.Render(scope), e.Message)
		}
	}
	return b.String()
}

func renderSessions(sessions []types.SessionInfo) string {
	if len(sessions) == 0 {
		return dimStyle.Render("no stored sessions") + "\n"
	}
	b := &strings.Builder{}
	b.WriteString(headerStyle.Render(fmt.Sprintf("%d sessions", len(sessions))) + "\n")
	for _, s := range sessions {
		state := okStyle.Render("valid")
		if !s.IsValid {
			state = errStyle.Render("invalid") + " " + dimStyle.Render(s.InvalidReason)
		}
		fmt.Fprintf(b, "  %-16s %-12s %s  %s  %d cookies\n", s.TenantID, s.CredentialRef, state,
			dimStyle.Render("captured "+s.CapturedAt.Local().Format("2006-01-02 15:04")), s.CookieCount)
	}
	return b.String()
}

func renderDocuments(docs []types.SyncRecord) string {
	if len(docs) == 0 {
		return dimStyle.Render("no documents") + "\n"
	}
	b := &strings.Builder{}
	for _, d := range docs {
		status := d.Status
		if d.Status == types.StatusDegraded {
			status = warnStyle.Render(status)
		}
		fmt.Fprintf(b, "%-8s %-3s %-12s %s %14s  %s\n", d.Direction, d.TypeCode, d.Folio,
			d.IssueDate.Format("2006-01-02"), d.TotalAmount.StringFixed(0), status)
	}
	return b.String()
}

func renderSnapshots(saved []*snapshot.Saved) string {
	if len(saved) == 0 {
		return dimStyle.Render("no snapshots") + "\n"
	}
	b := &strings.Builder{}
	for _, s := range saved {
		fmt.Fprintf(b, "%s  %-12s %s", dimStyle.Render(s.Meta.CapturedAt.Format("2006-01-02 15:04:05")), s.Meta.Label, filepath.Base(s.Dir))
		if s.Meta.Error != "" {
			fmt.Fprintf(b, "  %s", errStyle.Render(s.Meta.Error))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderSnapshot(s *snapshot.Saved) string {
	b := &strings.Builder{}
	b.WriteString(headerStyle.Render(s.Meta.Label+" "+filepath.Base(s.Dir)) + "\n")
	fmt.Fprintf(b, "captured %s\n", s.Meta.CapturedAt.Format("2006-01-02 15:04:05 MST"))
	if s.Meta.URL != "" {
		fmt.Fprintf(b, "url      %s\n", s.Meta.URL)
	}
	if s.Meta.Error != "" {
		fmt.Fprintf(b, "error    %s\n", errStyle.Render(s.Meta.Error))
	}
	for k, v := range s.Meta.Fields {
		fmt.Fprintf(b, "%-8s %s\n", k, v)
	}
	if !s.HasPage {
		b.WriteString(dimStyle.Render("no page captured") + "\n")
	}
	b.WriteString("\n")
	for _, r := range s.Requests {
		status := okStyle.Render(fmt.Sprintf("%d", r.StatusCode))
		if r.StatusCode >= 400 || r.StatusCode == 0 {
			status = errStyle.Render(fmt.Sprintf("%d", r.StatusCode))
		}
		fmt.Fprintf(b, "  %3d %-4s %s %s%s", r.Seq, r.Method, status, r.Host, r.Path)
		if r.CallCount > 1 {
			fmt.Fprintf(b, " %s", dimStyle.Render(fmt.Sprintf("x%d", r.CallCount)))
		}
		b.WriteString("\n")
	}
	return b.String()
}
