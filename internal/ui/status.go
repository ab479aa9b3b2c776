package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/results"
)

// StatusRenderer displays index status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
		now:    time.Now,
	}
}

// Render writes one block per index.
func (r *StatusRenderer) Render(statuses []index.Status) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(r.out, r.styles.Dim.Render("no indexes"))
		return err
	}
	for i, st := range statuses {
		if i > 0 {
			_, _ = fmt.Fprintln(r.out)
		}
		r.renderOne(st)
	}
	return nil
}

func (r *StatusRenderer) renderOne(st index.Status) {
	freshness := r.styles.Success.Render("up to date")
	if st.Stale {
		freshness = r.styles.Warning.Render("stale")
	}
	_, _ = fmt.Fprintf(r.out, "%s  %s  %s\n", r.styles.Header.Render(st.Name), r.styles.State(st.State), freshness)

	if st.Corrupt {
		_, _ = fmt.Fprintf(r.out, "  %s\n", r.styles.Error.Render("result store is corrupt, run: amandb index rebuild --yes "+st.Name))
	}
	if st.Error != "" {
		_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render("error:"), r.styles.Error.Render(st.Error))
	}
	r.field("attempts", fmt.Sprintf("%d (%d failed%s)", st.Attempts, st.Failures, rate(st.Attempts, st.Failures)))

	for _, lag := range st.Streams {
		name := fmt.Sprintf("%s %s/%s", lag.Scope, lag.Kind, lag.Collection)
		behind := ""
		if lag.Behind() {
			behind = r.styles.Warning.Render(fmt.Sprintf(" (%d etags behind)", lag.Head-lag.Checkpoint))
		}
		r.field(name, fmt.Sprintf("%d / %d%s", lag.Checkpoint, lag.Head, behind))
	}

	b := st.LastBatch
	if !b.Started.IsZero() {
		r.field("last batch", fmt.Sprintf("%s, %s, %d items, %d reduced, %d pulses",
			formatTime(r.now(), b.Started), b.Duration.Round(time.Millisecond), b.Items, b.Reduced, b.Pulses))
	}
}

func (r *StatusRenderer) field(label, value string) {
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render(fmt.Sprintf("%-24s", label+":")), value)
}

// RenderErrors writes the recorded item errors of one index.
func (r *StatusRenderer) RenderErrors(name string, errs []results.ItemError) error {
	if len(errs) == 0 {
		_, err := fmt.Fprintf(r.out, "%s: %s\n", name, r.styles.Success.Render("no item errors"))
		return err
	}
	_, _ = fmt.Fprintf(r.out, "%s\n", r.styles.Header.Render(fmt.Sprintf("%s: %d item errors", name, len(errs))))
	for _, e := range errs {
		_, _ = fmt.Fprintf(r.out, "  %s %s %s %s\n",
			r.styles.Dim.Render(e.LastAt.Format(time.RFC3339)),
			r.styles.Label.Render(fmt.Sprintf("[%s x%d]", e.Stage, e.Count)),
			r.styles.Value.Render(e.Key),
			r.styles.Error.Render(strings.TrimSpace(e.Message)))
	}
	return nil
}

// RenderJSON outputs v as indented JSON.
func (r *StatusRenderer) RenderJSON(v any) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func rate(attempts, failures int64) string {
	if attempts == 0 {
		return ""
	}
	return fmt.Sprintf(", %.1f%%", 100*float64(failures)/float64(attempts))
}

// formatTime formats t relative to now.
func formatTime(now, t time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
