package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"iso-builder/internal/jobsync"
	"iso-builder/internal/models"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"

	maxErrorWidth = 48
)

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

// render writes v as JSON or YAML, or calls table for the default format.
func render(w io.Writer, format string, v any, table func(io.Writer) error) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// Round-trip through JSON so the json tags and raw configs carry over.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	return table(w)
}

// tablePrinter aligns columns with tabwriter, kubectl style.
type tablePrinter struct {
	w *tabwriter.Writer
}

func newTablePrinter(out io.Writer, headers ...string) *tablePrinter {
	p := &tablePrinter{w: tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)}
	if len(headers) > 0 {
		p.row(headers...)
	}
	return p
}

func (p *tablePrinter) row(cols ...string) {
	fmt.Fprintln(p.w, strings.Join(cols, "\t"))
}

func (p *tablePrinter) flush() error {
	return p.w.Flush()
}

var jobHeaders = []string{"ID", "PLACE", "STATUS", "PROGRESS", "CREATED", "ERROR"}

func (p *tablePrinter) job(place string, j models.Job) {
	p.row(j.ID, place, string(j.Status), strconv.Itoa(j.Progress)+"%", formatTime(j.CreatedAt), truncate(deref(j.Error), maxErrorWidth))
}

// printState writes the active build, then the queue in order, then history.
func printState(w io.Writer, s jobsync.State) error {
	p := newTablePrinter(w, jobHeaders...)
	if s.Active != nil {
		p.job(jobsync.PlacementActive.String(), *s.Active)
	}
	for _, j := range s.Queue {
		p.job(jobsync.PlacementQueue.String(), j)
	}
	for _, j := range s.History {
		p.job(jobsync.PlacementHistory.String(), j)
	}
	return p.flush()
}

func printSnapshot(w io.Writer, snap *jobsync.Snapshot) error {
	c := snap.Connection
	line := "connection: " + c.State
	if c.Transport != "" {
		line += " (" + c.Transport + ")"
	}
	if c.Stale {
		line += " stale"
	}
	if c.Error != "" {
		line += " error=" + c.Error
	}
	fmt.Fprintf(w, "%s  version=%d\n", line, snap.Version)
	return printState(w, snap.State)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
