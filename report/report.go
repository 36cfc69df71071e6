// Package report renders budget hierarchies and capability registries as
// ASCII charts, JSON, CSV or Markdown.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/sjson"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/monitor"
)

// Format selects the output encoding.
type Format string

const (
	ASCII    Format = "ascii"
	JSON     Format = "json"
	CSV      Format = "csv"
	Markdown Format = "markdown"
)

// Formats lists the supported formats.
var Formats = []Format{ASCII, JSON, CSV, Markdown}

// ParseFormat accepts a format name; "md" and "text" are aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "ascii", "text", "":
		return ASCII, nil
	case "json":
		return JSON, nil
	case "csv":
		return CSV, nil
	case "markdown", "md":
		return Markdown, nil
	}
	return "", errors.NotFound(errors.PhaseConfig, "report format", s)
}

// DefaultWidth is the ASCII bar width when Options.Width is zero.
const DefaultWidth = 40

// Options controls rendering.
type Options struct {
	// Health, when set, is appended to the report.
	Health *monitor.Report
	Format Format
	// Width of ASCII utilization bars.
	Width int
	// Percentages adds used/granted sizes next to ASCII bars.
	Percentages bool
}

// Render writes a report of h and reg to w. reg may be nil.
func Render(w io.Writer, h *budget.Hierarchy, reg *capability.Registry, opts *Options) error {
	if opts == nil {
		opts = &Options{Format: ASCII, Percentages: true}
	}
	nodes := h.Snapshot()
	owners := entries(reg)

	switch opts.Format {
	case ASCII, "":
		return renderASCII(w, h, owners, opts)
	case JSON:
		return renderJSON(w, nodes, owners, opts.Health)
	case CSV:
		return renderCSV(w, nodes)
	case Markdown:
		return renderMarkdown(w, nodes, owners, opts.Health)
	}
	return errors.NotFound(errors.PhaseConfig, "report format", string(opts.Format))
}

func entries(reg *capability.Registry) []capability.Entry {
	if reg == nil {
		return nil
	}
	var out []capability.Entry
	reg.Each(func(e capability.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func percent(n budget.NodeInfo) int {
	return int(n.Utilization()*100 + 0.5)
}

func ownerName(n budget.NodeInfo) string {
	if !n.HasOwner {
		return ""
	}
	return n.Owner.String()
}

func parentName(n budget.NodeInfo) string {
	if n.Parent == budget.None {
		return ""
	}
	return strconv.Itoa(int(n.Parent))
}

func bar(pct, width int) string {
	filled := min(pct, 100) * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func state(e capability.Entry) string {
	if e.Revoked {
		return "revoked"
	}
	return "active"
}

func renderASCII(w io.Writer, h *budget.Hierarchy, owners []capability.Entry, opts *Options) error {
	width := opts.Width
	if width <= 0 {
		width = DefaultWidth
	}
	ew := &errWriter{w: w}

	ew.printf("Memory Budget\n=============\n\n")
	h.Walk(func(n budget.NodeInfo) bool {
		label := strings.Repeat("  ", n.Depth-1) + n.Name
		pct := percent(n)
		ew.printf("%-24s [%s] %3d%%", label, bar(pct, width), pct)
		if opts.Percentages {
			ew.printf(" (%s / %s)", humanize.IBytes(n.Consumed), humanize.IBytes(n.Granted))
		}
		if n.Corrupted {
			ew.printf(" CORRUPTED")
		}
		ew.printf("\n")
		return true
	})

	if len(owners) > 0 {
		ew.printf("\nCapabilities\n------------\n")
		for _, e := range owners {
			ew.printf("%-14s %-8s %-7s %10s  %s\n",
				e.Owner, e.Capability.Kind, e.Capability.Level,
				humanize.IBytes(e.Capability.MaxSize), state(e))
		}
	}

	if r := opts.Health; r != nil {
		ew.printf("\nHealth\n------\n")
		ew.printf("Health Score: %d/100\n", r.HealthScore)
		ew.printf("Allocations: %s ok, %s failed\n",
			humanize.Comma(int64(r.TotalAllocations)), humanize.Comma(int64(r.FailedAllocations)))
		ew.printf("Memory: %s current, %s peak\n", humanize.IBytes(r.CurrentBytes), humanize.IBytes(r.PeakBytes))
		if c := r.CriticalViolations(); c > 0 {
			ew.printf("Critical Issues: %d\n", c)
		}
	}
	return ew.err
}

func renderJSON(w io.Writer, nodes []budget.NodeInfo, owners []capability.Entry, health *monitor.Report) error {
	doc := `{"nodes":[],"owners":[]}`
	var err error
	set := func(path string, v any) {
		if err == nil {
			doc, err = sjson.Set(doc, path, v)
		}
	}

	for i, n := range nodes {
		p := "nodes." + strconv.Itoa(i) + "."
		set(p+"id", int(n.ID))
		set(p+"name", n.Name)
		if n.Parent != budget.None {
			set(p+"parent", int(n.Parent))
		} else {
			set(p+"parent", nil)
		}
		if n.HasOwner {
			set(p+"owner", n.Owner.String())
		}
		set(p+"granted", n.Granted)
		set(p+"consumed", n.Consumed)
		set(p+"peak", n.Peak)
		set(p+"utilization", n.Utilization())
		set(p+"corrupted", n.Corrupted)
	}
	for i, e := range owners {
		p := "owners." + strconv.Itoa(i) + "."
		set(p+"owner", e.Owner.String())
		set(p+"kind", e.Capability.Kind.String())
		set(p+"level", e.Capability.Level.String())
		set(p+"max_size", e.Capability.MaxSize)
		set(p+"revoked", e.Revoked)
	}
	if health != nil {
		set("health.score", health.HealthScore)
		set("health.healthy", health.Healthy())
		set("health.total_allocations", health.TotalAllocations)
		set("health.failed_allocations", health.FailedAllocations)
		set("health.critical_violations", health.CriticalViolations())
		set("health.current_bytes", health.CurrentBytes)
		set("health.peak_bytes", health.PeakBytes)
	}
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "encode json report")
	}
	_, err = io.WriteString(w, doc+"\n")
	return err
}

func renderCSV(w io.Writer, nodes []budget.NodeInfo) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "name", "parent", "owner", "granted", "consumed", "peak", "utilization_percent", "corrupted"})
	for _, n := range nodes {
		_ = cw.Write([]string{
			strconv.Itoa(int(n.ID)),
			n.Name,
			parentName(n),
			ownerName(n),
			strconv.FormatUint(n.Granted, 10),
			strconv.FormatUint(n.Consumed, 10),
			strconv.FormatUint(n.Peak, 10),
			strconv.Itoa(percent(n)),
			strconv.FormatBool(n.Corrupted),
		})
	}
	cw.Flush()
	return cw.Error()
}

func renderMarkdown(w io.Writer, nodes []budget.NodeInfo, owners []capability.Entry, health *monitor.Report) error {
	ew := &errWriter{w: w}
	ew.printf("# Memory Budget\n\n")
	ew.printf("| Node | Parent | Owner | Granted | Consumed | Peak | Utilization |\n")
	ew.printf("|------|--------|-------|--------:|---------:|-----:|------------:|\n")
	for _, n := range nodes {
		name := n.Name
		if n.Corrupted {
			name += " **(corrupted)**"
		}
		parent := ""
		if n.Parent != budget.None {
			parent = nodes[n.Parent].Name
		}
		ew.printf("| %s | %s | %s | %s | %s | %s | %d%% |\n",
			name, parent, ownerName(n),
			humanize.IBytes(n.Granted), humanize.IBytes(n.Consumed), humanize.IBytes(n.Peak), percent(n))
	}

	if len(owners) > 0 {
		ew.printf("\n## Capabilities\n\n")
		ew.printf("| Owner | Kind | Level | Max size | State |\n")
		ew.printf("|-------|------|-------|---------:|-------|\n")
		for _, e := range owners {
			ew.printf("| %s | %s | %s | %s | %s |\n",
				e.Owner, e.Capability.Kind, e.Capability.Level, humanize.IBytes(e.Capability.MaxSize), state(e))
		}
	}

	if health != nil {
		ew.printf("\n## Health\n\n")
		ew.printf("- **Health Score:** %d/100\n", health.HealthScore)
		ew.printf("- **Allocations:** %d ok, %d failed\n", health.TotalAllocations, health.FailedAllocations)
		ew.printf("- **Critical Issues:** %d\n", health.CriticalViolations())
	}
	return ew.err
}

// errWriter keeps the first write error so rendering code can print
// unconditionally.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
