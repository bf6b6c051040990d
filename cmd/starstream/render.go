package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pyropy/starstream/core/observer"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be text, json, or yaml)", s)
	}
}

var (
	mutedColor   = lipgloss.Color("#6B7280")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(24)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	failStyle    = lipgloss.NewStyle().Foreground(errorColor)
)

type Renderer struct {
	format Format
	out    io.Writer
}

func NewRenderer(format string, out io.Writer) (*Renderer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	return &Renderer{format: f, out: out}, nil
}

func (r *Renderer) Report(report *observer.Report) error {
	switch r.format {
	case FormatJSON:
		return r.encodeJSON(report)
	case FormatYAML:
		return r.encodeYAML(report)
	}

	_, err := io.WriteString(r.out, textReport(report))
	return err
}

func (r *Renderer) List(reports []*observer.Report) error {
	switch r.format {
	case FormatJSON:
		return r.encodeJSON(reports)
	case FormatYAML:
		return r.encodeYAML(reports)
	}

	_, err := io.WriteString(r.out, textList(reports))
	return err
}

func (r *Renderer) encodeJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) encodeYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

func row(b *strings.Builder, label string, value any) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(fmt.Sprint(value))
	b.WriteString("\n")
}

func section(b *strings.Builder, name string) {
	b.WriteString(sectionStyle.Render(name))
	b.WriteString("\n")
}

func summary(s observer.Summary) string {
	if s.N == 0 {
		return "n/a"
	}

	return fmt.Sprintf("avg %.2f  min %.2f  max %.2f  stddev %.2f  (n=%d)", s.Avg, s.Min, s.Max, s.StdDev, s.N)
}

func distribution(m map[int]int) string {
	if len(m) == 0 {
		return "none"
	}

	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%d", k, m[k]))
	}

	return strings.Join(parts, " ")
}

func textReport(r *observer.Report) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Run " + r.RunID))
	b.WriteString("\n")
	row(&b, "created", r.CreatedAt)
	row(&b, "seed", r.Seed)
	row(&b, "session", r.Session)
	row(&b, "end time", r.EndTime)
	if r.Aborted != "" {
		row(&b, "status", failStyle.Render("aborted: "+r.Aborted))
	} else {
		row(&b, "status", okStyle.Render("completed"))
	}

	section(&b, "Nodes")
	row(&b, "total chunks", r.TotalChunks)
	row(&b, "nodes per chunk", r.NodesPerChunk)
	row(&b, "total nodes", r.TotalNodes)
	row(&b, "active nodes", r.ActiveNodes)
	row(&b, "started playbacks", r.StartedPlaybacks)
	if r.StartedPlaybacks > 0 {
		row(&b, "playback start", fmt.Sprintf("%d .. %d", r.PlaybackStart.First, r.PlaybackStart.Last))
	}
	if len(r.NotStarted) > 0 {
		row(&b, "not started", strings.Join(r.NotStarted, ", "))
	}
	row(&b, "missing chunks", distribution(r.MissingChunks))
	row(&b, "perceived delivery", summary(r.PerceivedDelivery))
	row(&b, "unplayed %", summary(r.Unplayed))
	row(&b, "unplayed by seq", distribution(r.UnplayedBySeq))

	section(&b, "Traffic")
	row(&b, "messages per node", summary(r.MessagesSent))
	kinds := make([]string, 0, len(r.MessagesByKind))
	for k := range r.MessagesByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		row(&b, "  "+k, r.MessagesByKind[k])
	}
	row(&b, "transport dropped", r.Transport.Dropped)
	row(&b, "corrupted", r.Corrupted)
	row(&b, "expired on arrival", r.Expired)
	row(&b, "timeouts", r.Timeouts)
	row(&b, "evictions", r.Evictions)

	section(&b, "Source")
	row(&b, "created", r.Source.Created)
	row(&b, "sent", r.Source.Sent)
	row(&b, "retransmissions", r.Source.Retransmissions)
	row(&b, "acks / nacks", fmt.Sprintf("%d / %d", r.Source.Acks, r.Source.Nacks))

	section(&b, "Overlay")
	row(&b, "published", r.Overlay.Published)
	row(&b, "routed", r.Overlay.Routed)
	row(&b, "lookups", r.Overlay.Lookups)
	row(&b, "discovered", r.Overlay.Discovered)

	if len(r.Stores) > 0 {
		section(&b, "Stores")
		for _, s := range r.Stores {
			state := okStyle.Render("joined")
			if !s.Joined {
				state = failStyle.Render("not joined")
			}
			row(&b, shortID(s.Node), fmt.Sprintf("%s  contiguous %d  held %v  missing %v", state, s.Contiguous, s.Sequences, s.Missing))
		}
	}

	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func textList(reports []*observer.Report) string {
	if len(reports) == 0 {
		return "no runs archived\n"
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(mutedColor)
	cols := []int{38, 22, 8, 8, 10}

	cell := func(i int, v any) string {
		return lipgloss.NewStyle().Width(cols[i]).Render(fmt.Sprint(v))
	}

	var b strings.Builder
	b.WriteString(header.Render(lipgloss.JoinHorizontal(lipgloss.Top,
		cell(0, "RUN"), cell(1, "CREATED"), cell(2, "NODES"), cell(3, "CHUNKS"), cell(4, "STARTED"), "STATUS")))
	b.WriteString("\n")

	for _, r := range reports {
		status := okStyle.Render("completed")
		if r.Aborted != "" {
			status = failStyle.Render("aborted")
		}

		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			cell(0, r.RunID), cell(1, r.CreatedAt), cell(2, r.TotalNodes), cell(3, r.TotalChunks),
			cell(4, fmt.Sprintf("%d/%d", r.StartedPlaybacks, r.TotalNodes)), status))
		b.WriteString("\n")
	}

	return b.String()
}
