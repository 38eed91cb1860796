package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rendis/actrun/pkg/schema"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

func renderActs(w io.Writer, acts []*schema.Act) {
	tw := newTable(w, "ID", "Flow", "Status", "Steps", "Trigger", "Created", "Wall clock")
	for _, a := range acts {
		trigger := ""
		if a.Trigger != nil {
			trigger = string(a.Trigger.Kind)
			if a.Trigger.ID != "" {
				trigger += ":" + a.Trigger.ID
			}
		}
		tw.AppendRow(table.Row{
			a.ID, a.FlowName, a.Status, stepSummary(a.Steps), trigger,
			a.CreatedAt.Local().Format(time.DateTime), millis(a.Duration.WallClock),
		})
	}
	tw.Render()
}

// renderAct prints one row per step with the error of failed steps.
func renderAct(w io.Writer, act *schema.Act, gens []*schema.Generation) {
	byID := make(map[string]*schema.Generation, len(gens))
	for _, g := range gens {
		byID[g.ID] = g
	}

	fmt.Fprintf(w, "Act %s (%s): %s, %s\n", act.ID, act.FlowName, act.Status, stepSummary(act.Steps))
	tw := newTable(w, "Sequence", "Step", "Content", "Status", "Duration", "Detail")
	for _, seq := range act.Sequences {
		for _, step := range seq.Steps {
			detail := ""
			if g := byID[step.GenerationID]; g != nil {
				detail = generationDetail(g)
			}
			tw.AppendRow(table.Row{seq.ID, step.ID, step.ContentType, step.Status, millis(step.Duration.WallClock), detail})
		}
	}
	tw.Render()
	for _, an := range act.Annotations {
		fmt.Fprintf(w, "[%s] %s\n", an.Level, an.Message)
	}
}

func renderTriggers(w io.Writer, triggers []*schema.Trigger) {
	tw := newTable(w, "ID", "Kind", "Enabled", "Flow", "Source", "Last run", "Next run")
	for _, t := range triggers {
		source := ""
		switch {
		case t.GitHub != nil:
			source = t.GitHub.Repository + " " + t.GitHub.EventID
		case t.Schedule != nil:
			source = t.Schedule.Cron
		}
		tw.AppendRow(table.Row{
			t.ID, t.Kind, t.Enabled, t.Flow.Name, source,
			formatTime(t.LastRunAt, t.LastRunStatus), formatTime(t.NextRunAt, ""),
		})
	}
	tw.Render()
}

func generationDetail(g *schema.Generation) string {
	if g.Error != nil {
		return g.Error.Name + ": " + g.Error.Message
	}
	if len(g.Outputs) == 0 {
		return ""
	}
	ids := make([]string, len(g.Outputs))
	for i, o := range g.Outputs {
		ids[i] = o.ID
	}
	return "outputs: " + strings.Join(ids, ", ")
}

func stepSummary(c schema.StepCounters) string {
	parts := []string{fmt.Sprintf("%d/%d completed", c.Completed, c.Total())}
	if c.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", c.Failed))
	}
	if c.Cancelled > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", c.Cancelled))
	}
	return strings.Join(parts, ", ")
}

func millis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

func formatTime(t *time.Time, suffix string) string {
	if t == nil {
		return "-"
	}
	s := t.Local().Format(time.DateTime)
	if suffix != "" {
		s += " (" + suffix + ")"
	}
	return s
}
