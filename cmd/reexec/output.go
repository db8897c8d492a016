package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/animus-labs/reexec/internal/client"
	"github.com/animus-labs/reexec/internal/execution/plan"
)

const (
	formatText = "text"
	formatJSON = "json"
)

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", formatText:
		return &printer{w: w}, nil
	case formatJSON:
		return &printer{w: w, json: true}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) message(msg string) error {
	if p.json {
		return p.encode(map[string]string{"message": msg})
	}
	_, err := fmt.Fprintln(p.w, msg)
	return err
}

func (p *printer) pipelines(list []client.Pipeline) error {
	if p.json {
		return p.encode(list)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTEPS\tHASH")
	for _, pl := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", pl.Name, len(pl.Steps), shortHash(pl.GraphHash))
	}
	return tw.Flush()
}

func (p *printer) pipeline(d client.PipelineDetail) error {
	if p.json {
		return p.encode(d)
	}
	fmt.Fprintf(p.w, "pipeline %s (%s)\n", d.Name, shortHash(d.GraphHash))
	fmt.Fprintf(p.w, "order: %s\n", strings.Join(d.Order, " -> "))
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tUPSTREAM\tDOWNSTREAM\tOUTPUTS")
	for _, s := range d.StepDetails {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, joinOrDash(s.Upstream), joinOrDash(s.Downstream), joinOrDash(s.Outputs))
	}
	return tw.Flush()
}

func (p *printer) dispatched(d client.Dispatched) error {
	if p.json {
		return p.encode(d)
	}
	fmt.Fprintf(p.w, "run %s %s", d.RunID, d.RequestState)
	if d.RunState != "" {
		fmt.Fprintf(p.w, " (%s)", d.RunState)
	}
	fmt.Fprintln(p.w)
	if d.Plan != nil {
		return p.planText(*d.Plan)
	}
	return nil
}

func (p *printer) plan(pl plan.Payload) error {
	if p.json {
		return p.encode(pl)
	}
	return p.planText(pl)
}

func (p *printer) planText(pl plan.Payload) error {
	fmt.Fprintf(p.w, "mode %s", pl.Mode)
	if pl.Selection != "" {
		fmt.Fprintf(p.w, " selection %q", pl.Selection)
	}
	if pl.ParentRunID != "" {
		fmt.Fprintf(p.w, " parent %s root %s", pl.ParentRunID, pl.RootRunID)
	}
	fmt.Fprintln(p.w)

	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tINPUT\tFROM\tORIGIN")
	for _, step := range pl.Steps {
		sources := pl.InputSources[step]
		if len(sources) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\n", step)
			continue
		}
		for _, src := range sources {
			origin := src.Origin
			if src.ArtifactRunID != "" {
				origin += " " + src.ArtifactRunID
			} else if src.RunID != "" {
				origin += " " + src.RunID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s.%s\t%s\n", step, src.Input, src.Step, src.Output, origin)
		}
	}
	return tw.Flush()
}

func (p *printer) run(r client.Run) error {
	if p.json {
		return p.encode(r)
	}
	fmt.Fprintf(p.w, "run %s of %s: %s\n", r.RunID, r.PipelineName, r.State)
	if r.ParentRunID != "" {
		fmt.Fprintf(p.w, "parent %s root %s mode %s", r.ParentRunID, r.RootRunID, r.Mode)
		if r.Selection != "" {
			fmt.Fprintf(p.w, " selection %q", r.Selection)
		}
		fmt.Fprintln(p.w)
	}
	if len(r.Inherited) > 0 {
		steps := make([]string, 0, len(r.Inherited))
		for step := range r.Inherited {
			steps = append(steps, step)
		}
		sort.Strings(steps)
		for i, step := range steps {
			steps[i] = step + "@" + r.Inherited[step]
		}
		fmt.Fprintf(p.w, "inherited: %s\n", strings.Join(steps, ", "))
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tOUTPUTS")
	recorded := make(map[string]client.StepResult, len(r.Steps))
	for _, s := range r.Steps {
		recorded[s.Step] = s
	}
	for _, step := range r.PlannedSteps {
		s, ok := recorded[step]
		status := "pending"
		if ok {
			status = s.Status
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", step, status, joinOrDash(s.Outputs))
	}
	return tw.Flush()
}

func (p *printer) runs(list []client.Run) error {
	if p.json {
		return p.encode(list)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATE\tMODE\tPARENT\tCREATED")
	for _, r := range list {
		parent := r.ParentRunID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.PipelineName, r.State, r.Mode, parent, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
