// Package planner turns an analysis report plus the client's selections
// into an architectural migration plan. Planning has no retry logic of its
// own; a partial plan is unusable downstream, so any failure aborts.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lazarusengine/lazarus/analyzer"
	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/genai"
)

// Selections carries what the client chose to remediate.
type Selections struct {
	DrawbackIDs  []string `json:"drawback_ids"`
	Upgrades     []string `json:"upgrades"`
	Instructions string   `json:"instructions"`
}

// Empty reports whether there is nothing to act on. An empty selection set
// with no instructions is rejected before the pipeline starts.
func (s Selections) Empty() bool {
	return len(s.DrawbackIDs) == 0 && len(s.Upgrades) == 0 && strings.TrimSpace(s.Instructions) == ""
}

// Plan is the generation contract: target stack, file manifest, API summary,
// plus the narrative text embedded in the coder prompt.
type Plan struct {
	TargetStack  string   `json:"target_stack"`
	Files        []string `json:"files"`
	APIContracts string   `json:"api_contracts"`
	Narrative    string   `json:"narrative"`
}

// Text renders the plan for the coder prompt.
func (p *Plan) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target stack: %s\n", p.TargetStack)
	if p.APIContracts != "" {
		fmt.Fprintf(&sb, "API contracts:\n%s\n", p.APIContracts)
	}
	if len(p.Files) > 0 {
		sb.WriteString("File manifest:\n")
		for _, f := range p.Files {
			fmt.Fprintf(&sb, "  %s\n", f)
		}
	}
	if p.Narrative != "" {
		sb.WriteString(p.Narrative)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Planner runs the planning phase against the Planner capability.
type Planner struct {
	ai     *genai.Client
	logger *slog.Logger
}

// New creates a migration planner.
func New(ai *genai.Client, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{ai: ai, logger: logger}
}

// Plan produces the migration plan from the report and the client's
// selections. File paths only go into the prompt, never full contents; the
// coder sees those through the plan manifest instead.
func (p *Planner) Plan(ctx context.Context, report *analyzer.StackReport, sel Selections, repoFiles []string) (*Plan, error) {
	if sel.Empty() {
		return nil, fault.New(fault.KindPlanning, "nothing selected and no instructions given")
	}

	prompt := buildPrompt(report, sel, repoFiles)
	raw, err := p.ai.Generate(ctx, p.ai.PlannerModel(), prompt)
	if err != nil {
		return nil, fault.Wrap(fault.KindPlanning, err, "planning call failed")
	}

	plan, err := parsePlan(raw)
	if err != nil {
		return nil, err
	}
	p.logger.Info("migration plan ready", "target_stack", plan.TargetStack, "files", len(plan.Files))
	return plan, nil
}

func parsePlan(raw string) (*Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fault.New(fault.KindPlanning, "no JSON object in planning output")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return nil, fault.Wrap(fault.KindPlanning, err, "decode planning output")
	}
	if plan.TargetStack == "" {
		return nil, fault.New(fault.KindPlanning, "plan names no target stack")
	}
	if len(plan.Files) == 0 {
		return nil, fault.New(fault.KindPlanning, "plan has an empty file manifest")
	}
	return &plan, nil
}

func buildPrompt(report *analyzer.StackReport, sel Selections, repoFiles []string) string {
	var sb strings.Builder
	sb.WriteString("You are planning the modernization of a legacy application.\n")
	sb.WriteString("Respond with ONE JSON object, no prose:\n")
	sb.WriteString(`{"target_stack":"","files":["path", "..."],"api_contracts":"","narrative":""}`)
	sb.WriteString("\nfiles is the complete manifest of the modernized codebase.\n")
	sb.WriteString("Preserve every feature of the original; modernize only what the selections ask for.\n\n")

	sb.WriteString("ANALYSIS:\n")
	sb.WriteString(analyzer.SummaryForPlan(report, sel.DrawbackIDs))

	if len(sel.Upgrades) > 0 {
		sb.WriteString("\nSELECTED UPGRADES:\n")
		for _, u := range sel.Upgrades {
			sb.WriteString("  " + u + "\n")
		}
	}
	if strings.TrimSpace(sel.Instructions) != "" {
		sb.WriteString("\nUSER INSTRUCTIONS:\n" + sel.Instructions + "\n")
	}

	sb.WriteString("\nORIGINAL FILE PATHS:\n")
	for _, f := range repoFiles {
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	return sb.String()
}
