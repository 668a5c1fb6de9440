// Package analyzer produces a structured stack report for a scanned
// repository. The report must be fully structured, downstream selection and
// planning key off drawback ids and categories, so the model output is
// validated against the schema and rejected when malformed.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/genai"
)

// Technologies describes the detected current stack.
type Technologies struct {
	Backend  []string `json:"backend"`
	Frontend []string `json:"frontend"`
	Database []string `json:"database"`
	Auth     []string `json:"auth"`
}

// Drawback is one detected issue the client can select for remediation.
type Drawback struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
}

// Recommendation is one prioritized upgrade suggestion.
type Recommendation struct {
	Category    string `json:"category"`
	Current     string `json:"current"`
	Recommended string `json:"recommended"`
	Reason      string `json:"reason"`
	Priority    string `json:"priority"`
	Effort      string `json:"effort"`
}

// StackReport is the analysis phase output.
type StackReport struct {
	Technologies    Technologies     `json:"technologies"`
	HealthScore     int              `json:"health_score"`
	Summary         string           `json:"summary"`
	Drawbacks       []Drawback       `json:"drawbacks"`
	Recommendations []Recommendation `json:"recommendations"`
}

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate checks the schema rules downstream phases rely on.
func (r *StackReport) Validate() error {
	if r.HealthScore < 0 || r.HealthScore > 100 {
		return fmt.Errorf("health score %d out of range", r.HealthScore)
	}
	seen := make(map[string]bool, len(r.Drawbacks))
	for i, d := range r.Drawbacks {
		if d.ID == "" {
			return fmt.Errorf("drawback %d has no id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate drawback id %q", d.ID)
		}
		seen[d.ID] = true
		if !validSeverities[d.Severity] {
			return fmt.Errorf("drawback %q has invalid severity %q", d.ID, d.Severity)
		}
		if d.Category == "" {
			return fmt.Errorf("drawback %q has no category", d.ID)
		}
	}
	for i, rec := range r.Recommendations {
		if rec.Category == "" || rec.Recommended == "" {
			return fmt.Errorf("recommendation %d is incomplete", i)
		}
	}
	return nil
}

// Analyzer runs the analysis phase against the Planner capability.
type Analyzer struct {
	ai       *genai.Client
	logger   *slog.Logger
	maxFiles int
	maxBytes int
}

// New creates an analyzer. At most maxFiles representative file contents go
// into the prompt; zero means the default of 15.
func New(ai *genai.Client, maxFiles int, logger *slog.Logger) *Analyzer {
	if maxFiles <= 0 {
		maxFiles = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{ai: ai, logger: logger, maxFiles: maxFiles, maxBytes: 12000}
}

// ScoredFile pairs a path with its content for the analysis prompt.
type ScoredFile struct {
	Path    string
	Content string
}

// SelectRepresentative picks the files most likely to reveal the stack:
// manifests and entrypoints first, then source by shortest path.
func SelectRepresentative(files []ScoredFile, limit int) []ScoredFile {
	score := func(p string) int {
		base := strings.ToLower(p[strings.LastIndex(p, "/")+1:])
		switch base {
		case "package.json", "requirements.txt", "composer.json", "gemfile", "pom.xml", "go.mod", "pipfile", "pyproject.toml":
			return 0
		case "main.py", "app.py", "index.php", "server.js", "index.js", "app.js":
			return 1
		}
		switch {
		case strings.HasSuffix(base, ".py"), strings.HasSuffix(base, ".php"),
			strings.HasSuffix(base, ".js"), strings.HasSuffix(base, ".rb"):
			return 2
		case strings.HasSuffix(base, ".html"), strings.HasSuffix(base, ".sql"):
			return 3
		}
		return 4
	}

	sorted := make([]ScoredFile, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := score(sorted[i].Path), score(sorted[j].Path)
		if si != sj {
			return si < sj
		}
		return len(sorted[i].Path) < len(sorted[j].Path)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// Analyze sends the file list and representative contents to the Planner
// capability and returns the validated report. Malformed output is an
// analysis fault, never silently ignored.
func (a *Analyzer) Analyze(ctx context.Context, paths []string, files []ScoredFile) (*StackReport, error) {
	prompt := a.buildPrompt(paths, SelectRepresentative(files, a.maxFiles))

	raw, err := a.ai.Generate(ctx, a.ai.PlannerModel(), prompt)
	if err != nil {
		if fault.KindOf(err) == fault.KindGeneration {
			return nil, fault.Wrap(fault.KindAnalysis, err, "analysis call failed")
		}
		return nil, err
	}

	report, err := ParseReport(raw)
	if err != nil {
		return nil, err
	}
	a.logger.Info("stack analyzed",
		"health_score", report.HealthScore,
		"drawbacks", len(report.Drawbacks),
		"recommendations", len(report.Recommendations))
	return report, nil
}

// ParseReport extracts and validates the JSON report from raw model output,
// tolerating markdown fences and surrounding prose.
func ParseReport(raw string) (*StackReport, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fault.New(fault.KindAnalysis, "no JSON object in analysis output")
	}

	var report StackReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fault.Wrap(fault.KindAnalysis, err, "decode analysis output")
	}
	if err := report.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindAnalysis, err, "analysis output violates schema")
	}
	return &report, nil
}

func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func (a *Analyzer) buildPrompt(paths []string, files []ScoredFile) string {
	var sb strings.Builder
	sb.WriteString("You are a software archaeologist assessing a legacy repository.\n")
	sb.WriteString("Respond with ONE JSON object, no prose, matching exactly:\n")
	sb.WriteString(`{"technologies":{"backend":[],"frontend":[],"database":[],"auth":[]},` +
		`"health_score":0,"summary":"",` +
		`"drawbacks":[{"id":"","title":"","description":"","severity":"low|medium|high|critical","category":""}],` +
		`"recommendations":[{"category":"","current":"","recommended":"","reason":"","priority":"","effort":""}]}`)
	sb.WriteString("\nhealth_score is an integer 0-100. Every drawback needs a unique id.\n\n")

	sb.WriteString("FILE LIST:\n")
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}

	sb.WriteString("\nREPRESENTATIVE CONTENTS:\n")
	for _, f := range files {
		content := f.Content
		if len(content) > a.maxBytes {
			content = content[:a.maxBytes]
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", f.Path, content)
	}
	return sb.String()
}

// SummaryForPlan condenses the report into the compact form the planner
// prompt embeds, selected drawbacks only.
func SummaryForPlan(report *StackReport, selectedIDs []string) string {
	selected := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current stack: backend %s; frontend %s; database %s; auth %s. Health %d/100.\n",
		strings.Join(report.Technologies.Backend, ", "),
		strings.Join(report.Technologies.Frontend, ", "),
		strings.Join(report.Technologies.Database, ", "),
		strings.Join(report.Technologies.Auth, ", "),
		report.HealthScore)
	for _, d := range report.Drawbacks {
		if len(selected) > 0 && !selected[d.ID] {
			continue
		}
		fmt.Fprintf(&sb, "Issue [%s/%s] %s: %s\n", d.Severity, d.Category, d.Title, d.Description)
	}
	return sb.String()
}
