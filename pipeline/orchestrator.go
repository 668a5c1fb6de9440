package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lazarusengine/lazarus/analyzer"
	"github.com/lazarusengine/lazarus/codegen"
	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/debuglog"
	"github.com/lazarusengine/lazarus/healer"
	"github.com/lazarusengine/lazarus/planner"
	"github.com/lazarusengine/lazarus/sandbox"
)

// RepoScanner lists and reads remote repository files.
type RepoScanner interface {
	ScanTree(ctx context.Context, repoURL string) ([]string, error)
	FileContent(ctx context.Context, repoURL, path string) (string, error)
}

// StackAnalyzer produces the structured stack report.
type StackAnalyzer interface {
	Analyze(ctx context.Context, paths []string, files []analyzer.ScoredFile) (*analyzer.StackReport, error)
}

// MigrationPlanner produces the generation plan.
type MigrationPlanner interface {
	Plan(ctx context.Context, report *analyzer.StackReport, sel planner.Selections, repoFiles []string) (*planner.Plan, error)
}

// CodeGenerator streams the artifact set for a plan.
type CodeGenerator interface {
	Generate(ctx context.Context, planText, instructions, errorContext string, onFile func(codegen.Artifact)) ([]codegen.Artifact, error)
}

// Booter runs an artifact set in a fresh sandbox.
type Booter interface {
	Execute(ctx context.Context, artifacts []codegen.Artifact, logf func(string)) (*sandbox.BootResult, error)
	Release(ctx context.Context, r *sandbox.BootResult)
}

// Pipeline orchestrates the phases. One instance serves all sessions; each
// run is driven by a single goroutine that owns its session.
type Pipeline struct {
	Scanner     RepoScanner
	Analyzer    StackAnalyzer
	Planner     MigrationPlanner
	Generator   CodeGenerator
	Executor    Booter
	Classifier  *healer.Classifier
	Sessions    *Store
	Debug       *debuglog.Store
	Logger      *slog.Logger
	MaxAttempts int

	// ContentFetchLimit caps how many file contents feed the analysis
	// prompt.
	ContentFetchLimit int
}

// New fills in defaults and returns the pipeline.
func New(p Pipeline) *Pipeline {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Classifier == nil {
		p.Classifier = healer.NewClassifier(nil)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.ContentFetchLimit <= 0 {
		p.ContentFetchLimit = 15
	}
	return &p
}

func (p *Pipeline) debug(level, category, message string, details map[string]any) {
	if p.Debug != nil {
		p.Debug.Append(level, category, message, details)
	}
}

// ResurrectRequest is the build request after client-side selection.
type ResurrectRequest struct {
	RepoURL    string              `json:"repo_url"`
	Selections planner.Selections  `json:"selections"`
	// Report carries the analysis the client already received; nil means
	// the pipeline re-analyzes.
	Report *analyzer.StackReport `json:"report,omitempty"`
}

// RunAnalysis executes scan and analyze for one session, publishing events
// as it goes, and closes the stream when done.
func (p *Pipeline) RunAnalysis(ctx context.Context, sess *Session) {
	stream := sess.Stream()
	defer stream.Close()

	sess.SetPhase(PhaseScan)
	stream.Log("Scanning repository " + sess.RepoURL + "...")

	paths, err := p.Scanner.ScanTree(ctx, sess.RepoURL)
	if err != nil {
		p.debug("ERROR", "SCAN", "scan failed", map[string]any{"repo": sess.RepoURL, "error": err.Error()})
		p.fail(sess, stream, err)
		return
	}
	stream.Publish(Event{Type: EventFiles, Data: paths})
	stream.Log(fmt.Sprintf("Found %d files.", len(paths)))
	p.debug("INFO", "SCAN", "repository scanned", map[string]any{"repo": sess.RepoURL, "files": len(paths)})

	sess.SetPhase(PhaseAnalyze)
	stream.Log("Analyzing technology stack...")
	files := p.fetchRepresentative(ctx, sess.RepoURL, paths)

	report, err := p.Analyzer.Analyze(ctx, paths, files)
	if err != nil {
		p.debug("ERROR", "ANALYZE", "analysis failed", map[string]any{"error": err.Error()})
		p.fail(sess, stream, err)
		return
	}
	stream.Publish(Event{Type: EventAnalysis, Data: report})
	stream.Log(fmt.Sprintf("Analysis complete: health %d/100, %d issues.", report.HealthScore, len(report.Drawbacks)))
	sess.SetPhase(PhaseDone)
}

// fetchRepresentative pulls the contents of the files most likely to reveal
// the stack. Individual fetch failures are skipped, a few readable files
// beat a hard error.
func (p *Pipeline) fetchRepresentative(ctx context.Context, repoURL string, paths []string) []analyzer.ScoredFile {
	candidates := make([]analyzer.ScoredFile, len(paths))
	for i, path := range paths {
		candidates[i] = analyzer.ScoredFile{Path: path}
	}
	candidates = analyzer.SelectRepresentative(candidates, p.ContentFetchLimit)

	out := make([]analyzer.ScoredFile, 0, len(candidates))
	for _, c := range candidates {
		content, err := p.Scanner.FileContent(ctx, repoURL, c.Path)
		if err != nil {
			p.Logger.Warn("skipping unreadable file", "path", c.Path, "error", err)
			continue
		}
		out = append(out, analyzer.ScoredFile{Path: c.Path, Content: content})
	}
	return out
}

// RunResurrection executes the full pipeline for one session: scan, analyze
// (unless a report was carried over), plan, then the bounded
// generate/execute/heal loop. Exactly one terminal event is published.
func (p *Pipeline) RunResurrection(ctx context.Context, sess *Session, req ResurrectRequest) {
	stream := sess.Stream()

	if req.Selections.Empty() {
		sess.SetPhase(PhaseFailed)
		stream.Fail("nothing to do: no issues or upgrades selected and no instructions given")
		return
	}

	sess.SetPhase(PhaseScan)
	stream.Log("Scanning repository " + sess.RepoURL + "...")
	paths, err := p.Scanner.ScanTree(ctx, sess.RepoURL)
	if err != nil {
		p.fail(sess, stream, err)
		return
	}
	stream.Publish(Event{Type: EventRepoFiles, Files: paths})

	report := req.Report
	if report == nil {
		sess.SetPhase(PhaseAnalyze)
		stream.Log("Analyzing technology stack...")
		files := p.fetchRepresentative(ctx, sess.RepoURL, paths)
		report, err = p.Analyzer.Analyze(ctx, paths, files)
		if err != nil {
			p.fail(sess, stream, err)
			return
		}
	}

	sess.SetPhase(PhasePlan)
	stream.Log("Drafting migration plan...")
	plan, err := p.Planner.Plan(ctx, report, req.Selections, paths)
	if err != nil {
		p.fail(sess, stream, err)
		return
	}
	stream.Log("Plan ready: " + plan.TargetStack)
	p.debug("INFO", "PLAN", "plan ready", map[string]any{"target": plan.TargetStack, "files": len(plan.Files)})

	var (
		history  []healer.Summary
		lastRes  *sandbox.BootResult
		lastArts []codegen.Artifact
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		// Every retry starts from scratch: fresh artifacts, fresh sandbox.
		if lastRes != nil {
			p.release(lastRes)
			sess.setCleanup(nil)
			lastRes = nil
		}

		sess.SetPhase(PhaseGenerate)
		if attempt > 1 {
			stream.Log(fmt.Sprintf("Regenerating code (attempt %d of %d)...", attempt, p.MaxAttempts))
		} else {
			stream.Log("Generating modernized code...")
		}

		arts, err := p.Generator.Generate(ctx, plan.Text(), sess.Instructions, healer.ErrorContext(history),
			func(a codegen.Artifact) { stream.Log("Generated " + a.Path) })
		if err != nil {
			p.fail(sess, stream, err)
			return
		}
		lastArts = arts

		sess.SetPhase(PhaseExecute)
		stream.Log("Booting generated stack in sandbox...")
		res, err := p.Executor.Execute(ctx, arts, stream.Log)
		if err != nil {
			p.fail(sess, stream, err)
			return
		}
		lastRes = res
		sess.setCleanup(func() { p.release(res) })

		sandboxID := ""
		if res.Handle != nil {
			sandboxID = res.Handle.ID
		}
		sess.setAttempt(attempt-1, arts, sandboxID)

		if res.Status == sandbox.StatusComplete {
			break
		}

		summary := p.Classifier.Classify(attempt, strings.TrimSpace(res.BackendLog+"\n"+res.FrontendLog), res.Detail)
		history = append(history, summary)
		p.debug("WARNING", "HEAL", "boot attempt failed", map[string]any{
			"attempt": attempt, "type": summary.Type, "status": string(res.Status),
		})

		if attempt == p.MaxAttempts {
			break
		}
		sess.SetPhase(PhaseHeal)
		stream.Log(fmt.Sprintf("%s detected. Initiating auto-heal...", summary.Type))
	}

	outcome := BuildOutcome{
		Status:     sandbox.StatusError,
		Artifacts:  lastArts,
		RetryCount: sess.Snapshot().RetryCount,
		Errors:     history,
	}
	if lastRes != nil {
		outcome.Status = lastRes.Status
		outcome.Preview = lastRes.PreviewURL
		// A process may announce its own public URL in its log. That wins
		// over the inferred sandbox host.
		if u := sandbox.ParsePreviewURL(lastRes.BackendLog + "\n" + lastRes.FrontendLog); u != "" {
			outcome.Preview = u
		}
	}
	if !strings.HasPrefix(outcome.Preview, "http") {
		// No live URL. A generated preview.html serves as a static preview
		// payload instead.
		for _, a := range lastArts {
			if strings.Contains(a.Path, "preview.html") {
				outcome.Preview = a.Content
				break
			}
		}
	}
	if outcome.Status == sandbox.StatusComplete {
		sess.SetPhase(PhaseDone)
	} else {
		sess.SetPhase(PhaseFailed)
	}

	stream.Publish(Event{Type: EventResult, Data: outcome})
	p.debug("INFO", "PIPELINE", "run finished", map[string]any{
		"session": sess.ID, "status": string(outcome.Status), "retries": outcome.RetryCount,
	})
}

// release ends a sandbox lease under its own short deadline. The session
// context may already be cancelled (client disconnect); the DELETE to the
// sandbox service must still go out.
func (p *Pipeline) release(res *sandbox.BootResult) {
	if res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	p.Executor.Release(ctx, res)
}

// fail publishes the terminal error event with the fault kind up front so
// clients can present it.
func (p *Pipeline) fail(sess *Session, stream *Stream, err error) {
	sess.SetPhase(PhaseFailed)
	kind := fault.KindOf(err)
	if kind == "" {
		stream.Fail(err.Error())
		return
	}
	stream.Fail(fmt.Sprintf("[%s] %v", kind, err))
}
