package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lazarusengine/lazarus/analyzer"
	"github.com/lazarusengine/lazarus/codegen"
	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/planner"
	"github.com/lazarusengine/lazarus/sandbox"
)

type fakeScanner struct {
	paths    []string
	contents map[string]string
	err      error
}

func (f *fakeScanner) ScanTree(ctx context.Context, repoURL string) ([]string, error) {
	return f.paths, f.err
}

func (f *fakeScanner) FileContent(ctx context.Context, repoURL, path string) (string, error) {
	if c, ok := f.contents[path]; ok {
		return c, nil
	}
	return "", fault.New(fault.KindScan, "no such file")
}

type fakeAnalyzer struct {
	report *analyzer.StackReport
	err    error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, paths []string, files []analyzer.ScoredFile) (*analyzer.StackReport, error) {
	return f.report, f.err
}

type fakePlanner struct{ err error }

func (f *fakePlanner) Plan(ctx context.Context, report *analyzer.StackReport, sel planner.Selections, repoFiles []string) (*planner.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &planner.Plan{TargetStack: "FastAPI + React", Files: []string{"backend/main.py"}}, nil
}

type fakeGenerator struct {
	calls   int
	errCtxs []string
	arts    []codegen.Artifact
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, planText, instructions, errorContext string, onFile func(codegen.Artifact)) ([]codegen.Artifact, error) {
	f.calls++
	f.errCtxs = append(f.errCtxs, errorContext)
	if f.err != nil {
		return nil, f.err
	}
	if f.arts != nil {
		return f.arts, nil
	}
	a := codegen.Artifact{Path: fmt.Sprintf("backend/main_v%d.py", f.calls), Content: "import fastapi", Generated: true}
	if onFile != nil {
		onFile(a)
	}
	return []codegen.Artifact{a}, nil
}

type fakeBooter struct {
	results       []*sandbox.BootResult
	calls         int
	releases      int
	releaseCtxErr error
}

func (f *fakeBooter) Execute(ctx context.Context, artifacts []codegen.Artifact, logf func(string)) (*sandbox.BootResult, error) {
	res := f.results[f.calls]
	f.calls++
	return res, nil
}

func (f *fakeBooter) Release(ctx context.Context, r *sandbox.BootResult) {
	f.releases++
	f.releaseCtxErr = ctx.Err()
}

func testReport(t *testing.T) *analyzer.StackReport {
	t.Helper()
	report, err := analyzer.ParseReport(`{
		"health_score": 42,
		"drawbacks": [{"id": "d1", "title": "t", "description": "d", "severity": "high", "category": "runtime"}]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	return report
}

func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	for e := range s.Events() {
		events = append(events, e)
	}
	return events
}

func newTestPipeline(booter *fakeBooter, gen *fakeGenerator, report *analyzer.StackReport) (*Pipeline, *Store) {
	store := NewStore(256)
	p := New(Pipeline{
		Scanner:   &fakeScanner{paths: manyPaths(3), contents: map[string]string{}},
		Analyzer:  &fakeAnalyzer{report: report},
		Planner:   &fakePlanner{},
		Generator: gen,
		Executor:  booter,
		Sessions:  store,
	})
	return p, store
}

func manyPaths(n int) []string {
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("src/file%02d.php", i)
	}
	return paths
}

func TestRunAnalysis_ScenarioA(t *testing.T) {
	store := NewStore(256)
	p := New(Pipeline{
		Scanner:  &fakeScanner{paths: manyPaths(50)},
		Analyzer: &fakeAnalyzer{report: testReport(t)},
		Sessions: store,
	})
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunAnalysis(ctx, sess)
	events := drain(t, sess.Stream())

	var filesAt, analysisAt = -1, -1
	for i, e := range events {
		switch e.Type {
		case EventFiles:
			filesAt = i
			if paths, ok := e.Data.([]string); !ok || len(paths) != 50 {
				t.Fatalf("files event data: %+v", e.Data)
			}
		case EventAnalysis:
			analysisAt = i
			report := e.Data.(*analyzer.StackReport)
			if report.HealthScore < 0 || report.HealthScore > 100 {
				t.Fatalf("health score out of range: %d", report.HealthScore)
			}
		case EventError:
			t.Fatalf("unexpected error event: %s", e.Content)
		}
	}
	if filesAt < 0 || analysisAt < 0 || filesAt > analysisAt {
		t.Fatalf("event order wrong: files=%d analysis=%d", filesAt, analysisAt)
	}
}

func TestRunResurrection_ScenarioB_EmptySelections(t *testing.T) {
	booter := &fakeBooter{}
	p, store := newTestPipeline(booter, &fakeGenerator{}, testReport(t))
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{RepoURL: sess.RepoURL})
	events := drain(t, sess.Stream())

	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if booter.calls != 0 {
		t.Fatal("pipeline ran despite empty selections")
	}
}

func TestRunResurrection_ScenarioD_OneHealCycle(t *testing.T) {
	booter := &fakeBooter{results: []*sandbox.BootResult{
		{Status: sandbox.StatusError, BackendLog: `TypeError: 'NoneType' object is not callable`, Handle: &sandbox.Handle{ID: "sb_a"}},
		{Status: sandbox.StatusComplete, PreviewURL: "https://p.example", Handle: &sandbox.Handle{ID: "sb_b"}},
	}}
	gen := &fakeGenerator{}
	p, store := newTestPipeline(booter, gen, testReport(t))
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{
		RepoURL:    sess.RepoURL,
		Report:     testReport(t),
		Selections: planner.Selections{DrawbackIDs: []string{"d1"}},
	})
	events := drain(t, sess.Stream())

	last := events[len(events)-1]
	if last.Type != EventResult {
		t.Fatalf("terminal event: %+v", last)
	}
	outcome := last.Data.(BuildOutcome)
	if outcome.Status != sandbox.StatusComplete {
		t.Fatalf("status: %q", outcome.Status)
	}
	if outcome.RetryCount != 1 {
		t.Fatalf("retry_count: %d, want 1", outcome.RetryCount)
	}
	if outcome.Preview != "https://p.example" {
		t.Fatalf("preview: %q", outcome.Preview)
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0].Attempt != 1 {
		t.Fatalf("error history: %+v", outcome.Errors)
	}
	if gen.calls != 2 {
		t.Fatalf("generation calls: %d", gen.calls)
	}
	// Second generation prompt carries the classified failure.
	if !strings.Contains(gen.errCtxs[1], "PYTHON_TYPE_ERROR") {
		t.Fatalf("heal context: %q", gen.errCtxs[1])
	}
	// The failed attempt's sandbox was discarded.
	if booter.releases == 0 {
		t.Fatal("previous sandbox never released")
	}
}

func TestRunResurrection_RetriesCapped(t *testing.T) {
	fail := func() *sandbox.BootResult {
		return &sandbox.BootResult{Status: sandbox.StatusError, BackendLog: "ModuleNotFoundError: no module named x"}
	}
	booter := &fakeBooter{results: []*sandbox.BootResult{fail(), fail(), fail(), fail()}}
	gen := &fakeGenerator{}
	p, store := newTestPipeline(booter, gen, testReport(t))
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{
		RepoURL:    sess.RepoURL,
		Report:     testReport(t),
		Selections: planner.Selections{Instructions: "modernize"},
	})
	events := drain(t, sess.Stream())

	outcome := events[len(events)-1].Data.(BuildOutcome)
	if outcome.Status != sandbox.StatusError {
		t.Fatalf("status: %q", outcome.Status)
	}
	if gen.calls != 3 {
		t.Fatalf("generation attempts: %d, want 3", gen.calls)
	}
	if outcome.RetryCount > 2 {
		t.Fatalf("retry_count %d exceeds cap", outcome.RetryCount)
	}
	if len(outcome.Errors) != 3 {
		t.Fatalf("error history: %d entries", len(outcome.Errors))
	}
	if len(outcome.Artifacts) == 0 {
		t.Fatal("exhausted outcome dropped its artifacts")
	}
}

func TestRunResurrection_LoggedPreviewURLWins(t *testing.T) {
	booter := &fakeBooter{results: []*sandbox.BootResult{{
		Status:     sandbox.StatusComplete,
		PreviewURL: "https://p8000.sb.example",
		BackendLog: "Serving.\n[PREVIEW_URL] https://announced.example\n",
		Handle:     &sandbox.Handle{ID: "sb_a"},
	}}}
	p, store := newTestPipeline(booter, &fakeGenerator{}, testReport(t))
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{
		RepoURL:    sess.RepoURL,
		Report:     testReport(t),
		Selections: planner.Selections{DrawbackIDs: []string{"d1"}},
	})
	events := drain(t, sess.Stream())

	outcome := events[len(events)-1].Data.(BuildOutcome)
	if outcome.Preview != "https://announced.example" {
		t.Fatalf("preview: %q", outcome.Preview)
	}
}

func TestRunResurrection_StaticPreviewFallback(t *testing.T) {
	fail := func() *sandbox.BootResult {
		return &sandbox.BootResult{Status: sandbox.StatusError, BackendLog: "Traceback (most recent call last):"}
	}
	booter := &fakeBooter{results: []*sandbox.BootResult{fail(), fail(), fail()}}
	gen := &fakeGenerator{arts: []codegen.Artifact{
		{Path: "backend/main.py", Content: "import fastapi", Generated: true},
		{Path: "preview.html", Content: "<html>static preview</html>", Generated: true},
	}}
	p, store := newTestPipeline(booter, gen, testReport(t))
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{
		RepoURL:    sess.RepoURL,
		Report:     testReport(t),
		Selections: planner.Selections{Instructions: "modernize"},
	})
	events := drain(t, sess.Stream())

	outcome := events[len(events)-1].Data.(BuildOutcome)
	if outcome.Status != sandbox.StatusError {
		t.Fatalf("status: %q", outcome.Status)
	}
	if outcome.Preview != "<html>static preview</html>" {
		t.Fatalf("preview: %q", outcome.Preview)
	}
}

func TestRunResurrection_PlanningErrorAborts(t *testing.T) {
	booter := &fakeBooter{}
	p, store := newTestPipeline(booter, &fakeGenerator{}, testReport(t))
	p.Planner = &fakePlanner{err: fault.New(fault.KindPlanning, "model refused")}
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{
		RepoURL:    sess.RepoURL,
		Report:     testReport(t),
		Selections: planner.Selections{Instructions: "modernize"},
	})
	events := drain(t, sess.Stream())

	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Content, "planning") {
		t.Fatalf("terminal event: %+v", last)
	}
	if booter.calls != 0 {
		t.Fatal("execution ran after planning failure")
	}
}

func TestStream_NoEventsAfterTerminal(t *testing.T) {
	s := NewStream(8)
	s.Log("one")
	s.Fail("boom")
	if s.Publish(Event{Type: EventLog, Content: "late"}) {
		t.Fatal("publish accepted after terminal event")
	}

	var events []Event
	for e := range s.Events() {
		events = append(events, e)
	}
	if len(events) != 2 || events[1].Type != EventError {
		t.Fatalf("got %+v", events)
	}
}

func TestStream_CancelUnblocksPublisher(t *testing.T) {
	s := NewStream(1)
	s.Log("fills the buffer")

	done := make(chan bool)
	go func() {
		done <- s.Publish(Event{Type: EventLog, Content: "blocked"})
	}()
	s.Cancel()
	if accepted := <-done; accepted {
		t.Fatal("publish succeeded after cancel")
	}
}

func TestStore_RemoveReleasesLiveSandbox(t *testing.T) {
	booter := &fakeBooter{results: []*sandbox.BootResult{
		{Status: sandbox.StatusComplete, PreviewURL: "https://p.example", Handle: &sandbox.Handle{ID: "sb_live"}},
	}}
	p, store := newTestPipeline(booter, &fakeGenerator{}, testReport(t))
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "")

	go p.RunResurrection(ctx, sess, ResurrectRequest{
		RepoURL:    sess.RepoURL,
		Report:     testReport(t),
		Selections: planner.Selections{DrawbackIDs: []string{"d1"}},
	})
	drain(t, sess.Stream())

	// The successful sandbox stays leased while the session lives.
	if booter.releases != 0 {
		t.Fatalf("sandbox released before session end: %d", booter.releases)
	}
	store.Remove(sess.ID)
	if booter.releases != 1 {
		t.Fatalf("releases after removal: %d, want 1", booter.releases)
	}
	// The session context is cancelled on removal; the lease teardown must
	// not run under it.
	if booter.releaseCtxErr != nil {
		t.Fatalf("release ran under a dead context: %v", booter.releaseCtxErr)
	}
	store.Remove(sess.ID)
	if booter.releases != 1 {
		t.Fatal("removal released the sandbox twice")
	}
}

func TestStore_Lifecycle(t *testing.T) {
	store := NewStore(8)
	sess, ctx := store.Create(context.Background(), "https://github.com/octo/shop", "go fast")

	if store.Get(sess.ID) != sess || store.Len() != 1 {
		t.Fatal("session not registered")
	}
	view := sess.Snapshot()
	if view.Phase != PhaseScan || view.RepoURL != sess.RepoURL {
		t.Fatalf("snapshot: %+v", view)
	}

	store.Remove(sess.ID)
	if store.Get(sess.ID) != nil || store.Len() != 0 {
		t.Fatal("session not removed")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("removal did not cancel the session context")
	}
	store.Remove(sess.ID) // idempotent
}
