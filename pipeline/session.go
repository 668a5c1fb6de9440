package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazarusengine/lazarus/codegen"
	"github.com/lazarusengine/lazarus/healer"
	"github.com/lazarusengine/lazarus/sandbox"
)

// Phase is where a session currently is in the resurrection flow.
type Phase string

const (
	PhaseScan     Phase = "scan"
	PhaseAnalyze  Phase = "analyze"
	PhasePlan     Phase = "plan"
	PhaseGenerate Phase = "generate"
	PhaseExecute  Phase = "execute"
	PhaseHeal     Phase = "heal"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// BuildOutcome is the terminal payload of one resurrection run. Even an
// exhausted-retries outcome carries every artifact attempted and the full
// error history.
type BuildOutcome struct {
	Status     sandbox.Status     `json:"status"`
	Preview    string             `json:"preview,omitempty"`
	Artifacts  []codegen.Artifact `json:"artifacts"`
	RetryCount int                `json:"retry_count"`
	Errors     []healer.Summary   `json:"errors"`
}

// Session is one resurrection run. Mutated only by the owning pipeline
// goroutine; other readers take a Snapshot.
type Session struct {
	ID           string
	RepoURL      string
	Instructions string
	CreatedAt    time.Time

	mu         sync.Mutex
	phase      Phase
	retryCount int
	artifacts  []codegen.Artifact
	sandboxID  string
	cleanup    func()

	stream *Stream
	cancel context.CancelFunc
}

// Stream returns the session's event stream.
func (s *Session) Stream() *Stream { return s.stream }

// SetPhase records a phase transition.
func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) setAttempt(retries int, artifacts []codegen.Artifact, sandboxID string) {
	s.mu.Lock()
	s.retryCount = retries
	s.artifacts = artifacts
	s.sandboxID = sandboxID
	s.mu.Unlock()
}

// setCleanup registers the teardown for the session's live sandbox. The
// pipeline replaces it per attempt and clears it when it releases the
// sandbox itself.
func (s *Session) setCleanup(fn func()) {
	s.mu.Lock()
	s.cleanup = fn
	s.mu.Unlock()
}

func (s *Session) takeCleanup() func() {
	s.mu.Lock()
	fn := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()
	return fn
}

// SessionView is a read-only snapshot for external observers.
type SessionView struct {
	ID         string    `json:"id"`
	RepoURL    string    `json:"repo_url"`
	Phase      Phase     `json:"phase"`
	RetryCount int       `json:"retry_count"`
	Artifacts  int       `json:"artifacts"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot returns the current state without handing out mutable internals.
func (s *Session) Snapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		ID:         s.ID,
		RepoURL:    s.RepoURL,
		Phase:      s.phase,
		RetryCount: s.retryCount,
		Artifacts:  len(s.artifacts),
		SandboxID:  s.sandboxID,
		CreatedAt:  s.CreatedAt,
	}
}

// Store is the process-wide session registry. Sessions are created when a
// pipeline starts and removed on terminal state or client disconnect;
// nothing ambient survives a run.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	buffer   int
}

// NewStore creates a session store; buffer sizes each session's event
// channel.
func NewStore(buffer int) *Store {
	return &Store{sessions: make(map[string]*Session), buffer: buffer}
}

// Create registers a new session and returns it with a derived context the
// pipeline must run under.
func (st *Store) Create(parent context.Context, repoURL, instructions string) (*Session, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:           uuid.NewString(),
		RepoURL:      repoURL,
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
		phase:        PhaseScan,
		stream:       NewStream(st.buffer),
		cancel:       cancel,
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s, ctx
}

// Get returns the session or nil.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// Remove tears the session down: cancels its context, releases its stream,
// and ends the session's live sandbox lease, if any. Idempotent.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	s := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	s.stream.Cancel()
	if fn := s.takeCleanup(); fn != nil {
		fn()
	}
}

// Len reports how many sessions are in flight.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Views snapshots every in-flight session, for the debug surface.
func (st *Store) Views() []SessionView {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	views := make([]SessionView, len(sessions))
	for i, s := range sessions {
		views[i] = s.Snapshot()
	}
	return views
}
