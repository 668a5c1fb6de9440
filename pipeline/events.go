package pipeline

import "sync"

// Event is one line of the session's streamed projection. Exactly one field
// besides Type is populated, matching the wire shape the client decodes.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// Event types on the wire.
const (
	EventLog       = "log"        // human-readable progress line
	EventFiles     = "files"      // scan complete, full path list in Data
	EventAnalysis  = "analysis"   // analysis complete, StackReport in Data
	EventResult    = "result"     // terminal, BuildOutcome in Data
	EventRepoFiles = "repo_files" // path list re-announced during a build
	EventError     = "error"      // terminal failure
)

// Stream carries one session's events to its single subscriber in emission
// order. The buffer bounds how far the pipeline can run ahead of a slow
// consumer; a terminal event closes the stream, and nothing is delivered
// after it.
type Stream struct {
	ch   chan Event
	done chan struct{}

	mu         sync.Mutex
	terminated bool
	cancelOnce sync.Once
}

// NewStream creates a stream with the given buffer capacity.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 256
	}
	return &Stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events is the subscriber side. The channel closes after the terminal
// event or a Cancel.
func (s *Stream) Events() <-chan Event { return s.ch }

// Publish delivers one event. It blocks only when the buffer is full, and
// gives up when the subscriber is gone. Events published after the terminal
// one are dropped. Returns whether the event was accepted.
//
// Only the owning pipeline goroutine publishes; that is what makes closing
// the channel on the terminal event safe.
func (s *Stream) Publish(e Event) bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	terminal := e.Type == EventResult || e.Type == EventError
	if terminal {
		s.terminated = true
	}
	s.mu.Unlock()

	select {
	case s.ch <- e:
		if terminal {
			close(s.ch)
		}
		return true
	case <-s.done:
		return false
	}
}

// Log publishes a progress line.
func (s *Stream) Log(content string) { s.Publish(Event{Type: EventLog, Content: content}) }

// Fail publishes the terminal error event.
func (s *Stream) Fail(msg string) { s.Publish(Event{Type: EventError, Content: msg}) }

// Close ends a stream that finishes without a terminal event, like the
// analysis-only flow. Owning goroutine only, same as Publish.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	close(s.ch)
}

// Cancel marks the subscriber gone. Pending and future publishes no longer
// block. The event channel is left open; the subscriber that cancelled has
// stopped reading it.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		s.mu.Unlock()
		close(s.done)
	})
}
