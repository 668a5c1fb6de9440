package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindScan, "repository %s not found", "a/b")
	if KindOf(err) != KindScan {
		t.Fatalf("kind: got %q", KindOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindScan {
		t.Fatalf("kind through wrap: got %q", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain error should have no kind")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(KindBuild, nil, "x") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	cause := errors.New("exit status 1")
	err := Wrap(KindBuild, cause, "backend crashed")
	if !errors.Is(err, cause) {
		t.Fatal("cause not unwrappable")
	}
	if KindOf(err) != KindBuild {
		t.Fatalf("kind: got %q", KindOf(err))
	}
}

func TestIs_MatchesByKind(t *testing.T) {
	a := New(KindRateLimited, "throttled")
	b := New(KindRateLimited, "different message")
	if !errors.Is(a, b) {
		t.Fatal("faults of same kind should match")
	}
	c := New(KindScan, "nope")
	if errors.Is(a, c) {
		t.Fatal("different kinds should not match")
	}
}
