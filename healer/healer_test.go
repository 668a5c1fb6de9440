package healer

import (
	"strings"
	"testing"
)

func TestClassify_PythonImportError(t *testing.T) {
	logs := `Starting server...
Traceback (most recent call last):
  File "backend/main.py", line 3, in <module>
    import fastapy
ModuleNotFoundError: No module named 'fastapy'`

	s := NewClassifier(nil).Classify(1, logs, "")
	if s.Type != "PYTHON_CRASH" && s.Type != "PYTHON_IMPORT_ERROR" {
		t.Fatalf("type: %q", s.Type)
	}
	if s.File != "backend/main.py" {
		t.Fatalf("file: %q", s.File)
	}
	if s.Attempt != 1 {
		t.Fatalf("attempt: %d", s.Attempt)
	}
	if !strings.Contains(s.Message, "fastapy") {
		t.Fatalf("message lost the error context: %q", s.Message)
	}
}

func TestClassify_RuleOrderWins(t *testing.T) {
	// Node module failure matches before the generic python rules.
	s := NewClassifier(nil).Classify(2, "Error: Cannot find module 'express'", "")
	if s.Type != "NODE_MODULE_NOT_FOUND" {
		t.Fatalf("type: %q", s.Type)
	}
}

func TestClassify_PortBind(t *testing.T) {
	s := NewClassifier(nil).Classify(1, "Error: listen EADDRINUSE: address already in use :::8000", "")
	if s.Type != "PORT_IN_USE" {
		t.Fatalf("type: %q", s.Type)
	}
}

func TestClassify_UnknownFallsBackToBuildError(t *testing.T) {
	s := NewClassifier(nil).Classify(1, "segmentation fault (core dumped)", "")
	if s.Type != GenericBuildError {
		t.Fatalf("type: %q", s.Type)
	}
	if s.Message == "" {
		t.Fatal("fallback summary has empty message")
	}
}

func TestClassify_EmptyLogsStillSummarized(t *testing.T) {
	s := NewClassifier(nil).Classify(1, "", "")
	if s.Type != GenericBuildError || s.Message == "" {
		t.Fatalf("got %+v", s)
	}
}

func TestClassify_DetailPrepended(t *testing.T) {
	s := NewClassifier(nil).Classify(1, "", "pip install failed: npm ERR! nope")
	if s.Type != "NPM_ERROR" {
		t.Fatalf("type: %q", s.Type)
	}
}

func TestErrorContext(t *testing.T) {
	history := []Summary{
		{Attempt: 1, Type: "PYTHON_IMPORT_ERROR", Message: "no module", File: "main.py"},
		{Attempt: 2, Type: GenericBuildError, Message: strings.Repeat("x", 2000)},
	}
	out := ErrorContext(history)
	if !strings.Contains(out, "attempt 1") || !strings.Contains(out, "attempt 2") {
		t.Fatalf("attempts not distinguishable:\n%s", out)
	}
	if !strings.Contains(out, "file main.py") {
		t.Fatal("offending file missing")
	}
	if strings.Contains(out, strings.Repeat("x", 1001)) {
		t.Fatal("message not truncated")
	}
	if ErrorContext(nil) != "" {
		t.Fatal("empty history should render nothing")
	}
}
