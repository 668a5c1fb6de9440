package analyzer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/genai"
)

const validReport = `{
	"technologies": {"backend": ["PHP 5"], "frontend": ["jQuery"], "database": ["MySQL"], "auth": ["sessions"]},
	"health_score": 34,
	"summary": "aging LAMP stack",
	"drawbacks": [
		{"id": "d1", "title": "No input validation", "description": "raw SQL", "severity": "critical", "category": "security"},
		{"id": "d2", "title": "Legacy runtime", "description": "PHP 5 EOL", "severity": "high", "category": "runtime"}
	],
	"recommendations": [
		{"category": "backend", "current": "PHP 5", "recommended": "FastAPI", "reason": "supported", "priority": "high", "effort": "large"}
	]
}`

func TestParseReport_Valid(t *testing.T) {
	report, err := ParseReport("Here you go:\n```json\n" + validReport + "\n```")
	if err != nil {
		t.Fatal(err)
	}
	if report.HealthScore != 34 || len(report.Drawbacks) != 2 {
		t.Fatalf("got %+v", report)
	}
}

func TestParseReport_Malformed(t *testing.T) {
	cases := map[string]string{
		"no json":          "sorry, I cannot analyze this",
		"bad severity":     `{"health_score": 50, "drawbacks": [{"id": "x", "severity": "terrible", "category": "c"}]}`,
		"score over range": `{"health_score": 140}`,
		"missing id":       `{"health_score": 10, "drawbacks": [{"severity": "low", "category": "c"}]}`,
		"duplicate id":     `{"health_score": 10, "drawbacks": [{"id": "a", "severity": "low", "category": "c"}, {"id": "a", "severity": "low", "category": "c"}]}`,
	}
	for name, raw := range cases {
		if _, err := ParseReport(raw); fault.KindOf(err) != fault.KindAnalysis {
			t.Errorf("%s: kind %q, want analysis", name, fault.KindOf(err))
		}
	}
}

func TestAnalyze_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": validReport}}}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	ai := genai.NewClient(genai.Config{BaseURL: srv.URL, APIKey: "k"}, slog.Default())
	a := New(ai, 5, slog.Default())

	report, err := a.Analyze(context.Background(),
		[]string{"index.php", "db.php"},
		[]ScoredFile{{Path: "index.php", Content: "<?php mysql_query($_GET['q']);"}})
	if err != nil {
		t.Fatal(err)
	}
	if report.HealthScore < 0 || report.HealthScore > 100 {
		t.Fatalf("score out of range: %d", report.HealthScore)
	}
}

func TestSelectRepresentative_ManifestsFirst(t *testing.T) {
	files := []ScoredFile{
		{Path: "static/styles.css"},
		{Path: "src/deep/helper.py"},
		{Path: "requirements.txt"},
		{Path: "main.py"},
	}
	got := SelectRepresentative(files, 2)
	if len(got) != 2 || got[0].Path != "requirements.txt" || got[1].Path != "main.py" {
		t.Fatalf("got %+v", got)
	}
}

func TestSummaryForPlan_FiltersSelected(t *testing.T) {
	report, err := ParseReport(validReport)
	if err != nil {
		t.Fatal(err)
	}
	out := SummaryForPlan(report, []string{"d2"})
	if !strings.Contains(out, "Legacy runtime") || strings.Contains(out, "No input validation") {
		t.Fatalf("got %q", out)
	}
}
