package codegen

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/genai"
)

// Generator drives the Coder capability and parses its stream into
// artifacts. One instance is shared; each call owns its own parser.
type Generator struct {
	ai     *genai.Client
	logger *slog.Logger
}

// NewGenerator creates a code generator backed by the given client.
func NewGenerator(ai *genai.Client, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{ai: ai, logger: logger}
}

// Generate streams a full artifact set for the plan. errorContext is empty
// on the first attempt and carries the prior attempt's failure summary on
// healing attempts. onFile, when non-nil, is called once per completed file
// so callers can surface progress.
func (g *Generator) Generate(ctx context.Context, planText, instructions, errorContext string, onFile func(Artifact)) ([]Artifact, error) {
	prompt := buildCoderPrompt(planText, instructions, errorContext)

	stream, err := g.ai.GenerateStream(ctx, g.ai.CoderModel(), prompt)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	parser := NewParser()
	var artifacts []Artifact
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		done, err := parser.Feed(chunk)
		if err != nil {
			return nil, err
		}
		for _, a := range done {
			artifacts = append(artifacts, a)
			g.logger.Info("artifact generated", "path", a.Path, "bytes", len(a.Content))
			if onFile != nil {
				onFile(a)
			}
		}
	}

	if err := parser.Finish(); err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fault.New(fault.KindGeneration, "generation produced no files")
	}
	return artifacts, nil
}

func buildCoderPrompt(planText, instructions, errorContext string) string {
	var sb strings.Builder
	sb.WriteString("You are a senior full-stack engineer modernizing a legacy application.\n")
	sb.WriteString("Implement the complete modernized codebase for the plan below.\n\n")
	sb.WriteString("OUTPUT FORMAT, strictly:\n")
	sb.WriteString("Emit every file as <file path=\"relative/path\">full file content</file>.\n")
	sb.WriteString("No prose between files. No markdown fences inside file bodies.\n")
	sb.WriteString("The backend must listen on port 8000 and the frontend, if any, on port 3000.\n\n")

	fmt.Fprintf(&sb, "PLAN:\n%s\n", planText)
	if instructions != "" {
		fmt.Fprintf(&sb, "\nUSER INSTRUCTIONS:\n%s\n", instructions)
	}
	if errorContext != "" {
		sb.WriteString("\nThe previous attempt failed to boot. Regenerate the FULL file set fixing this:\n")
		sb.WriteString(errorContext)
		sb.WriteString("\n")
	}
	return sb.String()
}
