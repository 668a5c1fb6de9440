// Package codegen turns a streamed multi-file payload from the Coder
// capability into discrete artifacts. The parser is a re-entrant state
// machine: chunk boundaries may fall mid-header or mid-body and parsing
// still yields exactly the files the stream contains.
package codegen

import (
	"path"
	"regexp"
	"strings"

	"github.com/lazarusengine/lazarus/core/fault"
)

// Artifact is one generated file. Artifacts are immutable once emitted; a
// new generation attempt replaces the whole set.
type Artifact struct {
	Path      string `json:"filename"`
	Content   string `json:"content"`
	Generated bool   `json:"generated"`
}

const (
	headerOpen  = `<file path="`
	headerClose = `">`
	bodyClose   = `</file>`
)

type parseState int

const (
	awaitingFileHeader parseState = iota
	accumulatingBody
)

var (
	fenceOpenRe  = regexp.MustCompile("^```[a-zA-Z0-9_-]*\n")
	fenceCloseRe = regexp.MustCompile("\n```\\s*$")
)

// Parser consumes generation output chunk by chunk and emits an Artifact for
// each file whose terminating marker has been observed.
type Parser struct {
	state   parseState
	pending string
	path    string
	body    strings.Builder
	seen    map[string]bool
}

// NewParser returns a parser in the awaiting-header state.
func NewParser() *Parser {
	return &Parser{seen: make(map[string]bool)}
}

// Feed consumes the next chunk and returns any files completed by it.
// Duplicate paths within one stream are dropped, first occurrence wins.
func (p *Parser) Feed(chunk string) ([]Artifact, error) {
	p.pending += chunk

	var out []Artifact
	for {
		switch p.state {
		case awaitingFileHeader:
			idx := strings.Index(p.pending, headerOpen)
			if idx < 0 {
				// Drop prose between files, keep a tail in case the
				// header marker is split across chunks.
				if keep := len(headerOpen) - 1; len(p.pending) > keep {
					p.pending = p.pending[len(p.pending)-keep:]
				}
				return out, nil
			}
			rest := p.pending[idx+len(headerOpen):]
			end := strings.Index(rest, headerClose)
			if end < 0 {
				// Header started but its closing quote has not arrived.
				p.pending = p.pending[idx:]
				return out, nil
			}

			clean, err := SanitizePath(strings.TrimSpace(rest[:end]))
			if err != nil {
				return out, err
			}
			p.path = clean
			p.body.Reset()
			p.pending = rest[end+len(headerClose):]
			p.state = accumulatingBody

		case accumulatingBody:
			idx := strings.Index(p.pending, bodyClose)
			if idx < 0 {
				// Everything but a possible partial close marker is body.
				keep := len(bodyClose) - 1
				if len(p.pending) > keep {
					p.body.WriteString(p.pending[:len(p.pending)-keep])
					p.pending = p.pending[len(p.pending)-keep:]
				}
				return out, nil
			}
			p.body.WriteString(p.pending[:idx])
			p.pending = p.pending[idx+len(bodyClose):]
			p.state = awaitingFileHeader

			if !p.seen[p.path] {
				p.seen[p.path] = true
				out = append(out, Artifact{
					Path:      p.path,
					Content:   cleanContent(p.body.String()),
					Generated: true,
				})
			}
		}
	}
}

// Finish reports whether the stream ended cleanly. A stream that stops
// mid-body is truncated output; the partial file is never emitted.
func (p *Parser) Finish() error {
	if p.state == accumulatingBody {
		return fault.New(fault.KindGeneration, "generation stream truncated mid-file: %s", p.path)
	}
	return nil
}

// Count returns how many files have been emitted so far.
func (p *Parser) Count() int { return len(p.seen) }

// cleanContent strips the markdown code fences models sometimes wrap file
// bodies in.
func cleanContent(raw string) string {
	c := strings.TrimSpace(raw)
	c = fenceOpenRe.ReplaceAllString(c, "")
	c = fenceCloseRe.ReplaceAllString(c, "")
	return c
}

var shellHostile = strings.NewReplacer(
	"(", "", ")", "", "[", "", "]", "", "{", "", "}", "",
	"@", "", "#", "", "$", "", "&", "", "*", "", "?", "",
	"!", "", "|", "", ";", "", "<", "", ">", "", "`", "",
	"'", "", `"`, "", " ", "_",
)

// SanitizePath normalizes a generated file path: forward slashes, no
// shell-hostile characters, no escaping the target root.
func SanitizePath(p string) (string, error) {
	if p == "" {
		return "", fault.New(fault.KindGeneration, "empty file path in generation output")
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = shellHostile.Replace(p)
	p = strings.TrimLeft(p, "/")
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fault.New(fault.KindGeneration, "file path escapes target root: %s", p)
	}
	return p, nil
}
