// Package streamjson decodes the stream-json wire format emitted by
// coding-agent CLIs: one JSON object per line, keyed by "type". The
// parser is line-buffered so chunk boundaries never split an object, and
// it exposes the dual operation of framing user text for the engine's
// stdin.
package streamjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxLineBytes guards against pathological streams: a single line longer
// than this is discarded wholesale.
const MaxLineBytes = 1024 * 1024

// ChunkKind tags the semantic variant of a parsed chunk.
type ChunkKind string

const (
	KindText         ChunkKind = "text"
	KindHookResponse ChunkKind = "hook_response"
	KindAskUser      ChunkKind = "ask_user"
	KindToolUse      ChunkKind = "tool_use"
	KindResult       ChunkKind = "result"
	KindPassthrough  ChunkKind = "passthrough"
)

// Chunk is one typed semantic unit decoded from the stream.
type Chunk struct {
	Kind ChunkKind

	// Text carries the payload for text, hook_response and passthrough.
	Text string

	// AskUser fields.
	ToolID   string
	Question string
	Options  []string

	// ToolUse fields.
	ToolName    string
	ToolSummary string

	// Result fields.
	Subtype  string
	Cost     string
	Duration string
}

// streamLine mirrors the engine event envelope. Unknown types fall
// through untouched.
type streamLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Stdout  string          `json:"stdout,omitempty"`
	Output  string          `json:"output,omitempty"`
	Message *assistantBody  `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	DurationMS   *int64   `json:"duration_ms,omitempty"`
}

type assistantBody struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type askUserInput struct {
	Questions []struct {
		Question string `json:"question"`
		Header   string `json:"header,omitempty"`
		Options  []struct {
			Label string `json:"label"`
		} `json:"options,omitempty"`
	} `json:"questions"`
}

// Parser accumulates bytes and emits chunks for every complete line.
// The trailing partial line is retained until more bytes arrive, so
// feeding a stream in arbitrary splits yields an identical chunk
// sequence (the split-determinism property).
type Parser struct {
	buf      []byte
	overflow bool
}

// NewParser returns a fresh line-buffered parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends raw bytes and returns the chunks decoded from every
// newline-terminated line now available.
func (p *Parser) Feed(data []byte) []Chunk {
	p.buf = append(p.buf, data...)

	var chunks []Chunk
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		if p.overflow || len(line) > MaxLineBytes {
			// Tail of a discarded oversized line.
			p.overflow = false
			continue
		}
		chunks = append(chunks, ParseLine(string(line))...)
	}

	if len(p.buf) > MaxLineBytes {
		p.buf = p.buf[:0]
		p.overflow = true
	}
	return chunks
}

// Close drains the trailing partial line, if any.
func (p *Parser) Close() []Chunk {
	if p.overflow || len(p.buf) == 0 {
		p.buf = nil
		p.overflow = false
		return nil
	}
	line := string(p.buf)
	p.buf = nil
	return ParseLine(line)
}

// ParseLine decodes one complete line into zero or more chunks.
func ParseLine(line string) []Chunk {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return []Chunk{{Kind: KindPassthrough, Text: line}}
	}

	var msg streamLine
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return []Chunk{{Kind: KindPassthrough, Text: line}}
	}

	switch msg.Type {
	case "hook_response":
		text := msg.Stdout
		if text == "" {
			text = msg.Output
		}
		if text == "" {
			return nil
		}
		return []Chunk{{Kind: KindHookResponse, Text: text}}

	case "assistant":
		return assistantChunks(msg)

	case "user":
		return userChunks(msg)

	case "result":
		return []Chunk{resultChunk(msg)}

	case "system", "init", "rate_limit", "rate_limit_event":
		return nil

	default:
		return nil
	}
}

func assistantChunks(msg streamLine) []Chunk {
	if msg.Message == nil {
		return nil
	}
	var chunks []Chunk
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				chunks = append(chunks, Chunk{Kind: KindText, Text: block.Text})
			}
		case "tool_use":
			if block.Name == "AskUserQuestion" {
				chunks = append(chunks, askUserChunks(block)...)
			}
			// Other tool uses are internal noise and are dropped.
		}
	}
	return chunks
}

// userChunks handles echoed user lines. Tool results riding user events
// are engine-internal and dropped; plain text survives so that framed
// input round-trips through the parser.
func userChunks(msg streamLine) []Chunk {
	if msg.Message == nil {
		return nil
	}
	var chunks []Chunk
	for _, block := range msg.Message.Content {
		if block.Type == "text" && block.Text != "" {
			chunks = append(chunks, Chunk{Kind: KindText, Text: block.Text})
		}
	}
	return chunks
}

func askUserChunks(block contentBlock) []Chunk {
	var input askUserInput
	if err := json.Unmarshal(block.Input, &input); err != nil {
		return nil
	}
	var chunks []Chunk
	for _, q := range input.Questions {
		labels := make([]string, 0, len(q.Options))
		for _, opt := range q.Options {
			if opt.Label != "" {
				labels = append(labels, opt.Label)
			}
		}
		if len(labels) < 2 {
			labels = optionsFromQuestion(q.Question)
		}
		if len(labels) < 2 {
			labels = []string{"Yes", "No"}
		}
		chunks = append(chunks, Chunk{
			Kind:     KindAskUser,
			ToolID:   block.ID,
			Question: q.Question,
			Options:  labels,
		})
	}
	return chunks
}

var (
	quotedRe = regexp.MustCompile(`["'` + "`" + `]([^"'` + "`" + `]{1,40})["'` + "`" + `]`)
	orRe     = regexp.MustCompile(`\b(\w[\w ./-]{0,30}?)\s+or\s+(\w[\w ./-]{0,30}\w)\??$`)
)

// optionsFromQuestion extracts candidate answers from free-form question
// text: quoted alternatives first, then a trailing "A or B" clause.
func optionsFromQuestion(question string) []string {
	var labels []string
	for _, m := range quotedRe.FindAllStringSubmatch(question, -1) {
		labels = append(labels, strings.TrimSpace(m[1]))
	}
	if len(labels) >= 2 {
		return labels
	}
	if m := orRe.FindStringSubmatch(strings.TrimSpace(question)); m != nil {
		return []string{strings.TrimSpace(m[1]), strings.TrimSuffix(strings.TrimSpace(m[2]), "?")}
	}
	return labels
}

func resultChunk(msg streamLine) Chunk {
	c := Chunk{Kind: KindResult, Subtype: msg.Subtype}
	if msg.TotalCostUSD != nil {
		c.Cost = fmt.Sprintf("$%.4f", *msg.TotalCostUSD)
	}
	if msg.DurationMS != nil {
		c.Duration = formatDuration(time.Duration(*msg.DurationMS) * time.Millisecond)
	}
	return c
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// WrapUserText frames user text as a stream-json input envelope suitable
// for writing to the engine's stdin. The frame is newline-terminated.
func WrapUserText(text string) []byte {
	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	}
	data, _ := json.Marshal(envelope)
	return append(data, '\n')
}
