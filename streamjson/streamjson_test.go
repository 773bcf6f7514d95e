package streamjson

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineAssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`
	chunks := ParseLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, KindText, chunks[0].Kind)
	assert.Equal(t, "done", chunks[0].Text)
}

func TestParseLineAssistantMultipleBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"first"},` +
		`{"type":"tool_use","name":"Bash","id":"t1","input":{"command":"ls"}},` +
		`{"type":"text","text":"second"}]}}`
	chunks := ParseLine(line)
	// Regular tool uses are internal noise.
	require.Len(t, chunks, 2)
	assert.Equal(t, "first", chunks[0].Text)
	assert.Equal(t, "second", chunks[1].Text)
}

func TestParseLineAskUserWithOptions(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","id":"toolu_01",` +
		`"input":{"questions":[{"question":"Deploy now?","options":[{"label":"Deploy"},{"label":"Wait"},{"label":"Abort"}]}]}}]}}`
	chunks := ParseLine(line)
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, KindAskUser, c.Kind)
	assert.Equal(t, "toolu_01", c.ToolID)
	assert.Equal(t, "Deploy now?", c.Question)
	assert.Equal(t, []string{"Deploy", "Wait", "Abort"}, c.Options)
}

func TestParseLineAskUserHeuristicOptions(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","id":"toolu_02",` +
		`"input":{"questions":[{"question":"Should I use 'postgres' or 'sqlite'?"}]}}]}}`
	chunks := ParseLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"postgres", "sqlite"}, chunks[0].Options)
}

func TestParseLineAskUserDefaultsYesNo(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","id":"toolu_03",` +
		`"input":{"questions":[{"question":"Proceed with the migration?"}]}}]}}`
	chunks := ParseLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"Yes", "No"}, chunks[0].Options)
}

func TestParseLineAskUserMultipleQuestions(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","id":"toolu_04",` +
		`"input":{"questions":[` +
		`{"question":"Q1?","options":[{"label":"A"},{"label":"B"}]},` +
		`{"question":"Q2?","options":[{"label":"C"},{"label":"D"}]}]}}]}}`
	chunks := ParseLine(line)
	require.Len(t, chunks, 2)
	assert.Equal(t, "toolu_04", chunks[0].ToolID)
	assert.Equal(t, "toolu_04", chunks[1].ToolID)
}

func TestParseLineResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","total_cost_usd":0.01,"duration_ms":1234}`
	chunks := ParseLine(line)
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, KindResult, c.Kind)
	assert.Equal(t, "success", c.Subtype)
	assert.Equal(t, "$0.0100", c.Cost)
	assert.Equal(t, "1.2s", c.Duration)
}

func TestParseLineHookResponse(t *testing.T) {
	chunks := ParseLine(`{"type":"hook_response","stdout":"hook says hi"}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, KindHookResponse, chunks[0].Kind)
	assert.Equal(t, "hook says hi", chunks[0].Text)
}

func TestParseLineDroppedTypes(t *testing.T) {
	for _, line := range []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"init"}`,
		`{"type":"rate_limit"}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"x"}]}}`,
	} {
		assert.Empty(t, ParseLine(line), "line should yield no chunks: %s", line)
	}
}

func TestParseLinePassthrough(t *testing.T) {
	chunks := ParseLine("npm WARN deprecated package")
	require.Len(t, chunks, 1)
	assert.Equal(t, KindPassthrough, chunks[0].Kind)
	assert.Equal(t, "npm WARN deprecated package", chunks[0].Text)

	// Malformed JSON is passed through rather than lost.
	chunks = ParseLine(`{"type":"assistant","message":`)
	require.Len(t, chunks, 1)
	assert.Equal(t, KindPassthrough, chunks[0].Kind)
}

func TestParserSplitDeterminism(t *testing.T) {
	stream := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}` + "\n" +
		`not json at all` + "\n" +
		`{"type":"result","subtype":"success","total_cost_usd":0.02,"duration_ms":500}` + "\n"

	whole := NewParser()
	want := whole.Feed([]byte(stream))
	want = append(want, whole.Close()...)

	// Every possible two-way split must yield the identical sequence.
	for i := 0; i <= len(stream); i++ {
		p := NewParser()
		got := p.Feed([]byte(stream[:i]))
		got = append(got, p.Feed([]byte(stream[i:]))...)
		got = append(got, p.Close()...)
		require.Equal(t, want, got, "split at %d diverged", i)
	}

	// Byte-at-a-time.
	p := NewParser()
	var got []Chunk
	for i := 0; i < len(stream); i++ {
		got = append(got, p.Feed([]byte{stream[i]})...)
	}
	got = append(got, p.Close()...)
	assert.Equal(t, want, got)
}

func TestParserKeepsPartialTail(t *testing.T) {
	p := NewParser()
	chunks := p.Feed([]byte(`{"type":"assistant","message":{"content":[{"ty`))
	assert.Empty(t, chunks)
	chunks = p.Feed([]byte(`pe":"text","text":"split"}]}}` + "\n"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "split", chunks[0].Text)
}

func TestParserOversizedLineDropped(t *testing.T) {
	p := NewParser()
	huge := strings.Repeat("x", MaxLineBytes+10)
	assert.Empty(t, p.Feed([]byte(huge)))
	assert.Empty(t, p.Feed([]byte("tail of huge line\n")))

	// Parser recovers on the next line.
	chunks := p.Feed([]byte("plain line\n"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "plain line", chunks[0].Text)
}

func TestWrapUserTextRoundTrip(t *testing.T) {
	for _, text := range []string{"No", "edit src/a.go", `quotes " and \ slashes`, "multi\nline"} {
		frame := WrapUserText(text)
		require.True(t, strings.HasSuffix(string(frame), "\n"))
		chunks := ParseLine(strings.TrimSuffix(string(frame), "\n"))
		require.Len(t, chunks, 1)
		assert.Equal(t, KindText, chunks[0].Kind)
		assert.Equal(t, text, chunks[0].Text)
	}
}

func TestWrapUserTextEnvelopeShape(t *testing.T) {
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(WrapUserText("No"), &envelope))
	assert.Equal(t, "user", envelope["type"])
	msg := envelope["message"].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	content := msg["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "No", block["text"])
}
