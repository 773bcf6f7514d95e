// Package session supervises one coding-agent CLI run on a remote
// machine: spawn, stream parse, chat streaming, interactive questions,
// engine fallback, multi-turn resume and timeout.
package session

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/shell"
)

// Engine is one coding-agent CLI family.
type Engine struct {
	Name    string // claude, codex, gemini
	Short   string // callback wire short form
	Command string // installed CLI name on the workers
}

var (
	Claude = Engine{Name: "claude", Short: "i", Command: "itachi"}
	Codex  = Engine{Name: "codex", Short: "c", Command: "itachic"}
	Gemini = Engine{Name: "gemini", Short: "g", Command: "itachig"}
)

var Engines = []Engine{Claude, Codex, Gemini}

var ErrUnknownEngine = errors.New("unknown engine")

func EngineByName(name string) (Engine, error) {
	for _, e := range Engines {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return Engine{}, errors.Wrapf(ErrUnknownEngine, "%q", name)
}

func EngineByShort(short string) (Engine, error) {
	for _, e := range Engines {
		if e.Short == short {
			return e, nil
		}
	}
	return Engine{}, errors.Wrapf(ErrUnknownEngine, "short %q", short)
}

// StreamCommand is the structured NDJSON invocation; stdin stays open
// for multi-turn input frames.
func (e Engine) StreamCommand() string {
	return e.Command + " --ds -p --verbose --output-format stream-json --input-format stream-json"
}

// TUICommand is the plain invocation, run under a PTY and scrubbed.
func (e Engine) TUICommand() string {
	return e.Command
}

// SupportsContinue reports native multi-turn resume in the same
// worktree. Engines without it get the prompt-replay fallback.
func (e Engine) SupportsContinue() bool {
	return e.Name == Claude.Name
}

// retriableMarkers are substrings of combined stdout+stderr that mean
// the failure belongs to the engine's account, not the task, so the
// next engine in the priority list should be tried.
var retriableMarkers = []string{
	"oauth token has expired",
	"authentication_error",
	"rate_limit",
	"429",
	"billing",
	"insufficient_quota",
	"quota exceeded",
	"invalid api key",
	"unauthorized",
	"overloaded",
}

// IsRetriable classifies a nonzero exit by its output.
func IsRetriable(output string, exitCode int) bool {
	if exitCode == 0 {
		return false
	}
	lower := strings.ToLower(output)
	for _, marker := range retriableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ProbeAuth checks that the engine CLI exists on the target. A missing
// binary disqualifies the engine before any spawn.
func ProbeAuth(ctx context.Context, gateway shell.RemoteShell, targetID string, engine Engine) error {
	res, err := gateway.Exec(ctx, targetID, engine.Command+" --version", shell.ExecOptions{})
	if err != nil {
		return errors.Wrapf(err, "probe %s on %s", engine.Name, targetID)
	}
	if !res.Success {
		return errors.Errorf("engine %s not available on %s: %s", engine.Name, targetID, strings.TrimSpace(res.Stderr))
	}
	return nil
}
