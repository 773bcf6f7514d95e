// Package flow translates inline-keyboard callbacks and chat commands
// into orchestrator actions: task and session wizards, directory
// browsing, ask_user answers and topic deletion.
package flow

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/session"
)

// Callback prefixes. The wire format is <prefix>:<key>:<value>, 7-bit
// ASCII, at most 64 bytes end to end.
const (
	PrefixTaskFlow    = "tf"
	PrefixSessionFlow = "sf"
	PrefixBrowse      = "browse"
	PrefixAnswer      = "answer"
	PrefixDelete      = "delete"
)

// MaxCallbackLen is the transport's callback data cap.
const MaxCallbackLen = 64

// Callback is one decoded button press.
type Callback struct {
	Prefix string
	Key    string
	Value  string
}

var knownPrefixes = map[string]bool{
	PrefixTaskFlow:    true,
	PrefixSessionFlow: true,
	PrefixBrowse:      true,
	PrefixAnswer:      true,
	PrefixDelete:      true,
}

// Encode builds callback data, failing instead of emitting something
// the transport would truncate.
func Encode(prefix, key, value string) (string, error) {
	data := fmt.Sprintf("%s:%s:%s", prefix, key, value)
	if len(data) > MaxCallbackLen {
		return "", errors.Errorf("callback data %q exceeds %d bytes", data, MaxCallbackLen)
	}
	for i := 0; i < len(data); i++ {
		if data[i] > 127 {
			return "", errors.Errorf("callback data %q is not 7-bit ASCII", data)
		}
	}
	return data, nil
}

// Decode parses callback data. The value segment may itself contain
// colons; only the first two separate.
func Decode(data string) (Callback, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return Callback{}, errors.Errorf("malformed callback data %q", data)
	}
	cb := Callback{Prefix: parts[0], Key: parts[1], Value: parts[2]}
	if !knownPrefixes[cb.Prefix] {
		return Callback{}, errors.Errorf("unknown callback prefix %q", cb.Prefix)
	}
	return cb, nil
}

// Engine×mode values pack both choices into one button:
// <engine-short>.<mode-short>, mode-short s for stream-json, t for TUI.
const (
	modeShortStream = "s"
	modeShortTUI    = "t"
)

// EncodeEngineMode packs an engine and session mode into a value.
func EncodeEngineMode(engine session.Engine, mode string) string {
	short := modeShortStream
	if mode == session.ModeTUI {
		short = modeShortTUI
	}
	return engine.Short + "." + short
}

// DecodeEngineMode unpacks an engine×mode value.
func DecodeEngineMode(value string) (session.Engine, string, error) {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return session.Engine{}, "", errors.Errorf("malformed engine/mode value %q", value)
	}
	engine, err := session.EngineByShort(parts[0])
	if err != nil {
		return session.Engine{}, "", err
	}
	switch parts[1] {
	case modeShortStream:
		return engine, session.ModeStreamJSON, nil
	case modeShortTUI:
		return engine, session.ModeTUI, nil
	}
	return session.Engine{}, "", errors.Errorf("unknown mode short %q", parts[1])
}
