// Package wire parses the SockJS text-frame envelope used by Shiny
// deployments and classifies server messages as ignorable or meaningful.
package wire

import (
	"encoding/json"
	"regexp"
)

var (
	// Reconnect-enabled servers prefix the payload with a hex message id
	// terminated by '#'. The terminator is part of the match so the plain
	// form a["0|m|... is left untouched.
	msgIDPattern = regexp.MustCompile(`^a\["[0-9A-F]+#`)

	// Shiny inner message inside a SockJS data frame: a["(*#)?0|m|<json-string>"]
	innerPattern = regexp.MustCompile(`(?s)^a\["(\*#)?0\|m\|(.*)"\]$`)

	ackPattern     = regexp.MustCompile(`^a\["ACK`)
	bareAckPattern = regexp.MustCompile(`^\["ACK`)
)

// Parse extracts the JSON object carried by a server text frame. It returns
// nil (with no error) when the frame is the SockJS open frame "o" or is
// otherwise not a JSON object.
func Parse(msg string) map[string]any {
	normalized := msgIDPattern.ReplaceAllLiteralString(msg, `a["*#`)

	if m := innerPattern.FindStringSubmatch(normalized); m != nil {
		// Group 2 is the content of a JSON-encoded string.
		var inner string
		if err := json.Unmarshal([]byte(`"`+m[2]+`"`), &inner); err != nil {
			return nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(inner), &obj); err != nil {
			return nil
		}
		return obj
	}

	if msg == "o" {
		return nil
	}

	// Dev servers speak bare JSON without the SockJS framing.
	var obj map[string]any
	if err := json.Unmarshal([]byte(msg), &obj); err != nil {
		return nil
	}
	return obj
}

// CanIgnore reports whether a received frame carries only operational
// metadata (heartbeats, ACKs, progress, reactlog, empty diffs) and must be
// dropped before it reaches the receive queue. A frame that is neither a
// known ignorable form nor a parseable payload is an error.
func CanIgnore(msg string) (bool, error) {
	if msg == "o" {
		return false, nil
	}
	if msg == "h" || ackPattern.MatchString(msg) || bareAckPattern.MatchString(msg) {
		return true, nil
	}

	obj := Parse(msg)
	if obj == nil {
		return false, &UnparseableFrameError{Frame: msg}
	}

	for _, key := range []string{"busy", "progress", "recalculating"} {
		if _, ok := obj[key]; ok {
			return true, nil
		}
	}
	if len(obj) == 1 {
		if custom, ok := obj["custom"].(map[string]any); ok && len(custom) == 1 {
			if _, ok := custom["reactlog"]; ok {
				return true, nil
			}
		}
	}
	if isEmptyDiff(obj) {
		return true, nil
	}
	return false, nil
}

// isEmptyDiff matches {"errors":[],"values":[],"inputMessages":[]}.
func isEmptyDiff(obj map[string]any) bool {
	if len(obj) != 3 {
		return false
	}
	for _, key := range []string{"errors", "values", "inputMessages"} {
		arr, ok := obj[key].([]any)
		if !ok || len(arr) != 0 {
			return false
		}
	}
	return true
}

// UnparseableFrameError reports a server frame that is neither ignorable
// nor a parseable payload object.
type UnparseableFrameError struct {
	Frame string
}

func (e *UnparseableFrameError) Error() string {
	frame := e.Frame
	if len(frame) > 256 {
		frame = frame[:256] + "..."
	}
	return "unparseable server frame: " + frame
}
