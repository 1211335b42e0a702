// Package events defines the worker event stream consumed by the loop:
// newline-delimited JSON records on the worker's stdout, plus the sentinel
// signal parser for assistant text. The Signal enumeration stays inside
// this boundary; the loop receives parsed values, never raw markers.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Kind identifies a stream record type.
type Kind string

const (
	// KindSessionStart marks the ledger/failure-state reset point and
	// carries an opaque worker identity label.
	KindSessionStart Kind = "session_start"
	// KindAssistantText carries worker output text, scanned for sentinels.
	KindAssistantText Kind = "assistant_text"
	// KindToolResult reports one completed tool invocation.
	KindToolResult Kind = "tool_result"
	// KindSessionEnd carries the execution duration and triggers the
	// final accounting flush.
	KindSessionEnd Kind = "session_end"
)

// Tool identifies the shape of a tool_result record.
type Tool string

const (
	ToolRead  Tool = "read"
	ToolWrite Tool = "write"
	ToolShell Tool = "shell"
)

// Event is one stream record. Fields are populated according to Kind and,
// for tool results, Tool.
type Event struct {
	Kind     Kind   `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
	Text     string `json:"text,omitempty"`

	Tool     Tool   `json:"tool,omitempty"`
	Path     string `json:"path,omitempty"`
	Lines    int    `json:"lines,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Signal is a parsed sentinel from assistant text.
type Signal int

const (
	SignalNone Signal = iota
	SignalComplete
	SignalGutter
	SignalStalled
	SignalEmpty
)

func (s Signal) String() string {
	switch s {
	case SignalComplete:
		return "COMPLETE"
	case SignalGutter:
		return "GUTTER"
	case SignalStalled:
		return "STALLED"
	case SignalEmpty:
		return "EMPTY"
	default:
		return "none"
	}
}

// sentinelMarkers maps the enclosed marker text to its Signal. Matching is
// exact and case-sensitive; the enclosure keeps prose mentions of the bare
// words from triggering.
var sentinelMarkers = []struct {
	marker string
	signal Signal
}{
	{"<<DROVER:COMPLETE>>", SignalComplete},
	{"<<DROVER:GUTTER>>", SignalGutter},
	{"<<DROVER:STALLED>>", SignalStalled},
	{"<<DROVER:EMPTY>>", SignalEmpty},
}

// Marker returns the textual marker for a signal, for embedding in the
// instruction payload's protocol reminder.
func Marker(s Signal) string {
	for _, m := range sentinelMarkers {
		if m.signal == s {
			return m.marker
		}
	}
	return ""
}

// ParseSignal scans text for sentinel markers and returns the earliest
// match, or SignalNone. One signal per event: when a single text contains
// several markers, the one appearing first wins.
func ParseSignal(text string) Signal {
	best := SignalNone
	bestIdx := -1
	for _, m := range sentinelMarkers {
		idx := strings.Index(text, m.marker)
		if idx < 0 {
			continue
		}
		if bestIdx < 0 || idx < bestIdx {
			best = m.signal
			bestIdx = idx
		}
	}
	return best
}

// maxLineBytes caps one stream record. Tool results can carry large
// shell output on one line; anything beyond the cap is discarded like
// any other malformed line rather than failing the stream.
const maxLineBytes = 4 * 1024 * 1024

// errLineTooLong marks a line that exceeded maxLineBytes and was drained.
var errLineTooLong = errors.New("line exceeds record cap")

// readLine accumulates one full line from br, draining and rejecting
// lines larger than maxLineBytes.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return buf, err
		}
		if len(buf)+len(chunk) > maxLineBytes {
			for isPrefix {
				if _, isPrefix, err = br.ReadLine(); err != nil {
					return nil, err
				}
			}
			return nil, errLineTooLong
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return buf, nil
		}
	}
}

// Decode reads newline-delimited records from r and invokes fn for each in
// emission order. Lines that are not valid JSON, records of unknown kind,
// and lines over the record cap are skipped; the stream format is
// forward-compatible and one bad record never fails the stream. Decode
// returns when r is exhausted, fn returns an error, or ctx is cancelled.
func Decode(ctx context.Context, r io.Reader, fn func(Event) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := readLine(br)
		if errors.Is(err, errLineTooLong) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		var ev Event
		if jerr := json.Unmarshal([]byte(line), &ev); jerr != nil {
			continue
		}

		switch ev.Kind {
		case KindSessionStart, KindAssistantText, KindToolResult, KindSessionEnd:
		default:
			continue
		}

		if ferr := fn(ev); ferr != nil {
			return ferr
		}
	}
}
