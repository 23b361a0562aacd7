// Package output appends per-event timing rows to one CSV file per session.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Header is the CSV column header shared by all session files.
const Header = "session_id,worker_id,iteration,event,timestamp,input_line_number,comment"

// SessionsDirName is the subdirectory of the output dir holding session CSVs.
const SessionsDirName = "sessions"

// Writer appends timing rows for one session. Every row is written straight
// to the file so the CSV can be tailed while the test runs.
type Writer struct {
	file      *os.File
	sessionID int
	workerID  int
	iteration int
}

// NewWriter creates <outputDir>/sessions/<session>_<worker>_<iteration>.csv
// with the argv and args-snapshot header comments.
func NewWriter(outputDir string, sessionID, workerID, iteration int, argv, argsJSON string) (*Writer, error) {
	name := fmt.Sprintf("%d_%d_%d.csv", sessionID, workerID, iteration)
	path := filepath.Join(outputDir, SessionsDirName, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session output: %w", err)
	}

	header := fmt.Sprintf("# %s\n# %s\n%s\n", argv, argsJSON, Header)
	if _, err := file.WriteString(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write session header: %w", err)
	}

	return &Writer{file: file, sessionID: sessionID, workerID: workerID, iteration: iteration}, nil
}

// Event appends one row timestamped now. lineNumber 0 means the row is
// synthetic rather than tied to a recording line.
func (w *Writer) Event(name string, lineNumber int, comment string) {
	w.EventAt(name, time.Now().UnixMilli(), lineNumber, comment)
}

// EventAt appends one row with an explicit epoch-millisecond timestamp.
func (w *Writer) EventAt(name string, timestampMs int64, lineNumber int, comment string) {
	line := strings.Join([]string{
		fmt.Sprintf("%d", w.sessionID),
		fmt.Sprintf("%d", w.workerID),
		fmt.Sprintf("%d", w.iteration),
		name,
		fmt.Sprintf("%d", timestampMs),
		fmt.Sprintf("%d", lineNumber),
		sanitize(comment),
	}, ",") + "\n"
	// Best effort: a failed timing row must not fail the session.
	w.file.WriteString(line)
}

func (w *Writer) Close() error {
	return w.file.Close()
}

// sanitize keeps the naive comma join parseable.
func sanitize(comment string) string {
	comment = strings.ReplaceAll(comment, "\n", " ")
	comment = strings.ReplaceAll(comment, "\r", " ")
	return strings.ReplaceAll(comment, ",", ";")
}
