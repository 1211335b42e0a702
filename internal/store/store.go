// Package store is the file-resident state store for a drover run: the
// three task queue partitions, the iteration counter, the resource ledger,
// the failure/guardrail logs, and the human-readable progress log. The
// package is pure data access; policy lives with the callers. Exactly one
// controller process owns a store at a time — there is no cross-process
// locking, only atomic whole-document replacement.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/gutter"
	"github.com/droverhq/drover/internal/ledger"
	"github.com/droverhq/drover/internal/task"
)

// Partition names one of the three task queue documents.
type Partition string

const (
	PartitionBacklog Partition = "backlog"
	PartitionTodo    Partition = "todo"
	PartitionDone    Partition = "done"
)

// Partitions lists all queue partitions in promotion order.
var Partitions = []Partition{PartitionBacklog, PartitionTodo, PartitionDone}

// FormatError reports a state document that failed to parse. Callers get
// an empty value alongside it and may continue; the corrupt document is
// surfaced, not fatal.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("state document %s is malformed: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Store handles all state file access under <basePath>/.drover.
type Store struct {
	dir string
}

// New creates a Store rooted at basePath. Call Init before first use.
func New(basePath string) *Store {
	return &Store{dir: filepath.Join(basePath, config.Dir)}
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// QueueDir is the directory holding the three partition documents.
func (s *Store) QueueDir() string { return filepath.Join(s.dir, "queue") }

func (s *Store) queuePath(p Partition) string {
	return filepath.Join(s.dir, "queue", string(p)+".json")
}

func (s *Store) iterationPath() string  { return filepath.Join(s.dir, "iteration") }
func (s *Store) ledgerPath() string     { return filepath.Join(s.dir, "ledger.json") }
func (s *Store) failuresPath() string   { return filepath.Join(s.dir, "failures.json") }
func (s *Store) guardrailsPath() string { return filepath.Join(s.dir, "guardrails.json") }
func (s *Store) progressPath() string   { return filepath.Join(s.dir, "progress.log") }

// Init creates the state layout. It is idempotent: existing non-empty
// documents are never touched, missing ones are created with empty
// defaults.
func (s *Store) Init() error {
	if err := os.MkdirAll(filepath.Join(s.dir, "queue"), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	defaults := map[string][]byte{
		s.iterationPath():  []byte("0\n"),
		s.ledgerPath():     []byte("{}\n"),
		s.failuresPath():   []byte("[]\n"),
		s.guardrailsPath(): []byte("[]\n"),
		s.progressPath():   nil,
	}
	for _, p := range Partitions {
		defaults[s.queuePath(p)] = []byte("[]\n")
	}

	for path, content := range defaults {
		if err := createIfMissing(path, content); err != nil {
			return err
		}
	}
	return nil
}

func createIfMissing(path string, content []byte) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	} else if err == nil {
		// Zero-length file: safe to (re)write the default.
		return atomicWrite(path, content)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return atomicWrite(path, content)
}

// ValidateLayout performs the strict startup checks: every queue document
// must exist and hold a top-level JSON array. A violation is a
// prerequisite error, distinct from the lenient ReadQueue behaviour.
func (s *Store) ValidateLayout() error {
	for _, p := range Partitions {
		data, err := os.ReadFile(s.queuePath(p))
		if err != nil {
			return fmt.Errorf("failed to read %s queue: %w", p, err)
		}
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%s queue is not valid JSON: %w", p, err)
		}
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf("%s queue must be a top-level JSON array", p)
		}
	}
	return nil
}

// ReadQueue returns the tasks in a partition. A missing document reads as
// empty; a malformed one reads as empty alongside a *FormatError so the
// loop can keep running while the corruption is surfaced.
func (s *Store) ReadQueue(p Partition) ([]task.Task, error) {
	path := s.queuePath(p)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []task.Task{}, nil
		}
		return nil, fmt.Errorf("failed to read %s queue: %w", p, err)
	}

	var tasks []task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return []task.Task{}, &FormatError{Path: path, Err: err}
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return tasks, nil
}

// WriteQueue replaces a partition document atomically.
func (s *Store) WriteQueue(p Partition, tasks []task.Task) error {
	if tasks == nil {
		tasks = []task.Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s queue: %w", p, err)
	}
	return atomicWrite(s.queuePath(p), append(data, '\n'))
}

// ReadIteration returns the persisted iteration counter.
func (s *Store) ReadIteration() (int, error) {
	data, err := os.ReadFile(s.iterationPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read iteration counter: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, &FormatError{Path: s.iterationPath(), Err: err}
	}
	return n, nil
}

// WriteIteration persists the iteration counter.
func (s *Store) WriteIteration(n int) error {
	return atomicWrite(s.iterationPath(), []byte(strconv.Itoa(n)+"\n"))
}

// ReadLedger returns the persisted ledger snapshot.
func (s *Store) ReadLedger() (ledger.Snapshot, error) {
	var snap ledger.Snapshot

	data, err := os.ReadFile(s.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return ledger.Snapshot{}, &FormatError{Path: s.ledgerPath(), Err: err}
	}
	return snap, nil
}

// WriteLedger persists the ledger snapshot.
func (s *Store) WriteLedger(snap ledger.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return atomicWrite(s.ledgerPath(), append(data, '\n'))
}

// AppendFailure appends one record to the failure log.
func (s *Store) AppendFailure(r gutter.FailureRecord) error {
	return appendJSON(s.failuresPath(), r)
}

// ReadFailures returns the full failure log.
func (s *Store) ReadFailures() ([]gutter.FailureRecord, error) {
	var records []gutter.FailureRecord
	if err := readJSONArray(s.failuresPath(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AppendGuardrail appends one rule to the guardrail list.
func (s *Store) AppendGuardrail(g gutter.Guardrail) error {
	return appendJSON(s.guardrailsPath(), g)
}

// ReadGuardrails returns the full advisory guardrail list.
func (s *Store) ReadGuardrails() ([]gutter.Guardrail, error) {
	var rails []gutter.Guardrail
	if err := readJSONArray(s.guardrailsPath(), &rails); err != nil {
		return nil, err
	}
	return rails, nil
}

// AppendProgress writes one human-readable line to the progress log:
// timestamp, iteration number, reason.
func (s *Store) AppendProgress(iteration int, reason string) error {
	f, err := os.OpenFile(s.progressPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s iteration=%d %s\n",
		time.Now().UTC().Format(time.RFC3339), iteration, reason)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append progress log: %w", err)
	}
	return nil
}

// ReadProgress returns the progress log lines, oldest first.
func (s *Store) ReadProgress() ([]string, error) {
	data, err := os.ReadFile(s.progressPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress log: %w", err)
	}
	var lines []string
	for _, l := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(l) > 0 {
			lines = append(lines, string(l))
		}
	}
	return lines, nil
}

func appendJSON[T any](path string, entry T) error {
	var entries []T
	if err := readJSONArray(path, &entries); err != nil {
		// A corrupt log must not block new records; start a fresh array
		// and let the FormatError surface through reads.
		var fe *FormatError
		if !errors.As(err, &fe) {
			return err
		}
		entries = nil
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return atomicWrite(path, append(data, '\n'))
}

func readJSONArray[T any](path string, out *[]T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &FormatError{Path: path, Err: err}
	}
	return nil
}
