// Package steplog implements the write-ahead step log recorded for each
// continuation.
//
// One Logger instance is bound to one append-only file for the lifetime of an
// execution. Entries are buffered and flushed either when the buffer reaches a
// fixed threshold or on a periodic timer, bounding the staleness of on-disk
// state to the flush interval. Each flushed entry is one self-contained JSON
// record per line, so a partially written log is recoverable up to the last
// complete line and replayable for recovery and audit.
package steplog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultFlushThreshold is the buffered entry count that triggers a flush.
	DefaultFlushThreshold = 8
	// DefaultFlushInterval bounds how stale the on-disk log may be.
	DefaultFlushInterval = time.Second
)

// ErrClosed indicates a log operation after Close. Entries are never silently
// dropped; callers must treat this as a programming error.
var ErrClosed = errors.New("steplog: logger is closed")

type (
	// EntryType discriminates step log entries.
	EntryType string

	// Entry is one record of the execution trace. Exactly one detail field
	// matching Type is set; the closed set of tagged variants keeps the log
	// machine-parseable.
	Entry struct {
		// Timestamp orders entries within a continuation.
		Timestamp time.Time `json:"ts"`
		// Type discriminates the detail payload.
		Type EntryType `json:"type"`

		Plan       *PlanDetail          `json:"plan,omitempty"`
		ToolCall   *ToolCallDetail      `json:"tool_call,omitempty"`
		ToolResult *ToolResultDetail    `json:"tool_result,omitempty"`
		Retrieval  *RetrievalDetail     `json:"retrieval,omitempty"`
		Observed   *ObservedEventDetail `json:"observed_event,omitempty"`
		Summary    *SummaryDetail       `json:"summary,omitempty"`
		Error      *ErrorDetail         `json:"error,omitempty"`
	}

	// PlanDetail records a planner decision point.
	PlanDetail struct {
		// Thought is the planner's reasoning summary for this step.
		Thought string `json:"thought,omitempty"`
		// NextAction names the action the planner chose.
		NextAction string `json:"next_action,omitempty"`
	}

	// ToolCallDetail records a tool invocation attempt.
	ToolCallDetail struct {
		// Tool is the registered tool name.
		Tool string `json:"tool"`
		// Args is the raw JSON argument payload.
		Args json.RawMessage `json:"args,omitempty"`
		// Actuating marks tools that perform side effects.
		Actuating bool `json:"actuating,omitempty"`
	}

	// ToolResultDetail records a tool invocation outcome.
	ToolResultDetail struct {
		// Tool is the registered tool name.
		Tool string `json:"tool"`
		// Result is the raw JSON result payload on success.
		Result json.RawMessage `json:"result,omitempty"`
		// Error is the failure description when the invocation failed.
		Error string `json:"error,omitempty"`
		// DurationMS is the invocation wall-clock time in milliseconds.
		DurationMS int64 `json:"duration_ms,omitempty"`
	}

	// RetrievalDetail records a lookup against an external data collaborator.
	RetrievalDetail struct {
		// Source names the collaborator queried.
		Source string `json:"source"`
		// Query is the query text or identifier.
		Query string `json:"query,omitempty"`
		// Results counts returned items.
		Results int `json:"results,omitempty"`
	}

	// ObservedEventDetail records an external event noticed mid-execution.
	ObservedEventDetail struct {
		// EntityID identifies the observed entity.
		EntityID string `json:"entity_id,omitempty"`
		// Event names the observation.
		Event string `json:"event"`
		// Data carries event-specific payload.
		Data json.RawMessage `json:"data,omitempty"`
	}

	// SummaryDetail records a memory compaction step.
	SummaryDetail struct {
		// Text is the produced summary.
		Text string `json:"text"`
	}

	// ErrorDetail records an execution error.
	ErrorDetail struct {
		// Code is a stable machine-readable classification.
		Code string `json:"code"`
		// Message is the human-readable description.
		Message string `json:"message"`
		// Recoverable indicates execution may continue or be resumed.
		Recoverable bool `json:"recoverable,omitempty"`
	}

	// Options configures a Logger. Zero values select the defaults.
	Options struct {
		// FlushThreshold is the buffered entry count that triggers a flush.
		FlushThreshold int
		// FlushInterval is the background flush period.
		FlushInterval time.Duration
	}

	// Logger is the write-ahead logger for one in-flight continuation.
	// It is safe for concurrent use.
	Logger struct {
		mu       sync.Mutex
		f        *os.File
		buf      []Entry
		limit    int
		closed   bool
		flushErr error

		ticker *time.Ticker
		done   chan struct{}
		wg     sync.WaitGroup
	}
)

const (
	// TypePlan is a planner decision entry.
	TypePlan EntryType = "plan"
	// TypeToolCall is a tool invocation attempt entry.
	TypeToolCall EntryType = "tool_call"
	// TypeToolResult is a tool invocation outcome entry.
	TypeToolResult EntryType = "tool_result"
	// TypeRetrieval is an external data lookup entry.
	TypeRetrieval EntryType = "retrieval"
	// TypeObservedEvent is an external event observation entry.
	TypeObservedEvent EntryType = "observed_event"
	// TypeSummary is a memory compaction entry.
	TypeSummary EntryType = "summary"
	// TypeError is an execution error entry.
	TypeError EntryType = "error"
)

// Validate checks that the entry carries exactly the detail its type declares.
func (e Entry) Validate() error {
	var want bool
	switch e.Type {
	case TypePlan:
		want = e.Plan != nil
	case TypeToolCall:
		want = e.ToolCall != nil
	case TypeToolResult:
		want = e.ToolResult != nil
	case TypeRetrieval:
		want = e.Retrieval != nil
	case TypeObservedEvent:
		want = e.Observed != nil
	case TypeSummary:
		want = e.Summary != nil
	case TypeError:
		want = e.Error != nil
	default:
		return fmt.Errorf("steplog: unknown entry type %q", e.Type)
	}
	if !want {
		return fmt.Errorf("steplog: entry type %q is missing its detail payload", e.Type)
	}
	return nil
}

// Open creates (or appends to) the log file at path, creating missing parent
// directories, and starts the background flush timer.
func Open(path string, opts Options) (*Logger, error) {
	if path == "" {
		return nil, errors.New("steplog: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("steplog: ensure log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("steplog: open log file: %w", err)
	}
	limit := opts.FlushThreshold
	if limit <= 0 {
		limit = DefaultFlushThreshold
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	l := &Logger{
		f:      f,
		limit:  limit,
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// Log buffers the entry and flushes when the buffer reaches the threshold.
// A zero timestamp is stamped with the current time. Logging after Close
// returns ErrClosed.
func (l *Logger) Log(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.takeFlushErr(); err != nil {
		return err
	}
	l.buf = append(l.buf, e)
	if len(l.buf) >= l.limit {
		return l.flushLocked()
	}
	return nil
}

// Flush serializes all buffered entries, appends them as a single write, and
// clears the buffer.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.takeFlushErr(); err != nil {
		return err
	}
	return l.flushLocked()
}

// Close stops the background timer, performs a final flush, and closes the
// underlying file. Close is idempotent; Log and Flush fail after Close.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	flushErr := l.flushLocked()
	if prev := l.takeFlushErr(); flushErr == nil {
		flushErr = prev
	}
	closeErr := l.f.Close()
	l.mu.Unlock()

	l.ticker.Stop()
	close(l.done)
	l.wg.Wait()

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// flushLoop drains the background timer, bounding on-disk staleness to the
// flush interval regardless of buffer fill.
func (l *Logger) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.ticker.C:
			l.mu.Lock()
			if !l.closed {
				if err := l.flushLocked(); err != nil && l.flushErr == nil {
					// Surfaced on the next Log/Flush call.
					l.flushErr = err
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Logger) flushLocked() error {
	if len(l.buf) == 0 {
		return nil
	}
	var out bytes.Buffer
	for _, e := range l.buf {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("steplog: marshal entry: %w", err)
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if _, err := l.f.Write(out.Bytes()); err != nil {
		return fmt.Errorf("steplog: append entries: %w", err)
	}
	l.buf = l.buf[:0]
	return nil
}

func (l *Logger) takeFlushErr() error {
	err := l.flushErr
	l.flushErr = nil
	return err
}

// Read parses an existing log file back into its ordered entry sequence.
// A missing file yields an empty sequence; a malformed line is a parse error,
// never silently truncated.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("steplog: open log file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("steplog: parse %s line %d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("steplog: read log file: %w", err)
	}
	return entries, nil
}
