package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"vulnverify/internal/report"
)

// Event names written by the triage pipeline.
const (
	EventRunStarted      = "run_started"
	EventTreeGenerated   = "tree_generated"
	EventNodeRetrieval   = "node_retrieval"
	EventRetrievalFailed = "retrieval_failed"
	EventNodeJudgment    = "node_judgment"
	EventExpansion       = "expansion"
	EventVerdict         = "verdict"
	EventReportFailed    = "report_failed"
)

// Recorder is the capability handed to components that emit audit events.
type Recorder interface {
	Record(reportHash, event string, input, output any) error
}

// Entry is one line of the log. Field order is the on-disk key order.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Hash      string          `json:"hash"`
	Seq       int64           `json:"seq"`
	Event     string          `json:"event"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
}

// Sink stores encoded lines. Implementations need not be safe for concurrent
// use; Log serializes calls.
type Sink interface {
	WriteLine(line []byte) error
	Close() error
}

// Log is an append-only JSON Lines audit log. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	sink Sink
	seq  map[string]int64
	seen map[string]bool
	now  func() time.Time
}

var _ Recorder = (*Log)(nil)

// New returns a log writing to sink with no history.
func New(sink Sink) *Log {
	return &Log{
		sink: sink,
		seq:  make(map[string]int64),
		seen: make(map[string]bool),
		now:  time.Now,
	}
}

// Open appends to the log file at path, creating it if needed. Existing lines
// seed the per-hash sequence counters and the set of already-seen reports.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := New(&fileSink{f: f, w: bufio.NewWriter(f)})
	if err := l.replay(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("read audit log %s: %w", path, err)
	}
	return l, nil
}

func (l *Log) replay(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if e.Seq > l.seq[e.Hash] {
			l.seq[e.Hash] = e.Seq
		}
		if e.Event == EventRunStarted {
			l.seen[e.Hash] = true
		}
	}
	return sc.Err()
}

// Record appends one event. seq increases strictly per report hash.
func (l *Log) Record(reportHash, event string, input, output any) error {
	in, err := encodeValue(input)
	if err != nil {
		return fmt.Errorf("encode %s input: %w", event, err)
	}
	out, err := encodeValue(output)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", event, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq[reportHash] + 1
	line, err := json.Marshal(Entry{
		Timestamp: l.now().UTC(),
		Hash:      reportHash,
		Seq:       seq,
		Event:     event,
		Input:     in,
		Output:    out,
	})
	if err != nil {
		return err
	}
	if err := l.sink.WriteLine(line); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	l.seq[reportHash] = seq
	if event == EventRunStarted {
		l.seen[reportHash] = true
	}
	return nil
}

// Seen reports whether a run was already started for reportHash, in this
// process or in an earlier one sharing the file.
func (l *Log) Seen(reportHash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[reportHash]
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}

func encodeValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case error:
		v = x.Error()
	case json.RawMessage:
		if json.Valid(x) {
			return x, nil
		}
		v = string(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ReportHash is the hex SHA-256 of the report's canonical form.
func ReportHash(r report.Report) string {
	sum := sha256.Sum256(r.Canonical())
	return hex.EncodeToString(sum[:])
}

type fileSink struct {
	f *os.File
	w *bufio.Writer
}

// WriteLine flushes every line so a crash loses at most the line in flight.
func (s *fileSink) WriteLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *fileSink) Close() error {
	return errors.Join(s.w.Flush(), s.f.Close())
}

// MemorySink keeps lines in memory.
type MemorySink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (m *MemorySink) WriteLine(line []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, append([]byte(nil), line...))
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Entries decodes everything written so far.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.lines))
	for _, l := range m.lines {
		var e Entry
		if json.Unmarshal(l, &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

// Lines returns the raw encoded lines.
func (m *MemorySink) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines))
	for i, l := range m.lines {
		out[i] = string(l)
	}
	return out
}
