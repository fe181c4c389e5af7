// Package logsink implements the per-daemon append-only log files from
// spec.md §4.12: batched writes, tailing from an offset, time-range reads
// over timestamp-prefixed lines, and lock-guarded clear. Rotation uses
// github.com/natefinch/lumberjack, the same library the teacher
// (oarkflow-supervisor) uses for its own supervisor/child logs, so a
// daemon's log survives rotation transparently ("rotation-agnostic
// tailing").
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

const timeLayout = "2006-01-02 15:04:05"

// flushInterval matches spec.md §4.12: "Writers periodically flush (every
// ~250 ms) rather than per line."
const flushInterval = 250 * time.Millisecond

// Sink owns one daemon's append-only log file.
type Sink struct {
	path string

	mu       sync.Mutex
	logger   *lumberjack.Logger
	buf      *bufio.Writer
	closed   bool
	stopFlag chan struct{}
}

// Open creates (or reopens) the log file at path, starting a background
// flush ticker. mkdirp-equivalent: the parent directory is created.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	s := &Sink{
		path:     path,
		logger:   lj,
		buf:      bufio.NewWriter(lj),
		stopFlag: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *Sink) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.stopFlag:
			return
		}
	}
}

// WriteLine timestamps and appends a single line, mirroring lifecycle.rs's
// format_line (skip double-stamping lines that already carry the
// daemon's own id prefix is a teacher-specific quirk we don't carry,
// since it was a heuristic for one particular upstream tool).
func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("log sink %s is closed", s.path)
	}
	_, err := fmt.Fprintf(s.buf, "%s %s\n", time.Now().Format(timeLayout), line)
	return err
}

// Flush forces buffered lines to disk without waiting for the ticker.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.buf.Flush()
}

// Close flushes and stops the background flush loop. The underlying file
// stays on disk for tailing by other readers.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.buf.Flush()
	s.mu.Unlock()
	close(s.stopFlag)
	return err
}

// Clear truncates the log file under an exclusive lock on the sink,
// spec.md §4.12 "clear (truncate under lock)".
func (s *Sink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.logger.Rotate(); err != nil {
		// Rotate failing (e.g. nothing written yet) is not fatal to clear.
		_ = err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	s.buf.Reset(s.logger)
	return nil
}

// Line is one parsed log line: its timestamp (if parseable) and raw text.
type Line struct {
	Time time.Time
	Text string
	Raw  string
}

// ReadTail reads lines starting at byte offset and returns them along
// with the new end offset, for a client doing "tail -f" style polling
// (spec.md §4.12 "tail, starting from offset, following appends").
// Readers never block writers: this is a plain read of whatever bytes are
// currently on disk.
func ReadTail(path string, offset int64) (lines []Line, newOffset int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if offset > info.Size() {
		// File was truncated (Clear) or rotated out from under us; restart.
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var consumed int64
	for scanner.Scan() {
		raw := scanner.Text()
		consumed += int64(len(raw)) + 1
		lines = append(lines, parseLine(raw))
	}
	return lines, offset + consumed, nil
}

// ReadRange returns every line whose parsed timestamp falls within
// [since, until] (spec.md §4.12 "range-read by time").
func ReadRange(path string, since, until time.Time) ([]Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Line
	for _, raw := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if raw == "" {
			continue
		}
		l := parseLine(raw)
		if l.Time.IsZero() {
			continue
		}
		if l.Time.Before(since) || l.Time.After(until) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func parseLine(raw string) Line {
	l := Line{Raw: raw, Text: raw}
	if len(raw) < len(timeLayout)+1 {
		return l
	}
	tsPart := raw[:len(timeLayout)]
	t, err := time.ParseInLocation(timeLayout, tsPart, time.Local)
	if err != nil {
		return l
	}
	rest := raw[len(timeLayout):]
	rest = strings.TrimPrefix(rest, " ")
	l.Time = t
	l.Text = rest
	return l
}
