package logstore

import (
	"bytes"
	"sync"
)

// maxPartialLine bounds how much unterminated output is buffered before it is
// flushed as a line of its own.
const maxPartialLine = 64 * 1024

// LineWriter is an io.Writer that appends every complete line written to it
// to one job's log. Both '\n' and '\r' terminate a line, so progress output
// that redraws a line shows up as separate entries. Blank lines are kept,
// except for the '\n' of a "\r\n" pair. It is safe for
// concurrent use, which lets a process write stdout and stderr to the same
// LineWriter.
type LineWriter struct {
	store *Store
	jobID string

	mu      sync.Mutex
	buf     []byte
	err     error
	afterCR bool // the last write ended in '\r'
}

// NewLineWriter returns a writer feeding the log of jobID.
func (s *Store) NewLineWriter(jobID string) *LineWriter {
	return &LineWriter{store: s, jobID: jobID}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}

	w.buf = append(w.buf, p...)
	if w.afterCR && len(w.buf) > 0 {
		if w.buf[0] == '\n' {
			w.buf = w.buf[1:]
		}
		w.afterCR = false
	}
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		// Swallow the '\n' of a "\r\n" pair.
		next := i + 1
		if w.buf[i] == '\r' {
			if next == len(w.buf) {
				w.afterCR = true
			} else if w.buf[next] == '\n' {
				next++
			}
		}
		w.buf = w.buf[next:]

		if err := w.emit(line); err != nil {
			return 0, err
		}
	}

	if len(w.buf) >= maxPartialLine {
		line := string(w.buf)
		w.buf = w.buf[:0]
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing line that was not terminated by a newline.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil || len(w.buf) == 0 {
		return w.err
	}
	line := string(w.buf)
	w.buf = nil
	return w.emit(line)
}

// Line appends a single status line as is, without splitting it.
func (w *LineWriter) Line(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.emit(line)
}

func (w *LineWriter) emit(line string) error {
	if _, err := w.store.Append(w.jobID, line); err != nil {
		w.err = err
		return err
	}
	return nil
}
