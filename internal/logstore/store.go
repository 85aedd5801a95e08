// Package logstore keeps the ordered, append-only output of every job.
//
// Each job has its own log. Entry ids start at 1 and are assigned by the
// store when a line is appended and are strictly increasing. A log read back
// from the journal may have gaps where a write was lost.
// A log accepts appends until it is sealed, after which it is read-only.
// Readers tail a log by repeatedly asking for the entries after the highest
// id they have already seen.
package logstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/models"
	"github.com/sirupsen/logrus"
)

var storeLogger = logging.C("logstore")

// ErrFrozen is returned when appending to a sealed log.
var ErrFrozen = fmt.Errorf("%w: log is sealed", models.ErrInvalidState)

// Journal persists log entries beyond the process lifetime.
type Journal interface {
	AppendLog(jobID string, entry models.LogEntry) error
	// LoadLog returns every persisted entry of a job in id order, or an
	// error wrapping models.ErrNotFound when the job is unknown.
	LoadLog(jobID string) ([]models.LogEntry, error)
}

// Option configures a Store.
type Option func(*Store)

// WithJournal writes every appended entry through to j and lets the store
// serve logs of jobs that are not held in memory.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAppendHook registers a function called after every append.
func WithAppendHook(fn func(jobID string)) Option {
	return func(s *Store) { s.onAppend = fn }
}

// Store holds the logs of all jobs.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*jobLog

	journal  Journal
	now      func() time.Time
	onAppend func(jobID string)
}

type jobLog struct {
	mu      sync.RWMutex
	entries []models.LogEntry
	sealed  bool
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		logs: make(map[string]*jobLog),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates an empty, writable log for jobID. Opening an existing log is
// a no-op.
func (s *Store) Open(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[jobID]; !ok {
		s.logs[jobID] = &jobLog{}
	}
}

// Drop forgets the log of jobID.
func (s *Store) Drop(jobID string) {
	s.mu.Lock()
	delete(s.logs, jobID)
	s.mu.Unlock()
}

// Append adds one line to the log of jobID and returns its id.
func (s *Store) Append(jobID, line string) (int64, error) {
	l, err := s.get(jobID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return 0, ErrFrozen
	}
	entry := l.appendLocked(line, s.now())
	l.mu.Unlock()

	s.persist(jobID, entry)
	return entry.ID, nil
}

// ReadAfter returns the entries of jobID with an id greater than afterID, in
// id order. It returns an empty slice when nothing new exists.
func (s *Store) ReadAfter(jobID string, afterID int64) ([]models.LogEntry, error) {
	l, err := s.load(jobID, true)
	if err != nil {
		return nil, err
	}

	if afterID < 0 {
		afterID = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].ID > afterID })
	out := make([]models.LogEntry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out, nil
}

// Seal appends the given final lines and makes the log read-only. Sealing an
// already sealed log fails with ErrFrozen and appends nothing.
func (s *Store) Seal(jobID string, lines ...string) error {
	l, err := s.load(jobID, false)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return ErrFrozen
	}
	now := s.now()
	appended := make([]models.LogEntry, 0, len(lines))
	for _, line := range lines {
		appended = append(appended, l.appendLocked(line, now))
	}
	l.sealed = true
	l.mu.Unlock()

	for _, entry := range appended {
		s.persist(jobID, entry)
	}
	return nil
}

// Sealed reports whether the log of jobID no longer accepts appends.
func (s *Store) Sealed(jobID string) (bool, error) {
	l, err := s.load(jobID, true)
	if err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed, nil
}

func (l *jobLog) appendLocked(line string, ts time.Time) models.LogEntry {
	var last int64
	if n := len(l.entries); n > 0 {
		last = l.entries[n-1].ID
	}
	entry := models.LogEntry{
		ID:        last + 1,
		Timestamp: ts,
		Line:      line,
	}
	l.entries = append(l.entries, entry)
	return entry
}

func (s *Store) get(jobID string) (*jobLog, error) {
	s.mu.RLock()
	l, ok := s.logs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("log for job %s: %w", jobID, models.ErrNotFound)
	}
	return l, nil
}

// load returns the in-memory log of jobID, reading it from the journal when
// it is not held in memory yet.
func (s *Store) load(jobID string, sealed bool) (*jobLog, error) {
	if l, err := s.get(jobID); err == nil {
		return l, nil
	}
	if s.journal == nil {
		return nil, fmt.Errorf("log for job %s: %w", jobID, models.ErrNotFound)
	}

	entries, err := s.journal.LoadLog(jobID)
	if err != nil {
		return nil, fmt.Errorf("load log for job %s: %w", jobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another reader may have loaded it meanwhile.
	if l, ok := s.logs[jobID]; ok {
		return l, nil
	}
	l := &jobLog{entries: entries, sealed: sealed}
	s.logs[jobID] = l
	return l, nil
}

func (s *Store) persist(jobID string, entry models.LogEntry) {
	if s.journal != nil {
		if err := s.journal.AppendLog(jobID, entry); err != nil {
			storeLogger.WithError(err).WithFields(logrus.Fields{
				"job_id": jobID,
				"seq":    entry.ID,
			}).Warn("failed to persist log entry")
		}
	}
	if s.onAppend != nil {
		s.onAppend(jobID)
	}
}
