package collab

import (
	"context"
	"log"
	"sync"
	"time"
)

type flushFunc func(ctx context.Context) error

// scheduler debounces persistence for one note. Each delta resets a short
// quiet-period timer, bounded by a maximum wait so a steady stream of edits
// still flushes periodically. Flushes for a note never overlap.
type scheduler struct {
	noteID   string
	debounce time.Duration
	maxWait  time.Duration
	retries  int
	flush    flushFunc

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	dirty    bool
	closed   bool

	// flushMu serializes flush attempts so a forced flush and a timer
	// firing cannot write concurrently.
	flushMu sync.Mutex
}

func newScheduler(noteID string, debounce, maxWait time.Duration, retries int, flush flushFunc) *scheduler {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if maxWait < debounce {
		maxWait = 5 * debounce
	}
	if retries < 1 {
		retries = 1
	}
	return &scheduler{
		noteID:   noteID,
		debounce: debounce,
		maxWait:  maxWait,
		retries:  retries,
		flush:    flush,
	}
}

// MarkDirty records an unpersisted change and (re)arms the debounce timer.
// The timer never extends past the deadline set by the first change of the
// current dirty window.
func (s *scheduler) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := time.Now()
	if !s.dirty {
		s.dirty = true
		s.deadline = now.Add(s.maxWait)
	}
	wait := s.debounce
	if remaining := s.deadline.Sub(now); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(wait, s.fire)
}

func (s *scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	if err := s.Force(context.Background()); err != nil {
		log.Printf("collab: note %s: flush failed, changes retained in memory: %v", s.noteID, err)
	}
}

// Force flushes immediately, bypassing the debounce window. It is a no-op
// when nothing is dirty. On failure the note stays dirty so the changes are
// retried by a later flush.
func (s *scheduler) Force(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	s.mu.Unlock()

	err := s.attempt(ctx)
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
	return err
}

// attempt runs the flush with exponential backoff between tries.
func (s *scheduler) attempt(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	var err error
	for i := 0; i < s.retries; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = s.flush(ctx); err == nil {
			return nil
		}
		log.Printf("collab: note %s: flush attempt %d/%d: %v", s.noteID, i+1, s.retries, err)
	}
	return err
}

// Dirty reports whether unpersisted changes are pending.
func (s *scheduler) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Close stops the timer. Pending changes are not flushed; callers force a
// final flush before closing.
func (s *scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
