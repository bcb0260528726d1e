// Package playback schedules decoded model audio onto an [audio.Output] so that
// consecutive chunks play back-to-back without gaps or overlap, and can be
// silenced all at once when the user interrupts.
//
// The [Scheduler] keeps a single cursor on the output clock: the time at which
// the last scheduled buffer ends. Every new buffer starts at max(now, cursor),
// so a late chunk starts immediately and an early chunk queues behind the
// previous one.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kineo-ai/kineo/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithOnSpeaking registers a callback invoked after every successful Enqueue.
// It runs outside the scheduler lock.
func WithOnSpeaking(fn func()) Option {
	return func(s *Scheduler) {
		s.onSpeaking = fn
	}
}

// WithOnDrained registers a callback invoked when the last queued buffer ends
// naturally and the queue becomes empty. It is not invoked by Flush.
func WithOnDrained(fn func()) Option {
	return func(s *Scheduler) {
		s.onDrained = fn
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// item is one scheduled buffer. Items are compared by pointer identity.
type item struct {
	voice audio.Voice
	start time.Duration
	end   time.Duration
}

// Scheduler is the outbound playback queue.
//
// Invariant: queued items are ordered by start time and never overlap; each
// item's start is at or after the previous item's end.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out audio.Output
	log *slog.Logger

	onSpeaking func()
	onDrained  func()

	mu     sync.Mutex
	queue  []*item
	cursor time.Duration
	closed bool
}

// New creates a Scheduler playing onto out. The cursor starts at zero.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out: out,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at max(out.Now(), cursor) and advances the
// cursor by the buffer duration. It returns the scheduled start time.
//
// A buffer with zero frames is accepted and scheduled like any other; it
// simply does not move the cursor.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	start := max(s.out.Now(), s.cursor)
	it := &item{start: start, end: start + buf.Duration()}

	voice, err := s.out.Play(buf, start, func() { s.ended(it) })
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	it.voice = voice
	s.queue = append(s.queue, it)
	s.cursor = it.end
	onSpeaking := s.onSpeaking
	s.mu.Unlock()

	if onSpeaking != nil {
		onSpeaking()
	}
	return start, nil
}

// ended removes it from the queue on natural completion. Completions for
// items that were already flushed are ignored.
func (s *Scheduler) ended(it *item) {
	s.mu.Lock()
	idx := -1
	for i, q := range s.queue {
		if q == it {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	if idx != 0 {
		s.log.Debug("playback: buffer ended out of order", "index", idx, "queued", len(s.queue))
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	drained := len(s.queue) == 0
	onDrained := s.onDrained
	s.mu.Unlock()

	if drained && onDrained != nil {
		onDrained()
	}
}

// Flush stops every queued buffer, empties the queue and resets the cursor to
// zero. It returns the number of buffers stopped. Flushing an empty scheduler
// is a no-op.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Scheduler) flushLocked() int {
	n := len(s.queue)
	for _, it := range s.queue {
		if it.voice != nil {
			it.voice.Stop()
		}
	}
	s.queue = nil
	s.cursor = 0
	return n
}

// Len returns the number of buffers scheduled or playing.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Cursor returns the output-clock time at which the last queued buffer ends.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Schedule returns the start and end times of every queued buffer in order.
func (s *Scheduler) Schedule() [][2]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]time.Duration, len(s.queue))
	for i, it := range s.queue {
		out[i] = [2]time.Duration{it.start, it.end}
	}
	return out
}

// Close flushes the queue and rejects further Enqueue calls. It does not close
// the underlying output. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	s.closed = true
}
