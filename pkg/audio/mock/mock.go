// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.CaptureStream], [audio.Output], and [audio.Voice] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(audio.Format{SampleRate: 16000, Channels: 1})
//	mic := &mock.Microphone{Stream: stream}
//	out := &mock.Output{}
//	// ... run code under test ...
//	stream.Push(samples)
//	out.SetNow(time.Second)
//	out.Finish(0) // simulate natural end of the first scheduled buffer
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kineo-ai/kineo/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Tests feed
// samples with [CaptureStream.Push].
type CaptureStream struct {
	format  audio.Format
	samples chan []float32

	mu     sync.Mutex
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns an open stream reporting the given format. The
// sample channel is buffered generously so Push rarely blocks in tests.
func NewCaptureStream(format audio.Format) *CaptureStream {
	return &CaptureStream{format: format, samples: make(chan []float32, 256)}
}

// Format implements [audio.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Samples implements [audio.CaptureStream].
func (s *CaptureStream) Samples() <-chan []float32 { return s.samples }

// Push delivers a block of interleaved samples. It reports false once the
// stream has been closed.
func (s *CaptureStream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.samples <- samples
	return true
}

// Close implements [audio.CaptureStream]. Idempotent; the sample channel is
// closed on the first call.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.samples)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil, Open creates a fresh 16 kHz mono
	// stream per call.
	Stream *CaptureStream

	// OpenError is returned by Open. Set it to an error wrapping
	// [audio.ErrPermissionDenied] to simulate a refused prompt.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Opened records every stream handed out, in order.
	Opened []*CaptureStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	s := m.Stream
	if s == nil || s.Closed() {
		s = NewCaptureStream(audio.Format{SampleRate: 16000, Channels: 1})
	}
	m.Opened = append(m.Opened, s)
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Opened) == 0 {
		return nil
	}
	return m.Opened[len(m.Opened)-1]
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ErrOutputClosed is returned by [Output.Play] after Close.
var ErrOutputClosed = errors.New("mock: output closed")

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	// Buffer is the buffer passed to Play.
	Buffer *audio.Buffer

	// At is the requested start position.
	At time.Duration

	// Voice is the handle returned for this call.
	Voice *Voice

	onEnded func()
}

// Output is a mock implementation of [audio.Output] with a manually driven
// clock. Nothing plays by itself: tests call [Output.Finish] to simulate a
// buffer reaching its natural end.
type Output struct {
	mu  sync.Mutex
	now time.Duration

	// PlayError is returned by Play when non-nil.
	PlayError error

	// Plays records every successful Play invocation in order.
	Plays []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the output clock to d.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the output clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Play implements [audio.Output]. Records the call and returns a [Voice].
func (o *Output) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOutputClosed
	}
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	v := &Voice{}
	o.Plays = append(o.Plays, PlayCall{Buffer: buf, At: at, Voice: v, onEnded: onEnded})
	return v, nil
}

// Finish simulates natural completion of the i-th played buffer: its onEnded
// callback runs unless the voice was stopped. It reports whether the callback
// ran.
func (o *Output) Finish(i int) bool {
	o.mu.Lock()
	if i < 0 || i >= len(o.Plays) {
		o.mu.Unlock()
		return false
	}
	call := o.Plays[i]
	o.mu.Unlock()

	if !call.Voice.markEnded() || call.onEnded == nil {
		return false
	}
	call.onEnded()
	return true
}

// FinishStale invokes the i-th onEnded callback even if the voice was stopped,
// mimicking a platform that delivers a late end event after cancellation.
func (o *Output) FinishStale(i int) {
	o.mu.Lock()
	if i < 0 || i >= len(o.Plays) {
		o.mu.Unlock()
		return
	}
	cb := o.Plays[i].onEnded
	o.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// PlayCount returns the number of recorded Play calls.
func (o *Output) PlayCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Plays)
}

// Starts returns the start position of every recorded Play call.
func (o *Output) Starts() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]time.Duration, len(o.Plays))
	for i, p := range o.Plays {
		out[i] = p.At
	}
	return out
}

// Close implements [audio.Output]. Stops every voice.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	for _, p := range o.Plays {
		p.Voice.Stop()
	}
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is a mock implementation of [audio.Voice].
type Voice struct {
	mu      sync.Mutex
	stopped bool
	ended   bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountStop++
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) markEnded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped || v.ended {
		return false
	}
	v.ended = true
	return true
}
