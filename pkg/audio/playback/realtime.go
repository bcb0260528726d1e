package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/kineo-ai/kineo/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*RealtimeOutput)(nil)

// ErrOutputClosed is returned by [RealtimeOutput.Play] after Close.
var ErrOutputClosed = errors.New("playback: output closed")

// Sink receives PCM16 little-endian audio at the moment it should start
// playing. Implementations must not block for long; they run on timer
// goroutines.
type Sink func(pcm []byte, format audio.Format)

// RealtimeOption configures a [RealtimeOutput].
type RealtimeOption func(*RealtimeOutput)

// WithOnCancel registers a callback invoked when a voice that has already been
// handed to the sink is stopped before its natural end. Remote players use it
// to discard audio they have buffered.
func WithOnCancel(fn func()) RealtimeOption {
	return func(o *RealtimeOutput) {
		o.onCancel = fn
	}
}

// RealtimeOutput is an [audio.Output] driven by the wall clock. Each played
// buffer is converted back to PCM16 and delivered to the sink when its start
// time arrives; onEnded fires once the buffer duration has elapsed after that.
//
// It paces audio for a remote player (the browser) that plays chunks as soon as
// they arrive.
type RealtimeOutput struct {
	sink     Sink
	onCancel func()
	epoch    time.Time

	mu     sync.Mutex
	voices map[*realtimeVoice]struct{}
	closed bool
}

// NewRealtimeOutput returns an output whose clock starts at zero now.
func NewRealtimeOutput(sink Sink, opts ...RealtimeOption) *RealtimeOutput {
	o := &RealtimeOutput{
		sink:   sink,
		epoch:  time.Now(),
		voices: make(map[*realtimeVoice]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Now implements [audio.Output].
func (o *RealtimeOutput) Now() time.Duration {
	return time.Since(o.epoch)
}

// Play implements [audio.Output].
func (o *RealtimeOutput) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOutputClosed
	}

	pcm := audio.FloatToPCM16(audio.Interleave(buf))
	format := audio.Format{SampleRate: buf.SampleRate, Channels: len(buf.Channels)}
	delay := max(at-o.Now(), 0)
	dur := buf.Duration()

	v := &realtimeVoice{out: o}
	o.voices[v] = struct{}{}
	v.startTimer = time.AfterFunc(delay, func() {
		if !v.begin() {
			return
		}
		if o.sink != nil {
			o.sink(pcm, format)
		}
		// The end timer starts only after delivery so onEnded never precedes
		// the sink call.
		v.armEnd(dur, func() {
			o.forget(v)
			if onEnded != nil {
				onEnded()
			}
		})
	})
	return v, nil
}

func (o *RealtimeOutput) forget(v *realtimeVoice) {
	o.mu.Lock()
	delete(o.voices, v)
	o.mu.Unlock()
}

// Close stops every voice and rejects further Play calls. Idempotent.
func (o *RealtimeOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := make([]*realtimeVoice, 0, len(o.voices))
	for v := range o.voices {
		voices = append(voices, v)
	}
	o.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// Active returns the number of voices not yet ended or stopped.
func (o *RealtimeOutput) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.voices)
}

type voiceState int

const (
	voicePending voiceState = iota
	voicePlaying
	voiceDone
)

type realtimeVoice struct {
	out        *RealtimeOutput
	startTimer *time.Timer
	endTimer   *time.Timer

	mu    sync.Mutex
	state voiceState
}

func (v *realtimeVoice) begin() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != voicePending {
		return false
	}
	v.state = voicePlaying
	return true
}

func (v *realtimeVoice) armEnd(d time.Duration, fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != voicePlaying {
		return
	}
	v.endTimer = time.AfterFunc(d, func() {
		if v.finish() {
			fn()
		}
	})
}

func (v *realtimeVoice) finish() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == voiceDone {
		return false
	}
	v.state = voiceDone
	return true
}

// Stop implements [audio.Voice].
func (v *realtimeVoice) Stop() {
	v.mu.Lock()
	prev := v.state
	v.state = voiceDone
	endTimer := v.endTimer
	v.mu.Unlock()
	if prev == voiceDone {
		return
	}

	v.startTimer.Stop()
	if endTimer != nil {
		endTimer.Stop()
	}
	v.out.forget(v)
	if prev == voicePlaying && v.out.onCancel != nil {
		v.out.onCancel()
	}
}
