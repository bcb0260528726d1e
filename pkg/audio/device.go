// Package audio defines the audio representations and device contracts used by
// the Kineo voice assistant.
//
// The package has three parts:
//
//   - The PCM codec ([EncodeBytes], [DecodeBytes], [FloatToPCM16],
//     [PCM16ToFloat]) that converts between float sample buffers, 16-bit
//     little-endian PCM, and the text-safe transport encoding.
//   - Format helpers for resampling and downmixing.
//   - Device contracts: [Microphone] and [CaptureStream] on the input side,
//     [Output] and [Voice] on the playback side.
//
// Concrete devices live elsewhere: the browser bridge in internal/web, the
// wall-clock output in pkg/audio/playback, and test doubles in pkg/audio/mock.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Microphone.Open] when the user or the
// operating system refuses microphone access. It is terminal for the current
// activation attempt; callers must not retry automatically.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Microphone acquires exclusive capture handles.
type Microphone interface {
	// Open starts capturing. The returned stream is owned by the caller, who
	// must Close it. Returns an error wrapping [ErrPermissionDenied] when
	// access is refused.
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an open microphone track.
//
// Implementations must be safe for concurrent use; Close may race with
// readers of Samples.
type CaptureStream interface {
	// Format reports the device sample rate and channel count of Samples.
	Format() Format

	// Samples delivers interleaved float samples in [-1, 1] as the device
	// produces them. The channel is closed when capture stops.
	Samples() <-chan []float32

	// Close stops the track and releases the device. Idempotent.
	Close() error
}

// Output is an audio output context with its own clock, the playback side of
// the assistant.
//
// Implementations must be safe for concurrent use. onEnded callbacks may run
// on any goroutine.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Play schedules buf to start at the given clock position. onEnded is
	// invoked once when playback of the buffer completes naturally, never from
	// within Play itself. A start time in the past begins playback immediately.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops all voices and releases the context. Idempotent.
	Close() error
}

// Voice is the handle of one scheduled buffer.
type Voice interface {
	// Stop cancels the buffer whether it is pending or already playing.
	// Stopping a finished or stopped voice is a no-op.
	Stop()
}
