package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Frame is one encoded block of microphone audio ready for transmission.
// Frames are produced continuously while a session is active and consumed
// immediately by the transport; nothing retains them afterwards.
type Frame struct {
	// Data is the transport-encoded PCM16 payload (see [EncodeBytes]).
	Data string

	// MIMEType tags the payload for the remote endpoint, e.g.
	// "audio/pcm;rate=16000".
	MIMEType string

	// SampleRate in Hz of the encoded PCM.
	SampleRate int

	// Channels in the encoded PCM (1 for the microphone path).
	Channels int

	// Seq is the capture order of the frame, starting at 1.
	Seq uint64
}

// Buffer is a decoded block of planar float audio, the unit handed to an
// [Output] for scheduled playback.
type Buffer struct {
	// SampleRate in Hz. Must be > 0.
	SampleRate int

	// Channels holds one sample slice per channel. All slices have the same
	// length; samples are in [-1, 1].
	Channels [][]float32
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}
