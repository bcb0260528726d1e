package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDecode is returned by [DecodeBytes] when the input is not valid
	// transport encoding.
	ErrDecode = errors.New("audio: malformed transport encoding")

	// ErrMalformedAudio is returned by [PCM16ToFloat] when the byte length does
	// not divide into whole 16-bit frames for the requested channel count.
	ErrMalformedAudio = errors.New("audio: malformed pcm data")
)

// pcmScale is the factor between float samples in [-1, 1] and int16 PCM.
const pcmScale = 32768.0

// EncodeBytes encodes b into the text-safe transport representation used on
// the wire (standard padded base64). DecodeBytes(EncodeBytes(b)) == b for all b.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBytes is the inverse of [EncodeBytes]. Characters outside the base64
// alphabet or broken padding yield an error wrapping [ErrDecode].
func DecodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// FloatToPCM16 converts float samples to signed 16-bit little-endian PCM.
// Each sample is scaled by 32768 and truncated toward zero. Values outside
// [-1, 1) are clamped to the int16 range instead of wrapping, so a full-scale
// positive sample of 1.0 becomes 32767.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * pcmScale
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		n := int16(v)
		out[i*2] = byte(n)
		out[i*2+1] = byte(n >> 8)
	}
	return out
}

// PCM16ToFloat deinterleaves 16-bit little-endian PCM into one float slice per
// channel, dividing every sample by 32768. Each channel holds
// len(pcm)/2/channels samples.
//
// Returns an error wrapping [ErrMalformedAudio] if sampleRate or channels is
// not positive, or if len(pcm) is not a multiple of 2*channels.
func PCM16ToFloat(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d, channels %d", ErrMalformedAudio, sampleRate, channels)
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudio, len(pcm), 2*channels)
	}

	frames := len(pcm) / 2 / channels
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for ch := range channels {
		data := make([]float32, frames)
		for i := range frames {
			off := (i*channels + ch) * 2
			s := int16(pcm[off]) | int16(pcm[off+1])<<8
			data[i] = float32(float64(s) / pcmScale)
		}
		buf.Channels[ch] = data
	}
	return buf, nil
}

// Interleave flattens a planar buffer back into interleaved float samples.
func Interleave(b *Buffer) []float32 {
	frames := b.Frames()
	channels := len(b.Channels)
	out := make([]float32, frames*channels)
	for ch, data := range b.Channels {
		for i := range frames {
			out[i*channels+ch] = data[i]
		}
	}
	return out
}
