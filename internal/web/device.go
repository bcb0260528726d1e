package web

import (
	"context"
	"fmt"
	"sync"

	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/audio/capture"
)

// streamBuffer bounds the number of browser frames waiting for the capture
// pipeline. Frames beyond it are dropped.
const streamBuffer = 64

// browserMicrophone is an [audio.Microphone] fed by binary WebSocket frames.
// The browser performs the permission prompt itself and reports the outcome
// and its capture format with the activate message.
type browserMicrophone struct {
	mu      sync.Mutex
	granted bool
	format  audio.Format
	stream  *browserStream
}

var _ audio.Microphone = (*browserMicrophone)(nil)

// configure records the permission outcome and format of the next Open.
// Zero values default to the transmit format.
func (m *browserMicrophone) configure(granted bool, sampleRate, channels int) {
	if sampleRate == 0 {
		sampleRate = capture.SampleRate
	}
	if channels == 0 {
		channels = capture.Channels
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = granted
	m.format = audio.Format{SampleRate: sampleRate, Channels: channels}
}

// Open implements [audio.Microphone]. Any previously opened stream is closed.
func (m *browserMicrophone) Open(_ context.Context) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.granted {
		return nil, fmt.Errorf("web: browser microphone: %w", audio.ErrPermissionDenied)
	}
	if m.stream != nil {
		_ = m.stream.Close()
	}
	m.stream = &browserStream{format: m.format, samples: make(chan []float32, streamBuffer)}
	return m.stream, nil
}

// push forwards samples to the open stream. It reports false when no stream
// is open or the stream is saturated.
func (m *browserMicrophone) push(samples []float32) bool {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.push(samples)
}

// close closes the current stream, if any.
func (m *browserMicrophone) close() {
	m.mu.Lock()
	s := m.stream
	m.stream = nil
	m.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

type browserStream struct {
	format  audio.Format
	samples chan []float32

	mu     sync.Mutex
	closed bool
}

var _ audio.CaptureStream = (*browserStream)(nil)

func (s *browserStream) Format() audio.Format      { return s.format }
func (s *browserStream) Samples() <-chan []float32 { return s.samples }

func (s *browserStream) push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.samples <- samples:
		return true
	default:
		return false
	}
}

// Close ends the sample channel. Idempotent.
func (s *browserStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.samples)
	}
	return nil
}
