// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script inbound events and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.Last()
//	sess.Emit(live.Event{Type: live.EventOpen})
//	sess.End(nil) // remote close
package mock

import (
	"context"
	"sync"

	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect when non-nil. Otherwise every Connect
	// creates a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session handed out, in order.
	Sessions []*Session
}

// Connect records the call and returns a session or ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.SessionHandle. Tests script the
// remote side with Emit and End.
type Session struct {
	events chan live.Event

	mu     sync.Mutex
	err    error
	ended  bool
	closed bool

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SendToolResultErr, if non-nil, is returned by SendToolResult.
	SendToolResultErr error

	audioFrames []audio.Frame
	toolResults []live.ToolResult
	closeCalls  int
}

// NewSession returns a session with a generously buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 256)}
}

// Ensure Session implements live.SessionHandle at compile time.
var _ live.SessionHandle = (*Session)(nil)

// Emit delivers ev to the consumer. It reports false if the stream already
// ended.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// End finishes the event stream. A non-nil err is delivered as a final
// EventError and reported by Err; nil simulates a clean remote close.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if err != nil {
		s.err = err
		s.events <- live.Event{Type: live.EventError, Err: err}
	}
	s.ended = true
	close(s.events)
}

// Events implements live.SessionHandle.
func (s *Session) Events() <-chan live.Event { return s.events }

// SendAudio records the frame.
func (s *Session) SendAudio(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audioFrames = append(s.audioFrames, frame)
	return nil
}

// SendToolResult records the result.
func (s *Session) SendToolResult(_ context.Context, result live.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendToolResultErr != nil {
		return s.SendToolResultErr
	}
	s.toolResults = append(s.toolResults, result)
	return nil
}

// Err implements live.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close marks the session closed and ends the event stream cleanly.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// AudioFrames returns a copy of every frame sent.
func (s *Session) AudioFrames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.audioFrames...)
}

// ToolResults returns a copy of every tool result sent.
func (s *Session) ToolResults() []live.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.ToolResult(nil), s.toolResults...)
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
