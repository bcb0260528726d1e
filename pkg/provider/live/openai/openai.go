// Package openai connects the assistant to OpenAI's Realtime API.
//
// Both directions carry 24 kHz PCM16, so 16 kHz microphone frames are
// resampled before they are appended to the input buffer. Server events map
// onto the [live.Event] stream: session.updated opens the session, audio
// deltas become audio events, the function calls of one response become one
// tool batch when the response is done, and server VAD detecting speech is
// an interruption. Server "error" events are recoverable and surface as
// warnings; only transport failures end the session.
package openai

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

var (
	_ live.Provider      = (*Provider)(nil)
	_ live.SessionHandle = (*session)(nil)
)

const (
	defaultModel    = "gpt-4o-realtime-preview"
	defaultEndpoint = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the PCM16 sample rate of both directions.
	realtimeRate = 24000

	outputMIMEType = "audio/pcm;rate=24000"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when the session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another WebSocket endpoint, such as a
// local test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider opens Realtime API sessions.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New returns a Provider. apiKey is used when the session config carries
// no key of its own.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, endpoint: defaultEndpoint}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capabilities reports the Realtime API formats and voices. InputSampleRate
// reports the microphone rate accepted by SendAudio; frames
// are resampled to the wire rate internally.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    16000,
		OutputSampleRate:   realtimeRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the endpoint and sends session.update. The handle emits
// [live.EventOpen] once the server confirms with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	model := cmp.Or(cfg.Model, p.model)
	conn, _, err := websocket.Dial(ctx, p.endpoint+"?model="+url.QueryEscape(model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + cmp.Or(cfg.APIKey, p.apiKey)},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, events: make(chan live.Event, 64), ctx: sctx, cancel: cancel}

	if err := s.write(ctx, clientEvent{Type: "session.update", Session: sessionFor(cfg)}); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// sessionFor builds the session.update payload: PCM16 both ways, server VAD
// turn detection, and the declared tools as functions.
func sessionFor(cfg live.SessionConfig) *sessionState {
	st := &sessionState{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	for _, t := range cfg.Tools {
		st.Tools = append(st.Tools, function{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return st
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event

	ctx    context.Context
	cancel context.CancelFunc

	// calls collects the function calls of the response in progress. Only
	// readLoop touches it.
	calls []live.FunctionCall

	mu     sync.Mutex
	err    error
	closed bool
	opened bool

	// awaiting holds the call ids of emitted batches that have no output yet.
	// The model is asked to continue once the last one is answered.
	awaiting map[string]struct{}
}

func (s *session) write(ctx context.Context, ev clientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop translates server events until the connection ends. It owns the
// events channel and closes it on exit; a local Close or a normal remote close
// ends the stream without an error event.
func (s *session) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					s.fail(fmt.Errorf("openai: read: %w", err))
				}
			}
			return
		}

		var ev serverEvent
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		if !s.handle(&ev) {
			return
		}
	}
}

// handle reports false once the session has to end.
func (s *session) handle(ev *serverEvent) bool {
	switch ev.Type {
	case "session.updated":
		// Later session.updated acks must not reopen the session.
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first {
			return s.emit(live.Event{Type: live.EventOpen})
		}
	case "response.audio.delta":
		if ev.Delta != "" {
			return s.emit(live.Event{
				Type:  live.EventAudio,
				Audio: live.Media{Data: ev.Delta, MIMEType: outputMIMEType},
			})
		}
	case "response.function_call_arguments.done":
		call := live.FunctionCall{ID: ev.CallID, Name: ev.Name}
		if ev.Arguments != "" {
			call.Args = json.RawMessage(ev.Arguments)
		}
		s.calls = append(s.calls, call)
	case "response.done":
		if len(s.calls) == 0 {
			return true
		}
		calls := s.calls
		s.calls = nil
		s.mu.Lock()
		if s.awaiting == nil {
			s.awaiting = make(map[string]struct{}, len(calls))
		}
		for _, c := range calls {
			s.awaiting[c.ID] = struct{}{}
		}
		s.mu.Unlock()
		return s.emit(live.Event{Type: live.EventToolCall, Calls: calls})
	case "input_audio_buffer.speech_started":
		return s.emit(live.Event{Type: live.EventInterrupted})
	case "error":
		return s.emit(live.Event{Type: live.EventWarning, Err: ev.Error})
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail keeps the first terminal error and emits it as an event.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.emit(live.Event{Type: live.EventError, Err: err})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── live.SessionHandle ───────────────────────────────────────────────────────

func (s *session) Events() <-chan live.Event { return s.events }

// SendAudio resamples a microphone frame to 24 kHz and appends it to the
// input audio buffer.
func (s *session) SendAudio(ctx context.Context, frame audio.Frame) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	pcm, err := audio.DecodeBytes(frame.Data)
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	if frame.SampleRate > 0 && frame.SampleRate != realtimeRate {
		pcm = audio.ResampleMono16(pcm, frame.SampleRate, realtimeRate)
	}
	if err := s.write(ctx, clientEvent{Type: "input_audio_buffer.append", Audio: audio.EncodeBytes(pcm)}); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// SendToolResult returns a function_call_output item. After the last
// outstanding call of the pending batches is answered it asks the model to
// continue with a single response.create.
func (s *session) SendToolResult(ctx context.Context, result live.ToolResult) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	item := &outputItem{Type: "function_call_output", CallID: result.ID, Output: result.Result}
	if err := s.write(ctx, clientEvent{Type: "conversation.item.create", Item: item}); err != nil {
		return fmt.Errorf("openai: send tool result: %w", err)
	}

	s.mu.Lock()
	delete(s.awaiting, result.ID)
	resume := len(s.awaiting) == 0
	s.mu.Unlock()
	if !resume {
		return nil
	}
	if err := s.write(ctx, clientEvent{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: send tool result: %w", err)
	}
	return nil
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session; the closure frame is best effort.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
