// Package gemini connects the assistant to Google's Gemini Live API.
//
// A session is one BidiGenerateContent WebSocket. Microphone frames go out as
// realtimeInput media chunks; model speech, function calls and interruption
// signals come back as a single ordered stream of [live.Event] values.
package gemini

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
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	defaultEndpoint = "wss://generativelanguage.googleapis.com/ws"
	bidiPath        = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	pingEvery   = 20 * time.Second
	pingTimeout = 5 * time.Second

	// Model audio chunks can exceed the 32 KiB websocket default.
	readLimit = 16 << 20

	eventBuffer = 64
)

// ── Options ──────────────────────────────────────────────────────────────────

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

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider opens Gemini Live sessions.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// New returns a Provider. apiKey is used when the session config carries
// no key of its own.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel, endpoint: defaultEndpoint}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capabilities reports the audio formats and voices of the Live API.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    16000,
		OutputSampleRate:   live.OutputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect dials the endpoint and sends the setup frame. The handle emits
// [live.EventOpen] once the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	key := cmp.Or(cfg.APIKey, p.apiKey)
	conn, _, err := websocket.Dial(ctx, p.endpoint+bidiPath+"?key="+url.QueryEscape(key), &websocket.DialOptions{
		HTTPClient: p.client,
		HTTPHeader: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, events: make(chan live.Event, eventBuffer), ctx: sctx, cancel: cancel}

	if err := s.write(ctx, clientMessage{Setup: setupFor(cmp.Or(cfg.Model, p.model), cfg)}); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// setupFor builds the setup frame: audio-only responses, the optional
// system instruction and voice, and the declared tools.
func setupFor(model string, cfg live.SessionConfig) *setup {
	st := &setup{
		Model:            "models/" + model,
		GenerationConfig: generation{ResponseModalities: []string{"AUDIO"}},
	}
	if cfg.SystemInstruction != "" {
		st.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.Voice != "" {
		st.GenerationConfig.SpeechConfig = voice(cfg.Voice)
	}
	if len(cfg.Tools) > 0 {
		decls := make([]declaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, declaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		st.Tools = []toolDeclaration{{FunctionDeclarations: decls}}
	}
	return st
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event

	// ctx is cancelled by Close; both background loops watch it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *session) write(ctx context.Context, msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop turns server frames into events. It owns the events channel and
// closes it on exit. A local Close or a normal remote close ends the stream
// without an error event.
func (s *session) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			s.fail(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if !s.dispatch(&msg) {
			return
		}
	}
}

// dispatch emits the events one server frame carries, in the order setup
// ack, tool calls, audio parts, interruption. It reports false once the
// session has to end.
func (s *session) dispatch(msg *serverMessage) bool {
	if msg.Error != nil {
		s.fail(msg.Error)
		return false
	}

	var evs []live.Event
	if msg.SetupComplete != nil {
		evs = append(evs, live.Event{Type: live.EventOpen})
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]live.FunctionCall, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			calls = append(calls, live.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		evs = append(evs, live.Event{Type: live.EventToolCall, Calls: calls})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					evs = append(evs, live.Event{
						Type:  live.EventAudio,
						Audio: live.Media{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType},
					})
				}
			}
		}
		if sc.Interrupted {
			evs = append(evs, live.Event{Type: live.EventInterrupted})
		}
	}

	for _, ev := range evs {
		if !s.emit(ev) {
			return false
		}
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

// pingLoop keeps idle connections open through proxies.
func (s *session) pingLoop() {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			_ = s.conn.Ping(ctx)
			cancel()
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── live.SessionHandle ───────────────────────────────────────────────────────

func (s *session) Events() <-chan live.Event { return s.events }

// SendAudio sends one microphone frame as a realtimeInput media chunk.
func (s *session) SendAudio(ctx context.Context, frame audio.Frame) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	msg := clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []blob{{MIMEType: frame.MIMEType, Data: frame.Data}},
	}}
	if err := s.write(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// SendToolResult answers one function call with {"result": text}.
func (s *session) SendToolResult(ctx context.Context, result live.ToolResult) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	msg := clientMessage{ToolResponse: &toolResponse{
		FunctionResponses: []functionResponse{{
			ID:       result.ID,
			Name:     result.Name,
			Response: map[string]any{"result": result.Result},
		}},
	}}
	if err := s.write(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send tool result: %w", err)
	}
	return nil
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. The normal-closure frame is best effort since the
// remote side may already be gone.
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
