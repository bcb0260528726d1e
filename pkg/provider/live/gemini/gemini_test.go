package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/provider/live"
	"github.com/kineo-ai/kineo/pkg/provider/live/gemini"
)

const waitFor = 3 * time.Second

// ── Fake endpoint ────────────────────────────────────────────────────────────

// ending says what the fake does once its scripted replies are written.
type ending int

const (
	hold          ending = iota // keep reading client frames until the client leaves
	closeNormal                 // close with StatusNormalClosure
	closeAbnormal               // close with StatusInternalError
)

// fake is a scripted BidiGenerateContent endpoint. Every client frame,
// setup first, lands on frames; the handshake's key parameter lands on keys.
type fake struct {
	url    string
	keys   chan string
	frames chan []byte
}

type script struct {
	noAck   bool  // withhold setupComplete
	replies []any // server frames written after the ack
	end     ending
}

func startFake(t *testing.T, sc script) *fake {
	t.Helper()
	f := &fake{keys: make(chan string, 1), frames: make(chan []byte, 64)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.keys <- r.URL.Query().Get("key")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_, setup, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f.frames <- setup

		if !sc.noAck {
			sc.replies = append([]any{map[string]any{"setupComplete": map[string]any{}}}, sc.replies...)
		}
		for _, reply := range sc.replies {
			data, _ := json.Marshal(reply)
			if conn.Write(ctx, websocket.MessageText, data) != nil {
				return
			}
		}

		switch sc.end {
		case closeNormal:
			_ = conn.Close(websocket.StatusNormalClosure, "")
		case closeAbnormal:
			_ = conn.Close(websocket.StatusInternalError, "boom")
		default:
			for {
				_, data, err := conn.Read(context.Background())
				if err != nil {
					return
				}
				select {
				case f.frames <- data:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *fake) provider(key string, opts ...gemini.Option) *gemini.Provider {
	return gemini.New(key, append(opts, gemini.WithBaseURL(f.url))...)
}

// next decodes the next client frame into v.
func (f *fake) next(t *testing.T, v any) {
	t.Helper()
	select {
	case data := <-f.frames:
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("decode client frame %s: %v", data, err)
		}
	case <-time.After(waitFor):
		t.Fatal("no client frame received")
	}
}

func (f *fake) key(t *testing.T) string {
	t.Helper()
	select {
	case k := <-f.keys:
		return k
	case <-time.After(waitFor):
		t.Fatal("no handshake received")
		return ""
	}
}

func connect(t *testing.T, p *gemini.Provider, cfg live.SessionConfig) live.SessionHandle {
	t.Helper()
	h, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// nextEvent waits for the next event. ok is false once the stream closed.
func nextEvent(t *testing.T, h live.SessionHandle) (ev live.Event, ok bool) {
	t.Helper()
	select {
	case ev, ok = <-h.Events():
		return ev, ok
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for event")
		return live.Event{}, false
	}
}

func expectEvent(t *testing.T, h live.SessionHandle, want live.EventType) live.Event {
	t.Helper()
	ev, ok := nextEvent(t, h)
	if !ok {
		t.Fatalf("event stream closed, want %v", want)
	}
	if ev.Type != want {
		t.Fatalf("event = %v, want %v", ev.Type, want)
	}
	return ev
}

// setupFrame mirrors the fields of the setup frame the tests inspect.
type setupFrame struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		Tools []struct {
			FunctionDeclarations []struct {
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"functionDeclarations"`
		} `json:"tools"`
	} `json:"setup"`
}

// ── Provider ─────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("no voices advertised")
	}
}

func TestConnect_ModelSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		opts  []gemini.Option
		model string
		want  string
	}{
		{name: "default", want: "models/" + gemini.DefaultModel},
		{name: "provider option", opts: []gemini.Option{gemini.WithModel("custom-model")}, want: "models/custom-model"},
		{name: "session overrides option", opts: []gemini.Option{gemini.WithModel("custom-model")}, model: "per-session", want: "models/per-session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := startFake(t, script{noAck: true})
			connect(t, f.provider("key", tt.opts...), live.SessionConfig{Model: tt.model})

			var got setupFrame
			f.next(t, &got)
			if got.Setup.Model != tt.want {
				t.Errorf("model = %q, want %q", got.Setup.Model, tt.want)
			}
		})
	}
}

func TestConnect_APIKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		provider string
		session  string
		want     string
	}{
		{"provider key", "secret key", "", "secret key"},
		{"session key wins", "config-key", "user-key", "user-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := startFake(t, script{})
			connect(t, f.provider(tt.provider), live.SessionConfig{APIKey: tt.session})
			if got := f.key(t); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_SetupFrame(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	cfg := live.SessionConfig{
		SystemInstruction: "Be concise and confirm actions.",
		Voice:             "Kore",
		Tools: []live.FunctionDeclaration{{
			Name:        "navigateTo",
			Description: "Navigates to a page",
			Parameters:  map[string]any{"type": "object", "required": []string{"page"}},
		}},
	}
	connect(t, f.provider("key"), cfg)

	var got setupFrame
	f.next(t, &got)
	st := got.Setup
	if m := st.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", m)
	}
	if sc := st.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("speechConfig = %+v, want voice Kore", sc)
	}
	if si := st.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != cfg.SystemInstruction {
		t.Errorf("systemInstruction = %+v", si)
	}
	if len(st.Tools) != 1 || len(st.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", st.Tools)
	}
	if d := st.Tools[0].FunctionDeclarations[0]; d.Name != "navigateTo" || d.Parameters["type"] != "object" {
		t.Errorf("declaration = %+v", d)
	}
}

func TestConnect_MinimalSetupOmitsOptionalFields(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	connect(t, f.provider("key"), live.SessionConfig{})

	var raw struct {
		Setup map[string]json.RawMessage `json:"setup"`
	}
	f.next(t, &raw)
	for _, field := range []string{"systemInstruction", "tools"} {
		if _, ok := raw.Setup[field]; ok {
			t.Errorf("setup carries %q without configuration", field)
		}
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.provider("key").Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect with a cancelled context succeeded")
	}
}

// ── Events ───────────────────────────────────────────────────────────────────

func TestEvents_OpenOnSetupComplete(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	h := connect(t, f.provider("key"), live.SessionConfig{})
	expectEvent(t, h, live.EventOpen)
}

func TestEvents_OrderWithinFrame(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{replies: []any{map[string]any{
		"toolCall": map[string]any{
			"functionCalls": []map[string]any{
				{"id": "c1", "name": "navigateTo", "args": map[string]any{"page": "studio"}},
				{"id": "c2", "name": "createProject", "args": map[string]any{"clientName": "Acme", "projectName": "Spring", "price": 1200}},
			},
		},
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []map[string]any{
					{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAABAA=="}},
					{"text": "ignored"},
					{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AgADAA=="}},
				},
			},
			"interrupted": true,
		},
	}}})
	h := connect(t, f.provider("key"), live.SessionConfig{})

	expectEvent(t, h, live.EventOpen)
	calls := expectEvent(t, h, live.EventToolCall).Calls
	first := expectEvent(t, h, live.EventAudio)
	second := expectEvent(t, h, live.EventAudio)
	expectEvent(t, h, live.EventInterrupted)

	if len(calls) != 2 || calls[0].ID != "c1" || calls[1].Name != "createProject" {
		t.Fatalf("calls = %+v", calls)
	}
	var args struct {
		Page string `json:"page"`
	}
	if err := json.Unmarshal(calls[0].Args, &args); err != nil || args.Page != "studio" {
		t.Errorf("args = %s (%v)", calls[0].Args, err)
	}
	if first.Audio.Data != "AAABAA==" || second.Audio.Data != "AgADAA==" {
		t.Errorf("audio = %q, %q", first.Audio.Data, second.Audio.Data)
	}
	if first.Audio.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("mime type = %q", first.Audio.MIMEType)
	}
}

func TestEvents_UndecodableFrameSkipped(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{replies: []any{
		"not an object",
		map[string]any{"serverContent": map[string]any{"interrupted": true}},
	}})
	h := connect(t, f.provider("key"), live.SessionConfig{})

	expectEvent(t, h, live.EventOpen)
	expectEvent(t, h, live.EventInterrupted)
}

func TestEvents_Termination(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      script
		wantErr string // empty: the stream ends cleanly
	}{
		{
			name:    "server error frame",
			sc:      script{replies: []any{map[string]any{"error": map[string]any{"code": 403, "message": "API key not valid"}}}},
			wantErr: "API key not valid",
		},
		{name: "abnormal close", sc: script{end: closeAbnormal}, wantErr: "read"},
		{name: "normal close", sc: script{end: closeNormal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := startFake(t, tt.sc)
			h := connect(t, f.provider("key"), live.SessionConfig{})
			expectEvent(t, h, live.EventOpen)

			if tt.wantErr != "" {
				ev := expectEvent(t, h, live.EventError)
				if !strings.Contains(ev.Err.Error(), tt.wantErr) {
					t.Errorf("err = %v, want it to mention %q", ev.Err, tt.wantErr)
				}
				if h.Err() == nil {
					t.Error("Err() is nil after a fatal event")
				}
			}
			if ev, ok := nextEvent(t, h); ok {
				t.Fatalf("unexpected event %v, want the stream closed", ev.Type)
			}
			if tt.wantErr == "" && h.Err() != nil {
				t.Errorf("Err() = %v after a normal close", h.Err())
			}
		})
	}
}

// ── Sending ──────────────────────────────────────────────────────────────────

func TestSendAudio(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	h := connect(t, f.provider("key"), live.SessionConfig{})
	f.next(t, &setupFrame{})

	frame := audio.Frame{Data: audio.EncodeBytes([]byte{1, 2, 3, 4}), MIMEType: "audio/pcm;rate=16000"}
	if err := h.SendAudio(context.Background(), frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var got struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	f.next(t, &got)
	chunks := got.RealtimeInput.MediaChunks
	if len(chunks) != 1 || chunks[0].MIMEType != frame.MIMEType || chunks[0].Data != frame.Data {
		t.Errorf("media chunks = %+v, want the sent frame", chunks)
	}
}

func TestSendToolResult(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	h := connect(t, f.provider("key"), live.SessionConfig{})
	f.next(t, &setupFrame{})

	res := live.ToolResult{ID: "c9", Name: "navigateTo", Result: "Navigating to studio."}
	if err := h.SendToolResult(context.Background(), res); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	var got struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}
	f.next(t, &got)
	frs := got.ToolResponse.FunctionResponses
	if len(frs) != 1 {
		t.Fatalf("functionResponses = %d, want 1", len(frs))
	}
	if frs[0].ID != "c9" || frs[0].Name != "navigateTo" || frs[0].Response["result"] != res.Result {
		t.Errorf("response = %+v", frs[0])
	}
}

func TestSend_AfterClose(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	h := connect(t, f.provider("key"), live.SessionConfig{})
	_ = h.Close()

	if err := h.SendAudio(context.Background(), audio.Frame{}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio = %v, want ErrSessionClosed", err)
	}
	if err := h.SendToolResult(context.Background(), live.ToolResult{ID: "x"}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendToolResult = %v, want ErrSessionClosed", err)
	}
}

func TestSendAudio_Concurrent(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	h := connect(t, f.provider("key"), live.SessionConfig{})

	frame := audio.Frame{Data: "AQIDBA==", MIMEType: "audio/pcm;rate=16000"}
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = h.SendAudio(context.Background(), frame)
			}
		})
	}
	wg.Wait()
}

// ── Close ────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndEndsStream(t *testing.T) {
	t.Parallel()
	f := startFake(t, script{})
	h := connect(t, f.provider("key"), live.SessionConfig{})

	for i := range 2 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}

	deadline := time.After(waitFor)
	for {
		select {
		case _, open := <-h.Events():
			if !open {
				if err := h.Err(); err != nil {
					t.Errorf("Err() = %v after a local close", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}
