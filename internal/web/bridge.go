package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kineo-ai/kineo/internal/assistant"
	"github.com/kineo-ai/kineo/internal/resilience"
	"github.com/kineo-ai/kineo/internal/studio"
	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/audio/playback"
)

// outboxSize bounds the writer queue of one connection.
const outboxSize = 256

// User-facing error texts.
const (
	textMissingKey  = "API Key not found. Please configure it first."
	textMicDenied   = "Microphone access was denied."
	textBusy        = "The assistant is already active."
	textUnavailable = "The assistant is temporarily unavailable. Please try again later."
	textFailed      = "Could not start the assistant."
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// bridge connects one browser WebSocket to one [assistant.Assistant]. All
// writes go through a single writer goroutine.
type bridge struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	outbox chan frame

	mic  *browserMicrophone
	asst *assistant.Assistant

	// activations tracks in-flight Activate calls.
	activations sync.WaitGroup
}

func newBridge(ctx context.Context, srv *Server, conn *websocket.Conn) *bridge {
	ctx, cancel := context.WithCancel(ctx)
	b := &bridge{
		srv:    srv,
		conn:   conn,
		log:    srv.logger.With("conn_id", uuid.NewString()),
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan frame, outboxSize),
		mic:    &browserMicrophone{},
	}

	opts := srv.assistantOptions()
	opts = append(opts,
		assistant.WithLogger(b.log),
		assistant.WithMetrics(srv.metrics),
		assistant.WithStatusListener(b.sendStatus),
	)
	b.asst = assistant.New(srv.provider, srv.creds, b.mic, b.newOutput, srv.dispatcher, opts...)
	return b
}

func (b *bridge) newOutput() (audio.Output, error) {
	return playback.NewRealtimeOutput(b.sendAudio, playback.WithOnCancel(b.sendClear)), nil
}

// run serves the connection until the browser disconnects or ctx ends. The
// assistant is closed before run returns.
func (b *bridge) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writeLoop()
	}()

	var unsubscribe func()
	if b.srv.studio != nil {
		unsubscribe = b.srv.studio.OnChange(b.sendView)
		b.sendView(b.srv.studio.View())
	}
	b.sendStatus(b.asst.Status())

	b.readLoop()

	// Teardown on unmount: no session outlives its socket.
	_ = b.asst.Close()
	b.mic.close()
	b.cancel()
	b.activations.Wait()
	if unsubscribe != nil {
		unsubscribe()
	}
	<-writerDone
	b.log.Info("web: assistant connection closed")
}

func (b *bridge) readLoop() {
	for {
		typ, data, err := b.conn.Read(b.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && b.ctx.Err() == nil {
				b.log.Debug("web: read", "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			samples, err := decodeFloat32LE(data)
			if err != nil {
				b.sendError(err.Error())
				continue
			}
			if !b.mic.push(samples) {
				b.log.Debug("web: dropped microphone frame", "samples", len(samples))
			}
			continue
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			b.sendError(err.Error())
			continue
		}
		switch msg.Type {
		case msgActivate:
			b.mic.configure(msg.Microphone == permissionGranted, msg.SampleRate, msg.Channels)
			b.activations.Go(b.activate)
		case msgDeactivate:
			b.asst.Deactivate()
		}
	}
}

// activate runs Activate off the read loop so that a deactivate can be
// received while the endpoint is being dialled.
func (b *bridge) activate() {
	err := b.asst.Activate(b.ctx)
	if err == nil {
		return
	}
	b.log.Warn("web: activate", "err", err)
	if text, ok := activationErrorText(err); ok {
		b.sendError(text)
	}
}

// activationErrorText maps an Activate error to the text shown to the user.
// Cancellation is not reported.
func activationErrorText(err error) (string, bool) {
	switch {
	case errors.Is(err, assistant.ErrCancelled), errors.Is(err, assistant.ErrClosed):
		return "", false
	case errors.Is(err, assistant.ErrMissingCredential):
		return textMissingKey, true
	case errors.Is(err, audio.ErrPermissionDenied):
		return textMicDenied, true
	case errors.Is(err, assistant.ErrInvalidState):
		return textBusy, true
	case errors.Is(err, resilience.ErrCircuitOpen):
		return textUnavailable, true
	default:
		return textFailed, true
	}
}

func (b *bridge) writeLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case f := <-b.outbox:
			if err := b.conn.Write(b.ctx, f.typ, f.data); err != nil {
				if b.ctx.Err() == nil {
					b.log.Debug("web: write", "err", err)
				}
				b.cancel()
				return
			}
		}
	}
}

// ── Outbound ────────────────────────────────────────────────────────────────

func (b *bridge) enqueue(f frame) {
	select {
	case b.outbox <- f:
	case <-b.ctx.Done():
	}
}

// tryEnqueue queues f unless the outbox is full.
func (b *bridge) tryEnqueue(f frame) bool {
	select {
	case b.outbox <- f:
		return true
	default:
		return false
	}
}

func (b *bridge) sendJSON(m serverMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		b.log.Error("web: encode message", "type", m.Type, "err", err)
		return
	}
	b.enqueue(frame{typ: websocket.MessageText, data: data})
}

func (b *bridge) sendStatus(s assistant.Status) {
	b.sendJSON(serverMessage{Type: msgStatus, Status: string(s)})
}

func (b *bridge) sendView(v studio.View) {
	b.sendJSON(serverMessage{Type: msgView, Page: string(v.Page), ProjectID: v.ProjectID})
}

func (b *bridge) sendError(text string) {
	b.sendJSON(serverMessage{Type: msgError, Message: text})
}

// sendClear tells the browser to discard audio it has already buffered. It
// runs while the playback scheduler holds its lock and must not block, so
// the message is dropped when the outbox is full.
func (b *bridge) sendClear() {
	data, _ := json.Marshal(serverMessage{Type: msgClear})
	if !b.tryEnqueue(frame{typ: websocket.MessageText, data: data}) {
		b.log.Warn("web: outbox full, dropping clear")
	}
}

func (b *bridge) sendAudio(pcm []byte, _ audio.Format) {
	b.enqueue(frame{typ: websocket.MessageBinary, data: pcm})
}
