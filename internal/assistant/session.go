package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kineo-ai/kineo/internal/observe"
	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/audio/capture"
	"github.com/kineo-ai/kineo/pkg/audio/playback"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// session is the per-activation resource bundle. Fields below handle are
// written by Activate under Assistant.mu before the event loop starts.
type session struct {
	id  string
	gen uint64
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	capture *capture.Pipeline
	sched   *playback.Scheduler
	out     audio.Output

	handle       live.SessionHandle
	connectStart time.Time
	loopDone     chan struct{}

	// opened is guarded by Assistant.mu.
	opened bool
}

// newSession builds the per-activation state. The session context keeps the
// activation span for log correlation but not its cancellation.
func (a *Assistant) newSession(actx context.Context, out audio.Output) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithoutCancel(actx))
	sess := &session{
		id:     id,
		log:    observe.Logger(actx, a.logger).With("session_id", id),
		ctx:    ctx,
		cancel: cancel,
		out:    out,
	}
	sess.capture = capture.New(
		capture.WithQueueSize(a.queueSize),
		capture.WithLogger(sess.log),
		capture.WithOnSent(func() { a.metrics.RecordMicFrameSent(ctx) }),
		capture.WithOnDrop(func(n int) { a.metrics.RecordMicFramesDropped(ctx, n) }),
	)
	sess.sched = playback.New(out,
		playback.WithLogger(sess.log),
		playback.WithOnSpeaking(func() {
			a.setStatusIf(sess, StatusSpeaking, nil)
		}),
		playback.WithOnDrained(func() {
			a.setStatusIf(sess, StatusListening, func(s Status) bool { return s == StatusSpeaking })
		}),
	)
	return sess
}

// teardown releases everything the session holds. Each step is best-effort.
func (s *session) teardown(waitLoop bool) {
	s.capture.Stop()
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.Warn("assistant: close live session", "err", err)
		}
	}
	s.sched.Close()
	if err := s.out.Close(); err != nil {
		s.log.Warn("assistant: close output", "err", err)
	}
	s.cancel()
	if waitLoop && s.loopDone != nil {
		<-s.loopDone
	}
}

// current reports whether sess is still the assistant's active session.
func (a *Assistant) current(sess *session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess == sess
}

// ── Event loop ──────────────────────────────────────────────────────────────

// run consumes the session's events strictly in arrival order until the
// stream ends or the session is torn down.
func (a *Assistant) run(sess *session) {
	defer close(sess.loopDone)

	for ev := range sess.handle.Events() {
		if !a.current(sess) {
			return
		}
		switch ev.Type {
		case live.EventOpen:
			a.handleOpen(sess)
		case live.EventAudio:
			a.handleAudio(sess, ev.Audio)
		case live.EventToolCall:
			a.handleToolCalls(sess, ev.Calls)
		case live.EventInterrupted:
			n := sess.sched.Flush()
			a.metrics.RecordFlush(sess.ctx, "interrupted")
			sess.log.Debug("assistant: interrupted", "flushed", n)
		case live.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("assistant: unspecified session error")
			}
			a.metrics.RecordProviderError(sess.ctx, "live", "session")
			a.fail(sess, err)
			return
		case live.EventWarning:
			a.metrics.RecordProviderError(sess.ctx, "live", "recoverable")
			sess.log.Warn("assistant: live model reported an error", "err", ev.Err)
		default:
			sess.log.Debug("assistant: ignoring event", "type", ev.Type)
		}
	}

	if err := sess.handle.Err(); err != nil {
		a.metrics.RecordProviderError(sess.ctx, "live", "session")
		a.fail(sess, err)
		return
	}
	if a.stop(sess, StateIdle, StatusIdle, nil, false) {
		sess.log.Info("assistant: remote closed the session")
	}
}

func (a *Assistant) handleOpen(sess *session) {
	a.mu.Lock()
	if a.sess != sess || sess.opened {
		a.mu.Unlock()
		return
	}
	sess.opened = true
	a.state = StateOpen
	notify := a.setStatusLocked(StatusListening)
	a.mu.Unlock()
	notify()

	sess.capture.Attach(capture.SenderFunc(sess.handle.SendAudio))
	a.metrics.RecordConnect(sess.ctx, time.Since(sess.connectStart).Seconds())
	a.metrics.SessionOpened(sess.ctx)
	sess.log.Info("assistant: session open")
}

// handleAudio decodes one model chunk and schedules it. A chunk that cannot
// be decoded is dropped; the session stays open.
func (a *Assistant) handleAudio(sess *session, m live.Media) {
	pcm, err := audio.DecodeBytes(m.Data)
	if err != nil {
		sess.log.Warn("assistant: dropping undecodable audio chunk", "err", err)
		a.metrics.RecordChunkDropped(sess.ctx, "decode")
		return
	}
	buf, err := audio.PCM16ToFloat(pcm, a.outFormat.SampleRate, a.outFormat.Channels)
	if err != nil {
		sess.log.Warn("assistant: dropping malformed audio chunk", "bytes", len(pcm), "err", err)
		a.metrics.RecordChunkDropped(sess.ctx, "malformed")
		return
	}
	if _, err := sess.sched.Enqueue(buf); err != nil {
		sess.log.Warn("assistant: schedule audio chunk", "err", err)
		a.metrics.RecordChunkDropped(sess.ctx, "schedule")
		return
	}
	a.metrics.RecordChunkPlayed(sess.ctx)
}

// handleToolCalls stops playback and answers every call of the batch in
// order. Each call produces exactly one result.
func (a *Assistant) handleToolCalls(sess *session, calls []live.FunctionCall) {
	a.setStatusIf(sess, StatusThinking, nil)
	sess.sched.Flush()
	a.metrics.RecordFlush(sess.ctx, "tool_call")

	for _, res := range a.dispatcher.DispatchAll(sess.ctx, calls) {
		if err := sess.handle.SendToolResult(sess.ctx, res); err != nil {
			sess.log.Warn("assistant: send tool result", "tool", res.Name, "call_id", res.ID, "err", err)
		}
	}
}
