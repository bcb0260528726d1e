// Package assistant implements the voice assistant session: the state
// machine that ties the microphone pipeline, the live model connection, the
// playback scheduler and the tool dispatcher together.
//
// Lifecycle:
//
//	idle ──Activate──▶ connecting ──open ack──▶ open
//	  ▲                    │                      │
//	  │                    └───── fatal error ────┴──▶ error
//	  └──── closing ◀──── Deactivate / remote close
//
// Only one session exists at a time. Every session carries a generation
// number; events and callbacks from a session that has since been torn down
// are ignored, which makes Deactivate safe to call concurrently with the
// event loop.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kineo-ai/kineo/internal/observe"
	"github.com/kineo-ai/kineo/internal/tools"
	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/audio/capture"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// DefaultSystemInstruction is the system prompt of every session unless
// overridden.
const DefaultSystemInstruction = `You are a helpful AI assistant for a video creation app called Kineo AI. Be concise and confirm actions. Do not ask "how can I help". Wait for the user to speak.`

// DefaultOutputFormat is the format of model audio chunks.
var DefaultOutputFormat = audio.Format{SampleRate: live.OutputSampleRate, Channels: 1}

// Assistant owns at most one live session. All exported methods are safe for
// concurrent use.
type Assistant struct {
	provider   live.Provider
	creds      CredentialSource
	mic        audio.Microphone
	newOutput  func() (audio.Output, error)
	dispatcher *tools.Dispatcher

	model       string
	instruction string
	voice       string
	outFormat   audio.Format
	queueSize   int
	metrics     *observe.Metrics
	logger      *slog.Logger
	onStatus    func(Status)

	// activateMu serialises Activate calls.
	activateMu sync.Mutex

	mu      sync.Mutex
	state   State
	status  Status
	gen     uint64
	sess    *session
	lastErr error
	closed  bool

	// claim is the token of the Activate call between its state check and
	// session install, or zero. Deactivate revokes it.
	claim    uint64
	claimSeq uint64
}

// Option configures an [Assistant].
type Option func(*Assistant)

// WithModel sets the live model name.
func WithModel(model string) Option {
	return func(a *Assistant) { a.model = model }
}

// WithSystemInstruction replaces [DefaultSystemInstruction].
func WithSystemInstruction(s string) Option {
	return func(a *Assistant) { a.instruction = s }
}

// WithVoice selects the model voice.
func WithVoice(v string) Option {
	return func(a *Assistant) { a.voice = v }
}

// WithOutputFormat sets the decode format of model audio chunks.
func WithOutputFormat(f audio.Format) Option {
	return func(a *Assistant) { a.outFormat = f }
}

// WithCaptureQueueSize bounds the microphone outbox.
func WithCaptureQueueSize(n int) Option {
	return func(a *Assistant) { a.queueSize = n }
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithLogger sets the base logger. Session loggers add session_id.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) { a.logger = l }
}

// WithStatusListener registers fn to receive every status change. fn runs
// outside the assistant's locks and must not block.
func WithStatusListener(fn func(Status)) Option {
	return func(a *Assistant) { a.onStatus = fn }
}

// New creates an idle Assistant. newOutput is called once per activation to
// open a fresh playback output.
func New(
	provider live.Provider,
	creds CredentialSource,
	mic audio.Microphone,
	newOutput func() (audio.Output, error),
	dispatcher *tools.Dispatcher,
	opts ...Option,
) *Assistant {
	a := &Assistant{
		provider:    provider,
		creds:       creds,
		mic:         mic,
		newOutput:   newOutput,
		dispatcher:  dispatcher,
		instruction: DefaultSystemInstruction,
		outFormat:   DefaultOutputFormat,
		queueSize:   capture.DefaultQueueSize,
		logger:      slog.Default(),
		state:       StateIdle,
		status:      StatusIdle,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ── Getters ─────────────────────────────────────────────────────────────────

// State returns the lifecycle state.
func (a *Assistant) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns the observable status.
func (a *Assistant) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SessionID returns the id of the current session, or "".
func (a *Assistant) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return ""
	}
	return a.sess.id
}

// Err returns the error that moved the assistant into [StateError], or nil.
func (a *Assistant) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// ── Activation ──────────────────────────────────────────────────────────────

// Activate starts a session. It is valid from [StateIdle] and [StateError].
//
// A missing credential returns [ErrMissingCredential] and leaves the state
// unchanged. A refused microphone returns an error wrapping
// [audio.ErrPermissionDenied] and moves to [StateError]. Otherwise the
// microphone starts buffering, the endpoint is dialled with the tool schema
// and system instruction, and the state becomes [StateConnecting]; the
// session opens asynchronously when the endpoint acknowledges. A Deactivate
// that lands before the dial makes Activate return [ErrCancelled].
func (a *Assistant) Activate(ctx context.Context) (err error) {
	a.activateMu.Lock()
	defer a.activateMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "assistant.activate")
	defer func() { observe.EndSpan(span, err) }()

	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.state != StateIdle && a.state != StateError:
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, state)
	}
	a.claimSeq++
	token := a.claimSeq
	a.claim = token
	a.mu.Unlock()
	defer a.releaseClaim(token)

	key, err := a.creds.APIKey(ctx)
	if cerr := a.checkClaim(token); cerr != nil {
		a.metrics.RecordActivation(ctx, "cancelled")
		return cerr
	}
	if err != nil {
		a.metrics.RecordActivation(ctx, "credential_error")
		return fmt.Errorf("assistant: read credential: %w", err)
	}
	if key == "" {
		a.metrics.RecordActivation(ctx, "missing_credential")
		return ErrMissingCredential
	}

	stream, err := a.mic.Open(ctx)
	if cerr := a.checkClaim(token); cerr != nil {
		if stream != nil {
			_ = stream.Close()
		}
		a.metrics.RecordActivation(ctx, "cancelled")
		return cerr
	}
	if err != nil {
		outcome := "microphone_error"
		if errors.Is(err, audio.ErrPermissionDenied) {
			outcome = "permission_denied"
		}
		a.metrics.RecordActivation(ctx, outcome)
		err = fmt.Errorf("assistant: open microphone: %w", err)
		a.setFailed(err)
		return err
	}

	out, err := a.newOutput()
	if err != nil {
		_ = stream.Close()
		if cerr := a.checkClaim(token); cerr != nil {
			a.metrics.RecordActivation(ctx, "cancelled")
			return cerr
		}
		a.metrics.RecordActivation(ctx, "output_error")
		err = fmt.Errorf("assistant: open output: %w", err)
		a.setFailed(err)
		return err
	}

	sess := a.newSession(ctx, out)
	sess.capture.Start(stream)

	a.mu.Lock()
	if cerr := a.claimErrLocked(token); cerr != nil {
		a.mu.Unlock()
		sess.teardown(false)
		a.metrics.RecordActivation(ctx, "cancelled")
		return cerr
	}
	a.claim = 0
	a.gen++
	sess.gen = a.gen
	a.sess = sess
	a.state = StateConnecting
	a.lastErr = nil
	notify := a.setStatusLocked(StatusIdle)
	a.mu.Unlock()
	notify()

	sess.log.Info("assistant: connecting", "model", a.model)
	connectStart := time.Now()
	handle, err := a.provider.Connect(ctx, live.SessionConfig{
		APIKey:            key,
		Model:             a.model,
		SystemInstruction: a.instruction,
		Voice:             a.voice,
		Tools:             a.dispatcher.Declarations(),
	})

	a.mu.Lock()
	if a.sess != sess {
		// Deactivated or closed while dialling.
		a.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		a.metrics.RecordActivation(ctx, "cancelled")
		return ErrCancelled
	}
	if err != nil {
		a.mu.Unlock()
		a.metrics.RecordActivation(ctx, "connect_error")
		a.metrics.RecordProviderError(ctx, "live", "connect")
		err = fmt.Errorf("assistant: connect: %w", err)
		a.fail(sess, err)
		return err
	}
	sess.handle = handle
	sess.connectStart = connectStart
	sess.loopDone = make(chan struct{})
	a.mu.Unlock()

	a.metrics.RecordActivation(ctx, "ok")
	go a.run(sess)
	return nil
}

// claimErrLocked reports why the activation holding token may not proceed,
// or nil. Caller holds a.mu.
func (a *Assistant) claimErrLocked(token uint64) error {
	switch {
	case a.closed:
		return ErrClosed
	case a.claim != token:
		return ErrCancelled
	}
	return nil
}

func (a *Assistant) checkClaim(token uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimErrLocked(token)
}

func (a *Assistant) releaseClaim(token uint64) {
	a.mu.Lock()
	if a.claim == token {
		a.claim = 0
	}
	a.mu.Unlock()
}

// ── Deactivation ────────────────────────────────────────────────────────────

// Deactivate stops the session: the microphone track is closed, the remote
// session is closed best-effort, playback is flushed and the output closed.
// The state returns to [StateIdle]. It is valid from any state, idempotent,
// and blocks until the session's goroutines have exited. An Activate still
// reading the credential or opening devices returns [ErrCancelled] instead
// of connecting.
func (a *Assistant) Deactivate() {
	a.stop(nil, StateIdle, StatusIdle, nil, true)
}

// Close deactivates and refuses any further activation. Use it when the
// owner of the assistant goes away.
func (a *Assistant) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Deactivate()
	return nil
}

// fail tears sess down into [StateError]. It is a no-op if sess is stale.
func (a *Assistant) fail(sess *session, err error) {
	if a.stop(sess, StateError, StatusError, err, false) {
		sess.log.Error("assistant: session failed", "err", err)
	}
}

// setFailed moves an assistant without a session into [StateError].
func (a *Assistant) setFailed(err error) {
	a.mu.Lock()
	a.state = StateError
	a.lastErr = err
	notify := a.setStatusLocked(StatusError)
	a.mu.Unlock()
	notify()
}

// stop detaches the current session, tears it down and settles in final.
// A non-nil expect restricts the stop to that session; stop reports whether
// it tore a session down. waitLoop must be false when called from the
// session's own event loop.
func (a *Assistant) stop(expect *session, final State, status Status, cause error, waitLoop bool) bool {
	a.mu.Lock()
	sess := a.sess
	if expect != nil && sess != expect {
		a.mu.Unlock()
		return false
	}
	if sess == nil {
		if expect == nil {
			a.claim = 0
		}
		if final == StateIdle && a.state == StateError {
			// Deactivate acknowledges a previous failure.
			a.state = StateIdle
			a.lastErr = nil
			notify := a.setStatusLocked(StatusIdle)
			a.mu.Unlock()
			notify()
			return false
		}
		a.mu.Unlock()
		return false
	}
	a.sess = nil
	a.gen++
	a.state = StateClosing
	var notify func()
	if status == StatusError {
		notify = a.setStatusLocked(StatusError)
	} else {
		notify = func() {}
	}
	opened := sess.opened
	a.mu.Unlock()
	notify()

	sess.teardown(waitLoop)
	if opened {
		a.metrics.SessionClosed(context.Background())
	}
	sess.log.Info("assistant: session ended", "state", final)

	a.mu.Lock()
	a.state = final
	a.lastErr = cause
	notify = a.setStatusLocked(status)
	a.mu.Unlock()
	notify()
	return true
}

// ── Status ──────────────────────────────────────────────────────────────────

// setStatusLocked updates the status and returns the listener call to make
// after unlocking. Caller holds a.mu.
func (a *Assistant) setStatusLocked(s Status) func() {
	if a.status == s {
		return func() {}
	}
	a.status = s
	fn := a.onStatus
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}

// setStatusIf sets the status when sess is current and open.
func (a *Assistant) setStatusIf(sess *session, s Status, when func(Status) bool) {
	a.mu.Lock()
	if a.sess != sess || a.state != StateOpen || (when != nil && !when(a.status)) {
		a.mu.Unlock()
		return
	}
	notify := a.setStatusLocked(s)
	a.mu.Unlock()
	notify()
}
