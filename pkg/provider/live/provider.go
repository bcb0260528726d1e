// Package live defines the Provider interface for real-time conversational
// backends ("live" models).
//
// A live provider wraps a hosted voice model that accepts a continuous stream
// of microphone audio and answers with synthesised speech and function calls
// over one long-lived bidirectional connection. Examples are the Gemini Live
// BidiGenerateContent API and the OpenAI Realtime API.
//
// The central abstraction is [SessionHandle]. Everything the remote side does
// is surfaced as a single ordered stream of [Event] values so that a consumer
// can process open acknowledgements, audio chunks, tool-call batches and
// interruption signals strictly in arrival order from one goroutine.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kineo-ai/kineo/pkg/audio"
)

// ErrSessionClosed is returned by send operations on a closed session.
var ErrSessionClosed = errors.New("live: session closed")

// OutputSampleRate is the sample rate of model audio carried by [EventAudio].
const OutputSampleRate = 24000

// EventType enumerates the inbound event classes of a live session.
type EventType int

const (
	// EventOpen is emitted once when the remote side acknowledged the session
	// setup. No audio may be sent before it.
	EventOpen EventType = iota + 1

	// EventAudio carries one chunk of model speech in [Event.Audio].
	EventAudio

	// EventToolCall carries a batch of function calls in [Event.Calls]. Every
	// call must be answered with exactly one [ToolResult].
	EventToolCall

	// EventInterrupted signals that the user barged in and any queued model
	// speech is stale.
	EventInterrupted

	// EventError reports a fatal transport or protocol error in [Event.Err].
	// It is always the last event before the channel closes.
	EventError

	// EventWarning reports an error the remote side recovered from, such as
	// a rejected client event, in [Event.Err]. The session stays open.
	EventWarning
)

// String returns the lowercase event name.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventAudio:
		return "audio"
	case EventToolCall:
		return "tool_call"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Media is one transport-encoded chunk of audio as it appears on the wire.
type Media struct {
	// Data is base64 PCM16 little-endian audio.
	Data string

	// MIMEType describes Data, e.g. "audio/pcm;rate=24000".
	MIMEType string
}

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	// ID correlates the call with its [ToolResult]. Never empty.
	ID string

	// Name is the function name as declared in [SessionConfig.Tools].
	Name string

	// Args is the raw JSON argument object. May be nil for calls without
	// arguments.
	Args json.RawMessage
}

// ToolResult answers a [FunctionCall].
type ToolResult struct {
	// ID is the originating call id.
	ID string

	// Name is the originating function name.
	Name string

	// Result is the textual outcome reported back to the model.
	Result string
}

// Event is one inbound notification of a live session.
type Event struct {
	Type EventType

	// Audio is set for [EventAudio].
	Audio Media

	// Calls is set for [EventToolCall], in the order the model issued them.
	Calls []FunctionCall

	// Err is set for [EventError] and [EventWarning].
	Err error
}

// FunctionDeclaration describes a tool the model may call.
type FunctionDeclaration struct {
	Name        string
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// APIKey overrides the provider's construction-time key when non-empty.
	APIKey string

	// Model overrides the provider's default model when non-empty.
	Model string

	// SystemInstruction is the system prompt of the session.
	SystemInstruction string

	// Voice selects a prebuilt voice by name. Empty uses the provider default.
	Voice string

	// Tools is the fixed tool schema offered for the whole session.
	Tools []FunctionDeclaration
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the microphone rate the provider expects in
	// [SessionHandle.SendAudio].
	InputSampleRate int

	// OutputSampleRate is the rate of audio in [EventAudio].
	OutputSampleRate int

	// MaxSessionDuration is the hard session lifetime imposed by the backend.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle represents an open live session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// Events returns the ordered stream of inbound events. The channel is
	// closed when the session ends; check [SessionHandle.Err] afterwards to
	// distinguish a remote close (nil) from a transport failure.
	Events() <-chan Event

	// SendAudio transmits one microphone frame. It must not be called before
	// [EventOpen] has been received.
	SendAudio(ctx context.Context, frame audio.Frame) error

	// SendToolResult reports the outcome of one function call.
	SendToolResult(ctx context.Context, result ToolResult) error

	// Err returns the error that ended the session, or nil after a clean close.
	Err() error

	// Close terminates the session without waiting for the remote side to
	// acknowledge. Idempotent.
	Close() error
}

// Provider is the abstraction over any live backend.
type Provider interface {
	// Connect dials the backend and sends the session setup. The returned
	// handle emits [EventOpen] once the backend acknowledged the setup.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
