package assistant

import (
	"context"
	"errors"
)

// State is the lifecycle state of the assistant's live session.
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota

	// StateConnecting means the microphone is open and the endpoint has not
	// acknowledged the session yet.
	StateConnecting

	// StateOpen means the session is live and microphone frames flow.
	StateOpen

	// StateClosing means teardown is in progress.
	StateClosing

	// StateError means the last session ended with a fatal error. The
	// assistant can be activated again from here.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the externally observable phase rendered by the UI.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusError     Status = "error"
)

var (
	// ErrMissingCredential is returned by Activate when no API key is
	// available. No connection is attempted.
	ErrMissingCredential = errors.New("assistant: missing API key")

	// ErrInvalidState is returned by Activate outside the idle and error
	// states.
	ErrInvalidState = errors.New("assistant: invalid state for operation")

	// ErrCancelled is returned by Activate when Deactivate ran before the
	// session was established.
	ErrCancelled = errors.New("assistant: activation cancelled")

	// ErrClosed is returned by Activate after Close.
	ErrClosed = errors.New("assistant: closed")
)

// CredentialSource supplies the live model API key. An empty key with a nil
// error means none is configured.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to [CredentialSource].
type CredentialFunc func(ctx context.Context) (string, error)

// APIKey implements [CredentialSource].
func (f CredentialFunc) APIKey(ctx context.Context) (string, error) { return f(ctx) }

// StaticCredential is a fixed API key.
type StaticCredential string

// APIKey implements [CredentialSource].
func (s StaticCredential) APIKey(context.Context) (string, error) { return string(s), nil }
