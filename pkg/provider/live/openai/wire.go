package openai

import "fmt"

// Realtime API events. Client events share one envelope keyed by type; only
// the fields of that type are set.

type clientEvent struct {
	Type    string        `json:"type"`
	Session *sessionState `json:"session,omitempty"`
	Audio   string        `json:"audio,omitempty"`
	Item    *outputItem   `json:"item,omitempty"`
}

type sessionState struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Tools             []function     `json:"tools,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type function struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// outputItem is the function_call_output conversation item.
type outputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// serverEvent covers the server events the session reacts to; unknown types
// decode into an ignored value.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.done; response.done carries no
	// field the session reads.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Error *apiError `json:"error,omitempty"`
}

// apiError is the body of an "error" server event.
type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e == nil || e.Message == "" {
		return "openai: server error: unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: server error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("openai: server error: %s", e.Message)
}
