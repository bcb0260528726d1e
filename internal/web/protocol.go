package web

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Client → server message types (JSON text frames).
const (
	msgActivate   = "activate"
	msgDeactivate = "deactivate"
)

// Server → client message types (JSON text frames). Playback audio travels
// as binary frames of PCM16 little-endian samples.
const (
	msgStatus = "status"
	msgView   = "view"
	msgError  = "error"
	msgClear  = "clear"
)

// Microphone permission values reported by the browser.
const (
	permissionGranted = "granted"
	permissionDenied  = "denied"
)

var errInvalidMessage = errors.New("web: invalid client message")

// clientMessage is any JSON message sent by the browser.
type clientMessage struct {
	Type string `json:"type"`

	// Activate only.
	Microphone string `json:"microphone,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// serverMessage is any JSON message sent to the browser.
type serverMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Page      string `json:"page,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Message   string `json:"message,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var m clientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return clientMessage{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	switch m.Type {
	case msgActivate:
		switch m.Microphone {
		case permissionGranted, permissionDenied:
		default:
			return clientMessage{}, fmt.Errorf("%w: microphone must be %q or %q", errInvalidMessage, permissionGranted, permissionDenied)
		}
		if m.SampleRate < 0 || m.Channels < 0 {
			return clientMessage{}, fmt.Errorf("%w: negative audio format", errInvalidMessage)
		}
	case msgDeactivate:
	default:
		return clientMessage{}, fmt.Errorf("%w: unknown type %q", errInvalidMessage, m.Type)
	}
	return m, nil
}

// decodeFloat32LE decodes a binary microphone frame of little-endian IEEE-754
// float32 samples, as produced by a Float32Array in the browser.
func decodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", errInvalidMessage, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
