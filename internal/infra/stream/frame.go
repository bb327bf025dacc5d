package stream

import "encoding/json"

// Control frames exchanged during authentication
const (
	frameAuth      = "auth"
	frameAuthOK    = "auth-ok"
	frameAuthError = "auth-error"
)

// Frame is the JSON envelope of every websocket message
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authData struct {
	Token string `json:"token"`
}

type authErrorData struct {
	Reason string `json:"reason"`
}

func newFrame(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
