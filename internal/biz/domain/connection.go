package domain

import "context"

// ConnState is the state of the backend event stream connection
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Inbound event names
const (
	EventNewMessage     = "new-message"
	EventServerResponse = "server-response"
	EventAuthError      = "auth-error"
)

// TokenProvider returns a current auth token. It is called every time a
// token is needed so that refreshed credentials are picked up.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}
