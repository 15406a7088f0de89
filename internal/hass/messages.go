package hass

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types of the hub websocket API.
const (
	msgAuthRequired = "auth_required"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"
	msgEvent        = "event"
)

var errUnknownMessage = errors.New("unknown message type")

// inbound is implemented by every decoded hub frame.
type inbound interface {
	kind() string
}

type authRequired struct {
	HAVersion string
}

type authOK struct {
	HAVersion string
}

type authInvalid struct {
	Message string
}

type resultMsg struct {
	ID      int
	Success bool
	Result  json.RawMessage
	Error   *ResultError
}

type eventMsg struct {
	ID    int
	Event Event
}

func (authRequired) kind() string { return msgAuthRequired }
func (authOK) kind() string       { return msgAuthOK }
func (authInvalid) kind() string  { return msgAuthInvalid }
func (resultMsg) kind() string    { return msgResult }
func (eventMsg) kind() string     { return msgEvent }

type wireFrame struct {
	ID        int             `json:"id"`
	Type      string          `json:"type"`
	HAVersion string          `json:"ha_version"`
	Message   string          `json:"message"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     *ResultError    `json:"error"`
	Event     *Event          `json:"event"`
}

// decodeFrame turns one text frame into a typed message. Unknown types and
// event frames without an event body are reported as errors.
func decodeFrame(data []byte) (inbound, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case msgAuthRequired:
		return authRequired{HAVersion: f.HAVersion}, nil
	case msgAuthOK:
		return authOK{HAVersion: f.HAVersion}, nil
	case msgAuthInvalid:
		return authInvalid{Message: f.Message}, nil
	case msgResult:
		return resultMsg{ID: f.ID, Success: f.Success, Result: f.Result, Error: f.Error}, nil
	case msgEvent:
		if f.Event == nil {
			return nil, errors.New("event frame without event body")
		}
		return eventMsg{ID: f.ID, Event: *f.Event}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownMessage, f.Type)
	}
}

// Outbound messages. Field order matches the hub's documented wire format.

type authRequest struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeEventsCommand struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}
