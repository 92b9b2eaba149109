package wsgateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tildaslashalef/venuesync/internal/remote"
)

// MessageType identifies a gateway frame
type MessageType string

const (
	TypeSubscribe MessageType = "subscribe"
	TypeAck       MessageType = "ack"
	TypeChange    MessageType = "change"
	TypeError     MessageType = "error"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

// Message is the envelope of every frame in both directions
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with payload encoded as JSON
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// SubscribePayload asks the gateway for the changes matching any filter
type SubscribePayload struct {
	Filters []remote.Filter `json:"filters"`
}

// ChangePayload is one committed change
type ChangePayload struct {
	Op          remote.Op     `json:"op"`
	Collection  string        `json:"collection"`
	ID          string        `json:"id"`
	Before      remote.Record `json:"before,omitempty"`
	After       remote.Record `json:"after,omitempty"`
	CommittedAt time.Time     `json:"committed_at"`
}

// Event converts the payload to a change event
func (p ChangePayload) Event() remote.ChangeEvent {
	return remote.ChangeEvent{
		Op:          p.Op,
		Collection:  p.Collection,
		ID:          p.ID,
		Before:      p.Before,
		After:       p.After,
		CommittedAt: p.CommittedAt,
	}
}

// ErrorPayload reports a gateway-side failure
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// codes maps gateway error codes to remote codes
var codes = map[string]remote.Code{
	"unauthorized":       remote.CodeUnauthorized,
	"undefined_relation": remote.CodeUndefinedRelation,
	"malformed_request":  remote.CodeMalformed,
	"unavailable":        remote.CodeUnavailable,
	"timeout":            remote.CodeTimeout,
}

func (p ErrorPayload) remoteError(op string) error {
	code, ok := codes[p.Code]
	if !ok {
		code = remote.CodeUnknown
	}
	return remote.NewError(code, op, "channels", fmt.Errorf("gateway: %s", p.Message))
}
