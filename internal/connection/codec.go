package connection

import (
	"bytes"
	"encoding/json"
	"time"
)

// HeartbeatProbe is the liveness payload sent every heartbeat interval.
var HeartbeatProbe = []byte(`{"type":"ping"}`)

// Message types that acknowledge a liveness probe.
const (
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
)

// envelope is the common shape of upstream messages.
type envelope struct {
	Type    *string         `json:"type"`
	Data    json.RawMessage `json:"data"`
	Msg     json.RawMessage `json:"msg"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// Decode turns a raw payload into a Message. Undecodable payloads return a
// *ParseError.
func Decode(payload []byte) (Message, error) {
	msg := Message{Raw: payload}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return msg, newParseError(payload, err)
	}
	if env.Type == nil || *env.Type == "" {
		return msg, newParseError(payload, ErrMissingType)
	}
	msg.Type = *env.Type

	switch msg.Type {
	case TypePong, TypeHeartbeat:
		msg.Kind = KindHeartbeat
	case TypeError:
		msg.Kind = KindError
		serr := &ServerError{Code: rawString(env.Code), Message: env.Message}
		if serr.Message == "" {
			// Nested form: {"type":"error","msg":{"code":..,"message":..}}
			var nested struct {
				Code    json.RawMessage `json:"code"`
				Message string          `json:"message"`
			}
			if len(env.Msg) > 0 && json.Unmarshal(env.Msg, &nested) == nil {
				serr.Code = rawString(nested.Code)
				serr.Message = nested.Message
			}
		}
		msg.Err = serr
	default:
		msg.Kind = KindData
		msg.Data = env.Data
		if len(msg.Data) == 0 {
			msg.Data = env.Msg
		}
	}
	return msg, nil
}

// errorMessage builds the error-class notification for a parse failure.
func errorMessage(payload []byte, err error, targetID, sessionID string, at time.Time) Message {
	return Message{
		Kind:       KindError,
		Raw:        payload,
		Err:        err,
		TargetID:   targetID,
		SessionID:  sessionID,
		ReceivedAt: at,
	}
}

// rawString renders a JSON string or number as text.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
