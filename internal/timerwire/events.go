// Package timerwire defines the message types carried on the live timer
// channel between clients and the hub. Messages flow over WebSocket
// connections and are strictly best-effort: nothing here is authoritative
// for the ledger.
package timerwire

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// Event type constants
const (
	TypeTimerStart   = "timer_start"
	TypeTimerUpdate  = "timer_update"
	TypeTimerPause   = "timer_pause"
	TypeTimerStop    = "timer_stop"
	TypeTaskComplete = "task_complete"
	TypeAttach       = "attach"
)

// TimerEvent is a transient notification of a timer state change. The
// timestamp orders events for consumers; the duration is whatever the
// emitting client computed and is never trusted for reconciliation.
type TimerEvent struct {
	Type        string    `json:"type"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName,omitempty"`
	TaskID      string    `json:"taskId"`
	TaskTitle   string    `json:"taskTitle,omitempty"`
	ProjectName string    `json:"projectName,omitempty"`
	SprintName  string    `json:"sprintName,omitempty"`
	Duration    int64     `json:"duration"` // seconds elapsed in the current session
	IsPaused    bool      `json:"isPaused,omitempty"`
	PausedTime  int64     `json:"pausedTime,omitempty"` // freeze-frame seconds on pause
	Timestamp   time.Time `json:"timestamp"`
}

// IsTimerEvent reports whether t is one of the broadcastable event types.
func IsTimerEvent(t string) bool {
	switch t {
	case TypeTimerStart, TypeTimerUpdate, TypeTimerPause, TypeTimerStop, TypeTaskComplete:
		return true
	}
	return false
}

// AttachMessage is the first message a client sends after connecting,
// identifying the subscriber for audience scoping.
type AttachMessage struct {
	UserID string `json:"user_id"`
}

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload.
// Timer updates flow once per second per open session, so the codec uses
// sonic instead of encoding/json.
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return sonic.Marshal(Envelope{Type: msgType, Payload: payload})
}

// UnmarshalEnvelope parses a raw envelope for type-based dispatch.
func UnmarshalEnvelope(data []byte) (EnvelopeRaw, error) {
	var env EnvelopeRaw
	err := sonic.Unmarshal(data, &env)
	return env, err
}

// DecodePayload unmarshals an envelope payload into v.
func DecodePayload(env EnvelopeRaw, v interface{}) error {
	return sonic.Unmarshal(env.Payload, v)
}
