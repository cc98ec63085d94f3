package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags an outbound [Message].
type MessageType string

const (
	// TypeRealtime carries a partial transcription that may still change.
	TypeRealtime MessageType = "realtime"

	// TypeSentence carries the final text of a completed utterance.
	TypeSentence MessageType = "sentence"

	// TypeStatus carries [StatusStart] or [StatusStop].
	TypeStatus MessageType = "status"

	// TypeError reports a rejected frame. Only sent when the session's frame
	// policy is "report".
	TypeError MessageType = "error"
)

// Status payloads.
const (
	StatusStart = "start"
	StatusStop  = "stop"
)

// Message is one outbound JSON text message.
type Message struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// NewRealtime returns a realtime update message.
func NewRealtime(text string) Message { return Message{Type: TypeRealtime, Data: text} }

// NewSentence returns a final sentence message.
func NewSentence(text string) Message { return Message{Type: TypeSentence, Data: text} }

// NewStatus returns a recording status message.
func NewStatus(status string) Message { return Message{Type: TypeStatus, Data: status} }

// NewError returns a frame error report.
func NewError(text string) Message { return Message{Type: TypeError, Data: text} }

// Marshal encodes m as JSON.
func (m Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s message: %w", m.Type, err)
	}
	return b, nil
}

// ParseMessage decodes an outbound message, for clients.
func ParseMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: parse message: %w", err)
	}
	return m, nil
}
