// Package hub provides a thread-safe websocket broadcast hub
// using the channel-based fan-out pattern. The dashboard uses one hub
// for session snapshots and one for annotated camera frames.
package hub

import (
	"encoding/json"

	"github.com/gofiber/websocket/v2"
)

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON document sent as a text frame
	JSONMessage MessageType = iota
	// BinaryMessage is an opaque payload, a JPEG preview in practice
	BinaryMessage
)

// Message is one queued broadcast.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps already encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// EncodeJSON marshals v into a text message.
func EncodeJSON(v interface{}) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}

// NewBinaryMessage wraps a binary payload such as a preview frame.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// frameType maps the message to its websocket frame opcode.
func (m Message) frameType() int {
	if m.Type == BinaryMessage {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
