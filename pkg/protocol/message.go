// Package protocol defines the websocket messages exchanged with the fruit
// inference service. Messages are JSON text frames with a "type" discriminator.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies the type of websocket message
type MessageType string

const (
	// Client → Service
	TypeFrame MessageType = "frame" // Encoded camera frame

	// Service → Client
	TypePrediction MessageType = "prediction" // Health/ripeness inference result
)

// JPEGDataURLPrefix prefixes every outbound frame payload.
const JPEGDataURLPrefix = "data:image/jpeg;base64,"

var (
	// ErrMalformed is returned for payloads that are not valid messages.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned for well-formed messages of another kind.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// envelope is decoded first to route a message by type.
type envelope struct {
	Type MessageType `json:"type"`
}

// PeekType returns the type of a raw message without decoding the payload.
func PeekType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env.Type, nil
}

// =============================================================================
// Client → Service
// =============================================================================

// FrameMessage carries one encoded still image.
type FrameMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"` // base64 data URL
}

// NewFrameMessage wraps raw JPEG bytes in a frame message.
func NewFrameMessage(jpegData []byte) FrameMessage {
	return FrameMessage{
		Type: TypeFrame,
		Data: JPEGDataURLPrefix + base64.StdEncoding.EncodeToString(jpegData),
	}
}

// Bytes returns the JSON-encoded message.
func (m FrameMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// JPEG decodes the data URL back into image bytes.
// Bare base64 without the data URL header is accepted too.
func (m FrameMessage) JPEG() ([]byte, error) {
	payload := m.Data
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.HasSuffix(payload[:comma], ";base64") {
			return nil, fmt.Errorf("%w: bad data URL", ErrMalformed)
		}
		payload = payload[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

// ParseFrame parses a frame message from bytes.
func ParseFrame(data []byte) (*FrameMessage, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	if typ != TypeFrame {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	var msg FrameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Data == "" {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return &msg, nil
}

// =============================================================================
// Service → Client
// =============================================================================

// Prediction is one inference result. Health and ripeness may be partially
// filled; renderers show placeholders for anything missing.
type Prediction struct {
	Type     MessageType `json:"type"`
	Health   *Health     `json:"health,omitempty"`
	Ripeness *Ripeness   `json:"ripeness,omitempty"`
}

// Health describes the fruit condition.
type Health struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence,omitempty"` // 0.0 to 1.0
}

// Ripeness describes the ripening stage.
type Ripeness struct {
	Level string `json:"level"`
	Days  *int   `json:"days"` // Estimated days; null when unknown
}

// NewPrediction builds a complete prediction.
func NewPrediction(label string, confidence float64, level string, days *int) *Prediction {
	return &Prediction{
		Type:     TypePrediction,
		Health:   &Health{Label: label, Confidence: &confidence},
		Ripeness: &Ripeness{Level: level, Days: days},
	}
}

// Bytes returns the JSON-encoded prediction.
func (p *Prediction) Bytes() ([]byte, error) {
	return json.Marshal(p)
}

// Clone returns a deep copy so callers can't mutate shared overlay state.
func (p *Prediction) Clone() *Prediction {
	if p == nil {
		return nil
	}
	out := &Prediction{Type: p.Type}
	if p.Health != nil {
		h := *p.Health
		if h.Confidence != nil {
			c := *h.Confidence
			h.Confidence = &c
		}
		out.Health = &h
	}
	if p.Ripeness != nil {
		r := *p.Ripeness
		if r.Days != nil {
			d := *r.Days
			r.Days = &d
		}
		out.Ripeness = &r
	}
	return out
}

// ParsePrediction parses and validates a prediction message.
// Returns ErrUnknownType for other well-formed messages and ErrMalformed for
// anything that is not a valid prediction.
func ParsePrediction(data []byte) (*Prediction, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	if typ != TypePrediction {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	var p Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Health != nil && p.Health.Confidence != nil {
		if c := *p.Health.Confidence; c < 0 || c > 1 {
			return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformed, c)
		}
	}
	if p.Ripeness != nil && p.Ripeness.Days != nil && *p.Ripeness.Days < 0 {
		return nil, fmt.Errorf("%w: negative days", ErrMalformed)
	}
	return &p, nil
}
