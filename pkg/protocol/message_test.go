package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNewFrameMessage(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'f', 'i', 'f'}
	msg := NewFrameMessage(jpeg)

	if msg.Type != TypeFrame {
		t.Errorf("Type = %q, want frame", msg.Type)
	}
	if !strings.HasPrefix(msg.Data, JPEGDataURLPrefix) {
		t.Errorf("Data should be a JPEG data URL, got %q", msg.Data)
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	// Wire shape is exactly {"type":"frame","data":"..."}
	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(wire) != 2 || wire["type"] != "frame" {
		t.Errorf("unexpected wire shape: %v", wire)
	}

	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	got, err := parsed.JPEG()
	if err != nil {
		t.Fatalf("JPEG() error = %v", err)
	}
	if !bytes.Equal(got, jpeg) {
		t.Errorf("JPEG() = %v, want %v", got, jpeg)
	}
}

func TestFrameMessage_JPEG(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"data url", JPEGDataURLPrefix + "aGVsbG8=", false},
		{"bare base64", "aGVsbG8=", false},
		{"not base64 url", "data:image/jpeg,hello", true},
		{"garbage", "!!!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FrameMessage{Type: TypeFrame, Data: tt.data}.JPEG()
			if (err != nil) != tt.wantErr {
				t.Errorf("JPEG() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePrediction(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:  "complete",
			input: `{"type":"prediction","health":{"label":"Healthy","confidence":0.9},"ripeness":{"level":"Ripe","days":3}}`,
		},
		{
			name:  "null days",
			input: `{"type":"prediction","health":{"label":"Rotten","confidence":0.4},"ripeness":{"level":"Overripe","days":null}}`,
		},
		{
			name:  "partial",
			input: `{"type":"prediction","health":{"label":"Healthy"}}`,
		},
		{
			name:  "extra fields ignored",
			input: `{"type":"prediction","health":{"label":"Healthy","confidence":1},"model":"v2"}`,
		},
		{
			name:    "other kind",
			input:   `{"type":"status","ok":true}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "not json",
			input:   `{"type":"prediction",`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing type",
			input:   `{"health":{"label":"Healthy"}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "array",
			input:   `[1,2,3]`,
			wantErr: ErrMalformed,
		},
		{
			name:    "confidence out of range",
			input:   `{"type":"prediction","health":{"label":"Healthy","confidence":1.5}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "fractional days",
			input:   `{"type":"prediction","ripeness":{"level":"Ripe","days":2.5}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "wrong field type",
			input:   `{"type":"prediction","health":{"label":42}}`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePrediction([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if p != nil {
					t.Error("prediction should be nil on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Type != TypePrediction {
				t.Errorf("Type = %q", p.Type)
			}
		})
	}
}

func TestParsePrediction_Values(t *testing.T) {
	p, err := ParsePrediction([]byte(`{"type":"prediction","health":{"label":"Healthy","confidence":0.9},"ripeness":{"level":"Ripe","days":3}}`))
	if err != nil {
		t.Fatalf("ParsePrediction: %v", err)
	}

	days := 3
	want := NewPrediction("Healthy", 0.9, "Ripe", &days)
	if !reflect.DeepEqual(p, want) {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestPrediction_Clone(t *testing.T) {
	days := 2
	orig := NewPrediction("Healthy", 0.8, "Unripe", &days)
	cp := orig.Clone()

	if !reflect.DeepEqual(orig, cp) {
		t.Fatal("clone differs from original")
	}

	*cp.Health.Confidence = 0.1
	*cp.Ripeness.Days = 9
	if *orig.Health.Confidence != 0.8 || *orig.Ripeness.Days != 2 {
		t.Error("clone shares memory with original")
	}

	var nilPred *Prediction
	if nilPred.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"frame","data":"x"}`))
	if err != nil || typ != TypeFrame {
		t.Errorf("PeekType = %q, %v", typ, err)
	}

	if _, err := PeekType([]byte(`null`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("null should be malformed, got %v", err)
	}
}

func TestParseFrame_Errors(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"type":"frame"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty frame should be malformed, got %v", err)
	}
	if _, err := ParseFrame([]byte(`{"type":"prediction"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("prediction is not a frame, got %v", err)
	}
}
