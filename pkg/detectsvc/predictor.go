package detectsvc

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"sync"

	"github.com/teslashibe/fruitcam/pkg/protocol"
)

// ErrNoPredictions is returned by a CyclingPredictor with an empty script.
var ErrNoPredictions = errors.New("detectsvc: no predictions configured")

// Predictor turns one JPEG frame into a prediction.
type Predictor interface {
	Predict(frame []byte) (*protocol.Prediction, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(frame []byte) (*protocol.Prediction, error)

// Predict calls f.
func (f PredictorFunc) Predict(frame []byte) (*protocol.Prediction, error) {
	return f(frame)
}

// CyclingPredictor ignores the image and returns a fixed sequence of
// predictions in order, wrapping around.
type CyclingPredictor struct {
	mu     sync.Mutex
	script []*protocol.Prediction
	next   int
}

// NewCyclingPredictor creates a predictor over the given script.
func NewCyclingPredictor(script ...*protocol.Prediction) *CyclingPredictor {
	return &CyclingPredictor{script: script}
}

// DefaultScript is a short loop covering each health label.
func DefaultScript() []*protocol.Prediction {
	days := func(n int) *int { return &n }
	return []*protocol.Prediction{
		protocol.NewPrediction("Healthy", 0.93, "Ripe", days(3)),
		protocol.NewPrediction("Healthy", 0.88, "Unripe", days(6)),
		protocol.NewPrediction("Bruised", 0.71, "Overripe", days(1)),
		protocol.NewPrediction("Rotten", 0.84, "Overripe", nil),
	}
}

// Predict returns the next scripted prediction.
func (p *CyclingPredictor) Predict([]byte) (*protocol.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return nil, ErrNoPredictions
	}
	pred := p.script[p.next%len(p.script)].Clone()
	p.next++
	return pred, nil
}

// ColorPredictor classifies a frame from its mean color. Green frames read as
// unripe, warm bright frames as ripe and dark brown frames as rotten. It is
// meant for exercising a live camera against the dev service.
type ColorPredictor struct{}

// Predict decodes the JPEG and classifies its average color.
func (ColorPredictor) Predict(frame []byte) (*protocol.Prediction, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	r, g, b := meanColor(img)
	brightness := (r + g + b) / 3

	days := func(n int) *int { return &n }
	switch {
	case brightness < 60:
		return protocol.NewPrediction("Rotten", 0.6, "Overripe", nil), nil
	case g > r+20 && g > b:
		return protocol.NewPrediction("Healthy", 0.7, "Unripe", days(5)), nil
	case r > b+40 && brightness < 110:
		return protocol.NewPrediction("Bruised", 0.55, "Overripe", days(1)), nil
	default:
		return protocol.NewPrediction("Healthy", 0.75, "Ripe", days(2)), nil
	}
}

// meanColor samples every 4th pixel in each direction.
func meanColor(img image.Image) (r, g, b float64) {
	bounds := img.Bounds()
	var n float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 4 {
		for x := bounds.Min.X; x < bounds.Max.X; x += 4 {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			r += float64(cr >> 8)
			g += float64(cg >> 8)
			b += float64(cb >> 8)
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return r / n, g / n, b / n
}
