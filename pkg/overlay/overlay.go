// Package overlay draws the prediction annotation on top of a video frame.
//
// The layout is fixed in canvas pixels so it lines up with the frame the
// prediction was computed from, whatever size the frame is later displayed at.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/teslashibe/fruitcam/pkg/protocol"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Layout constants, in canvas pixels.
const (
	BoxX      = 12
	BoxY      = 12
	BoxWidth  = 320
	BoxHeight = 90

	TextX       = 20
	TextY       = 40
	LineSpacing = 24
)

// Placeholder is drawn for any missing field.
const Placeholder = "-"

var (
	// BoxColor is black at 35% opacity.
	BoxColor = color.NRGBA{R: 0, G: 0, B: 0, A: 89}

	// TextColor is a light emerald (#a7f3d0).
	TextColor = color.RGBA{R: 0xa7, G: 0xf3, B: 0xd0, A: 0xff}
)

// Box returns the rectangle covered by the label region.
func Box() image.Rectangle {
	return image.Rect(BoxX, BoxY, BoxX+BoxWidth, BoxY+BoxHeight)
}

// Lines returns the two text lines for a prediction.
// A nil prediction or missing fields produce placeholders.
func Lines(p *protocol.Prediction) [2]string {
	label, conf := Placeholder, Placeholder
	level, days := Placeholder, Placeholder

	if p != nil && p.Health != nil {
		if p.Health.Label != "" {
			label = p.Health.Label
		}
		if p.Health.Confidence != nil {
			conf = fmt.Sprintf("%d%%", int(math.Round(*p.Health.Confidence*100)))
		}
	}
	if p != nil && p.Ripeness != nil {
		if p.Ripeness.Level != "" {
			level = p.Ripeness.Level
		}
		if p.Ripeness.Days != nil {
			days = fmt.Sprintf("%d", *p.Ripeness.Days)
		}
	}

	return [2]string{
		fmt.Sprintf("Health: %s (%s)", label, conf),
		fmt.Sprintf("Ripeness: %s | Days: %s", level, days),
	}
}

// Render draws the annotation for p onto canvas. It never fails; the box is
// clipped to the canvas bounds.
func Render(canvas draw.Image, p *protocol.Prediction) {
	if canvas == nil {
		return
	}
	bounds := canvas.Bounds()
	box := Box().Add(bounds.Min).Intersect(bounds)
	if !box.Empty() {
		draw.Draw(canvas, box, image.NewUniform(BoxColor), image.Point{}, draw.Over)
	}

	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(TextColor),
		Face: basicfont.Face7x13,
	}
	for i, line := range Lines(p) {
		d.Dot = fixed.P(bounds.Min.X+TextX, bounds.Min.Y+TextY+i*LineSpacing)
		d.DrawString(line)
	}
}

// Annotate copies img into a new RGBA canvas of the same size and renders p on it.
func Annotate(img image.Image, p *protocol.Prediction) *image.RGBA {
	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)
	Render(canvas, p)
	return canvas
}
