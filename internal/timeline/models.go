// Package timeline holds the project document read by the export pipeline
// and resolves which elements are on screen at a given instant.
package timeline

import (
	"errors"
	"fmt"
	"math"
)

// Kind is the closed set of element types a project may contain.
type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindSticker Kind = "sticker"
)

// Valid reports whether k is one of the known element kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindText, KindSticker:
		return true
	default:
		return false
	}
}

// IsVisual reports whether elements of this kind are painted onto frames.
func (k Kind) IsVisual() bool {
	switch k {
	case KindImage, KindVideo, KindText, KindSticker:
		return true
	case KindAudio:
		return false
	default:
		return false
	}
}

// HasSource reports whether the kind references an external media resource.
func (k Kind) HasSource() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindSticker:
		return true
	case KindText:
		return false
	default:
		return false
	}
}

const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"

	DefaultLineHeight = 1.2
	DefaultFontSize   = 32
	DefaultFontFamily = "sans-serif"
	DefaultTextColor  = "#ffffff"
)

// Geometry beyond these limits cannot land on any output surface and is
// rejected rather than rendered.
const (
	MaxCoordinate = 100_000
	MaxFontSize   = 4_096
)

type Element struct {
	ID        string   `json:"id"`
	Type      Kind     `json:"type"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Width     float64  `json:"width"`
	Height    float64  `json:"height"`
	Rotation  float64  `json:"rotation,omitempty"`
	Opacity   *float64 `json:"opacity,omitempty"`
	Layer     int      `json:"layer"`
	StartTime float64  `json:"startTime"`
	Duration  float64  `json:"duration"`

	// Src is set for image, video, audio and sticker elements.
	Src string `json:"src,omitempty"`

	// Gain is the audio level for audio elements. Nil falls back to Opacity
	// so documents written before the field existed keep their mix.
	Gain *float64 `json:"gain,omitempty"`

	Text *TextStyle `json:"text,omitempty"`
}

type TextStyle struct {
	Content    string  `json:"content"`
	FontFamily string  `json:"fontFamily,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	FontWeight string  `json:"fontWeight,omitempty"`
	Color      string  `json:"color,omitempty"`
	Align      string  `json:"align,omitempty"`
	LineHeight float64 `json:"lineHeight,omitempty"`
}

type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Duration    float64     `json:"duration"`
	AspectRatio AspectRatio `json:"aspectRatio"`
	Elements    []Element   `json:"elements"`
}

var (
	ErrInvalidElement = errors.New("invalid element")
	ErrInvalidProject = errors.New("invalid project")
)

// End returns the timeline instant at which the element stops being active.
func (e Element) End() float64 {
	return e.StartTime + e.Duration
}

// ActiveAt applies the half-open interval test [start, start+duration).
func (e Element) ActiveAt(t float64) bool {
	return e.StartTime <= t && t < e.End()
}

// Alpha returns the element opacity, defaulting to fully opaque.
func (e Element) Alpha() float64 {
	if e.Opacity == nil {
		return 1
	}
	return clamp01(*e.Opacity)
}

// Volume returns the linear gain applied to an audio element.
func (e Element) Volume() float64 {
	if e.Gain != nil {
		if *e.Gain < 0 {
			return 0
		}
		return *e.Gain
	}
	return e.Alpha()
}

func (e Element) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidElement, e.ID, e.Type)
	}
	if !(e.Duration > 0) || math.IsInf(e.Duration, 0) {
		return fmt.Errorf("%w: %s: duration must be positive", ErrInvalidElement, e.ID)
	}
	if e.StartTime < 0 || math.IsNaN(e.StartTime) {
		return fmt.Errorf("%w: %s: startTime must not be negative", ErrInvalidElement, e.ID)
	}
	if e.Opacity != nil && (*e.Opacity < 0 || *e.Opacity > 1) {
		return fmt.Errorf("%w: %s: opacity must be within [0,1]", ErrInvalidElement, e.ID)
	}
	for _, v := range []float64{e.X, e.Y, e.Width, e.Height, e.Rotation} {
		if math.IsNaN(v) || math.Abs(v) > MaxCoordinate {
			return fmt.Errorf("%w: %s: geometry must be finite and within ±%d", ErrInvalidElement, e.ID, MaxCoordinate)
		}
	}
	if e.Text != nil && (math.IsNaN(e.Text.FontSize) || e.Text.FontSize > MaxFontSize) {
		return fmt.Errorf("%w: %s: fontSize must not exceed %d", ErrInvalidElement, e.ID, MaxFontSize)
	}
	if e.Type.HasSource() && e.Src == "" {
		return fmt.Errorf("%w: %s: %s element requires src", ErrInvalidElement, e.ID, e.Type)
	}
	if e.Type == KindText && e.Text == nil {
		return fmt.Errorf("%w: %s: text element requires text attributes", ErrInvalidElement, e.ID)
	}
	return nil
}

func (p *Project) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil project", ErrInvalidProject)
	}
	if p.AspectRatio.Width <= 0 || p.AspectRatio.Height <= 0 {
		return fmt.Errorf("%w: aspect ratio must be two positive integers", ErrInvalidProject)
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidProject)
	}
	for _, e := range p.Elements {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveDuration is the nominal duration extended to cover any element
// that runs past it.
func (p *Project) EffectiveDuration() float64 {
	d := p.Duration
	for _, e := range p.Elements {
		if end := e.End(); end > d {
			d = end
		}
	}
	return d
}

// ElementsOfKind returns the elements of the given kind in document order.
func (p *Project) ElementsOfKind(kind Kind) []Element {
	var out []Element
	for _, e := range p.Elements {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// Resolved returns the text attributes with defaults applied.
func (s TextStyle) Resolved() TextStyle {
	if s.FontFamily == "" {
		s.FontFamily = DefaultFontFamily
	}
	if s.FontSize <= 0 {
		s.FontSize = DefaultFontSize
	}
	if s.Color == "" {
		s.Color = DefaultTextColor
	}
	if s.Align == "" {
		s.Align = AlignLeft
	}
	if s.LineHeight <= 0 {
		s.LineHeight = DefaultLineHeight
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
