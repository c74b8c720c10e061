// Package render rasterizes the visible elements of a timeline instant onto
// a fixed-size RGBA surface.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// ReferenceHeight is the canvas height element geometry is authored
// against. Surfaces of other heights scale all coordinates uniformly.
const ReferenceHeight = 1080

// Surface is the raster target for one frame. It is reused across frames
// of a run and is not safe for concurrent use.
type Surface struct {
	img   *image.RGBA
	scale float64
}

// NewSurface allocates a width x height surface whose scale maps project
// units onto pixels.
func NewSurface(width, height int) *Surface {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return &Surface{
		img:   image.NewRGBA(image.Rect(0, 0, width, height)),
		scale: float64(height) / ReferenceHeight,
	}
}

func (s *Surface) Width() int  { return s.img.Rect.Dx() }
func (s *Surface) Height() int { return s.img.Rect.Dy() }

// Scale is the factor applied to project coordinates.
func (s *Surface) Scale() float64 { return s.scale }

// Image exposes the backing pixels.
func (s *Surface) Image() *image.RGBA { return s.img }

// Clear paints the whole surface opaque black.
func (s *Surface) Clear() {
	draw.Draw(s.img, s.img.Rect, image.Black, image.Point{}, draw.Src)
}

// EncodeJPEG serializes the current pixels at the given quality (1-100).
func (s *Surface) EncodeJPEG(quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range", quality)
	}
	var buf bytes.Buffer
	buf.Grow(s.Width() * s.Height() / 4)
	if err := jpeg.Encode(&buf, s.img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
