package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"golang.org/x/image/vector"
)

const iconSize = 32

var (
	iconOnce  sync.Once
	iconBytes []byte
	iconErr   error
)

// iconPNG renders the tray icon: a play triangle over a film frame.
func iconPNG() ([]byte, error) {
	iconOnce.Do(func() {
		iconBytes, iconErr = renderIcon(iconSize)
	})
	return iconBytes, iconErr
}

func renderIcon(size int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	s := float32(size)

	frame := vector.NewRasterizer(size, size)
	frame.MoveTo(0.06*s, 0.18*s)
	frame.LineTo(0.94*s, 0.18*s)
	frame.LineTo(0.94*s, 0.82*s)
	frame.LineTo(0.06*s, 0.82*s)
	frame.ClosePath()
	frame.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0x1f, G: 0x29, B: 0x37, A: 0xff}), image.Point{})

	play := vector.NewRasterizer(size, size)
	play.MoveTo(0.38*s, 0.32*s)
	play.LineTo(0.70*s, 0.50*s)
	play.LineTo(0.38*s, 0.68*s)
	play.ClosePath()
	play.DrawOp = draw.Over
	play.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0xf5, G: 0x9e, B: 0x0b, A: 0xff}), image.Point{})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
