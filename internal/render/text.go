package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/heimdex/heimdex-render/internal/timeline"
)

// textBlock is a laid-out text element in layer-local pixel coordinates.
type textBlock struct {
	lines    []string
	widths   []float64
	size     float64
	advance  float64
	align    string
	boxWidth float64
	descent  float64
}

// height is the vertical extent from the layer top to the last descender.
func (b textBlock) height() float64 {
	if len(b.lines) == 0 {
		return 0
	}
	return b.size + float64(len(b.lines)-1)*b.advance + b.descent
}

// baseline returns the y of line i relative to the element's top edge.
func (b textBlock) baseline(i int) float64 {
	return b.size + float64(i)*b.advance
}

// lineX returns the left edge of line i for the block's alignment.
func (b textBlock) lineX(i int) float64 {
	switch b.align {
	case timeline.AlignCenter:
		return b.boxWidth/2 - b.widths[i]/2
	case timeline.AlignRight:
		return b.boxWidth - b.widths[i]
	default:
		return 0
	}
}

func measure(face font.Face, s string) float64 {
	return fixedToFloat(font.MeasureString(face, s))
}

// wrapLines performs greedy word wrapping. Explicit newlines always break.
// A word wider than maxWidth on its own is kept on a line by itself.
func wrapLines(face font.Face, content string, maxWidth float64) []string {
	var lines []string
	for _, paragraph := range strings.Split(content, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			candidate := line + " " + w
			if measure(face, candidate) > maxWidth {
				lines = append(lines, line)
				line = w
				continue
			}
			line = candidate
		}
		lines = append(lines, line)
	}
	return lines
}

func layoutText(face font.Face, style timeline.TextStyle, size, boxWidth float64) textBlock {
	lines := wrapLines(face, style.Content, boxWidth)
	widths := make([]float64, len(lines))
	for i, l := range lines {
		widths[i] = measure(face, l)
	}
	return textBlock{
		lines:    lines,
		widths:   widths,
		size:     size,
		advance:  size * style.LineHeight,
		align:    style.Align,
		boxWidth: boxWidth,
		descent:  fixedToFloat(face.Metrics().Descent),
	}
}

// drawText renders the block onto a fresh transparent layer covering only
// window, which is given in layer coordinates.
func drawText(face font.Face, block textBlock, fill color.Color, window image.Rectangle) *image.RGBA {
	layer := image.NewRGBA(window)
	d := &font.Drawer{
		Dst:  layer,
		Src:  image.NewUniform(fill),
		Face: face,
	}
	for i, line := range block.lines {
		if line == "" {
			continue
		}
		d.Dot = fixed.Point26_6{
			X: floatToFixed(block.lineX(i)),
			Y: floatToFixed(block.baseline(i)),
		}
		d.DrawString(line)
	}
	return layer
}

func fixedToFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}

func floatToFixed(v float64) fixed.Int26_6 {
	return fixed.Int26_6(math.Round(v * 64))
}

var namedColors = map[string]color.RGBA{
	"white":       {255, 255, 255, 255},
	"black":       {0, 0, 0, 255},
	"red":         {255, 0, 0, 255},
	"green":       {0, 128, 0, 255},
	"blue":        {0, 0, 255, 255},
	"yellow":      {255, 255, 0, 255},
	"gray":        {128, 128, 128, 255},
	"grey":        {128, 128, 128, 255},
	"transparent": {0, 0, 0, 0},
}

// parseColor accepts #rgb, #rrggbb, #rrggbbaa and a few CSS names.
func parseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return color.RGBA{}, fmt.Errorf("unsupported color %q", s)
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("unsupported color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("unsupported color %q", s)
	}
	c := color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
	return color.RGBAModel.Convert(c).(color.RGBA), nil
}
