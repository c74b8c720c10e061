package render

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

// videoTailGuard keeps seeks strictly inside the asset so the decoder
// always has a frame to return.
const videoTailGuard = 0.001

// AssetErrorFunc is called when an element is skipped because its source
// could not be decoded.
type AssetErrorFunc func(elementID string, err error)

type Compositor struct {
	provider media.Provider
	logger   *slog.Logger
	fonts    *fontSet
	kernel   draw.Transformer

	onAssetError AssetErrorFunc
}

func NewCompositor(provider media.Provider, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compositor{
		provider: provider,
		logger:   logger,
		fonts:    newFontSet(),
		kernel:   draw.BiLinear,
	}
}

// OnAssetError registers a callback for skipped elements.
func (c *Compositor) OnAssetError(fn AssetErrorFunc) {
	c.onAssetError = fn
}

// RenderFrame clears the surface and paints the visible elements in the
// order given. Elements whose source cannot be decoded are skipped; the
// only error returned is ctx cancellation.
func (c *Compositor) RenderFrame(ctx context.Context, t float64, visible []timeline.Element, s *Surface) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Clear()

	for _, e := range visible {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch e.Type {
		case timeline.KindImage, timeline.KindSticker:
			c.drawMedia(ctx, e, nil, s)
		case timeline.KindVideo:
			at := c.videoOffset(ctx, e, t)
			c.drawMedia(ctx, e, &at, s)
		case timeline.KindText:
			c.drawTextElement(e, s)
		case timeline.KindAudio:
			// not painted
		}
	}
	return nil
}

// Prefetch decodes the media sources visible at t so that a following
// RenderFrame for the same instant hits the provider cache.
func (c *Compositor) Prefetch(ctx context.Context, t float64, visible []timeline.Element) {
	for _, e := range visible {
		if ctx.Err() != nil {
			return
		}
		switch e.Type {
		case timeline.KindImage, timeline.KindSticker:
			c.provider.Decode(ctx, e.Src, nil)
		case timeline.KindVideo:
			at := c.videoOffset(ctx, e, t)
			c.provider.Decode(ctx, e.Src, &at)
		case timeline.KindText, timeline.KindAudio:
		}
	}
}

// videoOffset seeks to t - startTime, clamped to the asset's own length.
func (c *Compositor) videoOffset(ctx context.Context, e timeline.Element, t float64) float64 {
	offset := t - e.StartTime
	if offset < 0 {
		offset = 0
	}
	dur, err := c.provider.Duration(ctx, e.Src)
	if err != nil || dur <= 0 {
		return offset
	}
	if limit := math.Max(0, dur-videoTailGuard); offset > limit {
		offset = limit
	}
	return offset
}

func (c *Compositor) drawMedia(ctx context.Context, e timeline.Element, at *float64, s *Surface) {
	src, err := c.provider.Decode(ctx, e.Src, at)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("skipping element, source decode failed",
			"element_id", e.ID,
			"type", string(e.Type),
			"error", err,
		)
		if c.onAssetError != nil {
			c.onAssetError(e.ID, err)
		}
		return
	}

	sr := src.Bounds()
	if sr.Empty() || e.Width <= 0 || e.Height <= 0 {
		return
	}

	k := s.Scale()
	x, y, w, h := e.X*k, e.Y*k, e.Width*k, e.Height*k
	m := placement(sr, x, y, w/float64(sr.Dx()), h/float64(sr.Dy()), x+w/2, y+h/2, e.Rotation)
	c.kernel.Transform(s.Image(), m, src, sr, draw.Over, alphaOptions(e.Alpha()))
}

func (c *Compositor) drawTextElement(e timeline.Element, s *Surface) {
	if e.Text == nil || e.Width <= 0 {
		return
	}
	style := e.Text.Resolved()
	if style.Content == "" {
		return
	}

	fill, err := parseColor(style.Color)
	if err != nil {
		c.logger.Debug("unsupported text color, using default", "element_id", e.ID, "color", style.Color)
		fill, _ = parseColor(timeline.DefaultTextColor)
	}

	k := s.Scale()
	x, y, w, h := e.X*k, e.Y*k, e.Width*k, e.Height*k
	size := style.FontSize * k

	c.fonts.mu.Lock()
	defer c.fonts.mu.Unlock()

	face, err := c.fonts.face(style.FontFamily, style.FontWeight, size)
	if err != nil {
		c.logger.Warn("skipping text element, font unavailable", "element_id", e.ID, "error", err)
		return
	}

	block := layoutText(face, style, size, w)
	lw := math.Ceil(w)
	lh := math.Ceil(math.Max(h, block.height()))
	if lw < 1 || lh < 1 {
		return
	}
	window := visibleWindow(s.Image().Bounds(), x, y, w, h, lw, lh, e.Rotation)
	if window.Empty() {
		return
	}
	layer := drawText(face, block, fill, window)

	alpha := e.Alpha()
	if e.Rotation == 0 {
		dp := image.Pt(int(math.Round(x)), int(math.Round(y)))
		r := window.Add(dp)
		if alpha >= 1 {
			draw.Draw(s.Image(), r, layer, window.Min, draw.Over)
		} else {
			draw.DrawMask(s.Image(), r, layer, window.Min, alphaMask(alpha), image.Point{}, draw.Over)
		}
		return
	}

	m := placement(image.Rect(0, 0, int(lw), int(lh)), x, y, 1, 1, x+w/2, y+h/2, e.Rotation)
	c.kernel.Transform(s.Image(), m, layer, window, draw.Over, alphaOptions(alpha))
}

// visibleWindow returns the part of an lw by lh text layer, in layer
// coordinates, that can land on dst once placed at (x, y) and rotated
// around the box centre. The layer is never allocated beyond it.
func visibleWindow(dst image.Rectangle, x, y, w, h, lw, lh, deg float64) image.Rectangle {
	cos, sin := 1.0, 0.0
	if deg != 0 {
		rad := deg * math.Pi / 180
		cos, sin = math.Cos(rad), math.Sin(rad)
	}
	cx, cy := x+w/2, y+h/2
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, q := range [][2]float64{
		{float64(dst.Min.X), float64(dst.Min.Y)},
		{float64(dst.Max.X), float64(dst.Min.Y)},
		{float64(dst.Min.X), float64(dst.Max.Y)},
		{float64(dst.Max.X), float64(dst.Max.Y)},
	} {
		dx, dy := q[0]-cx, q[1]-cy
		px := cos*dx + sin*dy + w/2
		py := -sin*dx + cos*dy + h/2
		minX, maxX = math.Min(minX, px), math.Max(maxX, px)
		minY, maxY = math.Min(minY, py), math.Max(maxY, py)
	}
	// One pixel of slack for the bilinear kernel and rounding of (x, y).
	minX = math.Max(math.Floor(minX)-1, 0)
	minY = math.Max(math.Floor(minY)-1, 0)
	maxX = math.Min(math.Ceil(maxX)+1, lw)
	maxY = math.Min(math.Ceil(maxY)+1, lh)
	if minX >= maxX || minY >= maxY {
		return image.Rectangle{}
	}
	return image.Rect(int(minX), int(minY), int(maxX), int(maxY))
}

// placement builds the source-to-surface transform for an element: scale
// by (kx, ky), translate to (x, y), then rotate by deg degrees clockwise
// around (cx, cy).
func placement(sr image.Rectangle, x, y, kx, ky, cx, cy, deg float64) f64.Aff3 {
	cos, sin := 1.0, 0.0
	if deg != 0 {
		rad := deg * math.Pi / 180
		cos, sin = math.Cos(rad), math.Sin(rad)
	}
	ox := x - kx*float64(sr.Min.X)
	oy := y - ky*float64(sr.Min.Y)
	return f64.Aff3{
		cos * kx, -sin * ky, cos*(ox-cx) - sin*(oy-cy) + cx,
		sin * kx, cos * ky, sin*(ox-cx) + cos*(oy-cy) + cy,
	}
}

func alphaMask(alpha float64) image.Image {
	return image.NewUniform(color.Alpha{A: uint8(math.Round(alpha * 255))})
}

func alphaOptions(alpha float64) *draw.Options {
	if alpha >= 1 {
		return nil
	}
	return &draw.Options{SrcMask: alphaMask(alpha)}
}
