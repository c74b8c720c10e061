package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"

	"golang.org/x/image/draw"

	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

type fakeProvider struct {
	mu        sync.Mutex
	images    map[string]image.Image
	durations map[string]float64
	offsets   []float64
	decodes   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		images:    make(map[string]image.Image),
		durations: make(map[string]float64),
	}
}

func (f *fakeProvider) Decode(ctx context.Context, ref string, at *float64) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decodes++
	if at != nil {
		f.offsets = append(f.offsets, *at)
	}
	img, ok := f.images[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrDecode, ref)
	}
	return img, nil
}

func (f *fakeProvider) Duration(ctx context.Context, ref string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.durations[ref]
	if !ok {
		return 0, errors.New("unknown duration")
	}
	return d, nil
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	draw.Draw(img, img.Rect, image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func ptr(v float64) *float64 { return &v }

var (
	red  = color.RGBA{255, 0, 0, 255}
	blue = color.RGBA{0, 0, 255, 255}
)

func rgbaAt(s *Surface, x, y int) color.RGBA {
	return s.Image().RGBAAt(x, y)
}

func TestRenderFrame_ClearsToBlack(t *testing.T) {
	c := NewCompositor(newFakeProvider(), nil)
	s := NewSurface(64, 36)
	draw.Draw(s.Image(), s.Image().Rect, image.White, image.Point{}, draw.Src)

	if err := c.RenderFrame(context.Background(), 0, nil, s); err != nil {
		t.Fatalf("RenderFrame error: %v", err)
	}
	for _, p := range []image.Point{{0, 0}, {32, 18}, {63, 35}} {
		if got := rgbaAt(s, p.X, p.Y); got != (color.RGBA{0, 0, 0, 255}) {
			t.Errorf("pixel %v = %v, want opaque black", p, got)
		}
	}
}

func TestRenderFrame_ImageScaledIntoBox(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	c := NewCompositor(fp, nil)
	s := NewSurface(192, 108) // scale 0.1

	el := timeline.Element{ID: "a", Type: timeline.KindImage, Src: "red.png", X: 100, Y: 100, Width: 400, Height: 300, Duration: 1}
	if err := c.RenderFrame(context.Background(), 0, []timeline.Element{el}, s); err != nil {
		t.Fatalf("RenderFrame error: %v", err)
	}

	if got := rgbaAt(s, 30, 25); got != red {
		t.Errorf("inside box = %v, want red", got)
	}
	if got := rgbaAt(s, 5, 5); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("outside box = %v, want black", got)
	}
	if got := rgbaAt(s, 60, 25); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("right of box = %v, want black", got)
	}
}

func TestRenderFrame_Opacity(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	c := NewCompositor(fp, nil)
	s := NewSurface(192, 108)

	el := timeline.Element{ID: "a", Type: timeline.KindImage, Src: "red.png", Width: 1920, Height: 1080, Duration: 1, Opacity: ptr(0.5)}
	c.RenderFrame(context.Background(), 0, []timeline.Element{el}, s)

	got := rgbaAt(s, 96, 54)
	if got.R < 120 || got.R > 135 || got.G != 0 || got.B != 0 {
		t.Errorf("half-opacity red over black = %v, want R≈128", got)
	}
}

func TestRenderFrame_PaintsInGivenOrder(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	fp.images["blue.png"] = solid(blue)
	c := NewCompositor(fp, nil)
	s := NewSurface(192, 108)

	bottom := timeline.Element{ID: "b", Type: timeline.KindImage, Src: "blue.png", Width: 1920, Height: 1080, Duration: 1, Layer: 0}
	top := timeline.Element{ID: "r", Type: timeline.KindSticker, Src: "red.png", Width: 960, Height: 1080, Duration: 1, Layer: 2}
	p := &timeline.Project{AspectRatio: timeline.AspectRatio{Width: 16, Height: 9}, Duration: 1, Elements: []timeline.Element{top, bottom}}

	c.RenderFrame(context.Background(), 0, timeline.VisibleElements(p, 0), s)

	if got := rgbaAt(s, 20, 50); got != red {
		t.Errorf("overlap = %v, want red on top", got)
	}
	if got := rgbaAt(s, 150, 50); got != blue {
		t.Errorf("uncovered = %v, want blue", got)
	}
}

func TestRenderFrame_SkipsUndecodableElement(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	c := NewCompositor(fp, nil)

	var skipped []string
	c.OnAssetError(func(id string, err error) {
		if !errors.Is(err, media.ErrDecode) {
			t.Errorf("callback error = %v, want ErrDecode", err)
		}
		skipped = append(skipped, id)
	})

	s := NewSurface(192, 108)
	visible := []timeline.Element{
		{ID: "broken", Type: timeline.KindImage, Src: "missing.png", Width: 1920, Height: 1080, Duration: 1},
		{ID: "ok", Type: timeline.KindImage, Src: "red.png", Width: 1920, Height: 1080, Duration: 1},
	}
	if err := c.RenderFrame(context.Background(), 0, visible, s); err != nil {
		t.Fatalf("RenderFrame should not fail on a bad asset: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "broken" {
		t.Fatalf("skipped = %v, want [broken]", skipped)
	}
	if got := rgbaAt(s, 96, 54); got != red {
		t.Errorf("frame should still contain later element, got %v", got)
	}
}

func TestRenderFrame_VideoOffsetClamped(t *testing.T) {
	fp := newFakeProvider()
	fp.images["clip.mp4"] = solid(blue)
	fp.durations["clip.mp4"] = 2
	c := NewCompositor(fp, nil)
	s := NewSurface(64, 36)

	el := timeline.Element{ID: "v", Type: timeline.KindVideo, Src: "clip.mp4", StartTime: 1, Width: 1920, Height: 1080, Duration: 10}
	for _, tt := range []float64{1.5, 7} {
		c.RenderFrame(context.Background(), tt, []timeline.Element{el}, s)
	}

	if len(fp.offsets) != 2 {
		t.Fatalf("offsets = %v, want 2 entries", fp.offsets)
	}
	if fp.offsets[0] != 0.5 {
		t.Errorf("offset at t=1.5 = %v, want 0.5", fp.offsets[0])
	}
	if want := 2 - videoTailGuard; fp.offsets[1] != want {
		t.Errorf("offset past end = %v, want %v", fp.offsets[1], want)
	}
}

func TestRenderFrame_Rotation(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	c := NewCompositor(fp, nil)
	s := NewSurface(192, 108)

	// 40x10 pixel box centred on (60,55), turned upright.
	el := timeline.Element{ID: "r", Type: timeline.KindImage, Src: "red.png", X: 400, Y: 500, Width: 400, Height: 100, Rotation: 90, Duration: 1}
	c.RenderFrame(context.Background(), 0, []timeline.Element{el}, s)

	if got := rgbaAt(s, 60, 40); got != red {
		t.Errorf("rotated extent = %v, want red", got)
	}
	if got := rgbaAt(s, 45, 55); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("unrotated extent = %v, want black", got)
	}
}

func TestRenderFrame_Deterministic(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	fp.images["blue.png"] = solid(blue)

	visible := []timeline.Element{
		{ID: "bg", Type: timeline.KindImage, Src: "blue.png", Width: 1920, Height: 1080, Duration: 1},
		{ID: "st", Type: timeline.KindSticker, Src: "red.png", X: 300, Y: 200, Width: 500, Height: 500, Rotation: 33, Opacity: ptr(0.7), Duration: 1},
		{ID: "tx", Type: timeline.KindText, X: 100, Y: 700, Width: 900, Height: 200, Rotation: -8, Duration: 1,
			Text: &timeline.TextStyle{Content: "Deterministic frames render the same every time", FontSize: 64, FontWeight: "bold", Align: "center", Color: "#ffcc00"}},
	}

	render := func() []byte {
		c := NewCompositor(fp, nil)
		s := NewSurface(320, 180)
		if err := c.RenderFrame(context.Background(), 0.5, visible, s); err != nil {
			t.Fatalf("RenderFrame error: %v", err)
		}
		return append([]byte(nil), s.Image().Pix...)
	}

	first, second := render(), render()
	if !bytes.Equal(first, second) {
		t.Fatal("identical inputs produced different pixels")
	}
}

func TestRenderFrame_TextPaintsPixels(t *testing.T) {
	c := NewCompositor(newFakeProvider(), nil)
	s := NewSurface(192, 108)

	el := timeline.Element{ID: "t", Type: timeline.KindText, X: 0, Y: 0, Width: 1920, Height: 400, Duration: 1,
		Text: &timeline.TextStyle{Content: "HELLO", FontSize: 300, Color: "#ffffff"}}
	c.RenderFrame(context.Background(), 0, []timeline.Element{el}, s)

	lit := 0
	for y := 0; y < 40; y++ {
		for x := 0; x < 192; x++ {
			if rgbaAt(s, x, y).R > 128 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Fatal("expected text to paint bright pixels in its box")
	}
}

func TestRenderFrame_HugeTextBoxIsClipped(t *testing.T) {
	c := NewCompositor(newFakeProvider(), nil)
	s := NewSurface(192, 108)

	for _, rot := range []float64{0, 30} {
		el := timeline.Element{ID: "t", Type: timeline.KindText, Width: 1e12, Height: 1e12, Rotation: rot, Duration: 1,
			Text: &timeline.TextStyle{Content: "HELLO", FontSize: 300, Color: "#ffffff"}}
		if err := c.RenderFrame(context.Background(), 0, []timeline.Element{el}, s); err != nil {
			t.Fatalf("rotation %v: RenderFrame error: %v", rot, err)
		}
	}
}

func TestVisibleWindow(t *testing.T) {
	dst := image.Rect(0, 0, 64, 64)
	tests := []struct {
		name        string
		x, y, w, h  float64
		lw, lh, deg float64
		want        image.Rectangle
	}{
		{name: "inside", x: 10, y: 20, w: 100, h: 50, lw: 100, lh: 50, want: image.Rect(0, 0, 55, 45)},
		{name: "huge box", w: 1e12, h: 1e12, lw: 1e12, lh: 1e12, want: image.Rect(0, 0, 65, 65)},
		{name: "partly left of surface", x: -30, y: 0, w: 40, h: 10, lw: 40, lh: 10, want: image.Rect(29, 0, 40, 10)},
		{name: "off surface", x: 1000, y: 0, w: 10, h: 10, lw: 10, lh: 10, want: image.Rectangle{}},
		{name: "half turn", w: 64, h: 64, lw: 64, lh: 64, deg: 180, want: image.Rect(0, 0, 64, 64)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := visibleWindow(dst, tc.x, tc.y, tc.w, tc.h, tc.lw, tc.lh, tc.deg)
			if got != tc.want {
				t.Errorf("visibleWindow = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRenderFrame_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCompositor(newFakeProvider(), nil)
	if err := c.RenderFrame(ctx, 0, nil, NewSurface(8, 8)); !errors.Is(err, context.Canceled) {
		t.Fatalf("RenderFrame = %v, want context.Canceled", err)
	}
}

func TestPrefetch_WarmsProvider(t *testing.T) {
	fp := newFakeProvider()
	fp.images["red.png"] = solid(red)
	c := NewCompositor(fp, nil)

	c.Prefetch(context.Background(), 0, []timeline.Element{
		{ID: "a", Type: timeline.KindImage, Src: "red.png", Duration: 1},
		{ID: "t", Type: timeline.KindText, Duration: 1, Text: &timeline.TextStyle{Content: "x"}},
		{ID: "s", Type: timeline.KindAudio, Src: "a.wav", Duration: 1},
	})
	if fp.decodes != 1 {
		t.Fatalf("decodes = %d, want 1 (media only)", fp.decodes)
	}
}
