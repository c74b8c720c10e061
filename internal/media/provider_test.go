package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
}

type fakeFrames struct {
	calls   int
	offsets []float64
	data    []byte
	err     error
}

func (f *fakeFrames) ExtractFrame(ctx context.Context, path string, offset float64) ([]byte, error) {
	f.calls++
	f.offsets = append(f.offsets, offset)
	return f.data, f.err
}

type fakeProber struct {
	calls int
	dur   float64
}

func (f *fakeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	f.calls++
	return f.dur, nil
}

func TestFileProvider_DecodeStill(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "red.png"), color.RGBA{R: 255, A: 255})

	p := NewFileProvider(Config{BaseDir: dir})
	img, err := p.Decode(context.Background(), "red.png", nil)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	r, g, b, a := img.At(1, 1).RGBA()
	if r>>8 != 255 || g != 0 || b != 0 || a>>8 != 255 {
		t.Fatalf("pixel = (%d,%d,%d,%d), want opaque red", r>>8, g>>8, b>>8, a>>8)
	}
	if p.cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", p.cache.Len())
	}
}

func TestFileProvider_DecodeFailures(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "corrupt.png"), []byte("not an image"), 0o644)
	p := NewFileProvider(Config{BaseDir: dir})

	for _, ref := range []string{"missing.png", "corrupt.png", "../escape.png", "https://example.com/a.png", ""} {
		_, err := p.Decode(context.Background(), ref, nil)
		if !errors.Is(err, ErrDecode) {
			t.Errorf("Decode(%q) = %v, want ErrDecode", ref, err)
		}
	}
}

func TestFileProvider_DecodeVideoFrame(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	frames := &fakeFrames{data: buf.Bytes()}
	os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("mp4"), 0o644)

	p := NewFileProvider(Config{BaseDir: dir, Frames: frames})
	at := 1.5
	if _, err := p.Decode(context.Background(), "clip.mp4", &at); err != nil {
		t.Fatalf("Decode video error: %v", err)
	}
	if _, err := p.Decode(context.Background(), "clip.mp4", &at); err != nil {
		t.Fatalf("Decode video (cached) error: %v", err)
	}
	if frames.calls != 1 {
		t.Fatalf("ExtractFrame calls = %d, want 1 (second hit cached)", frames.calls)
	}
	if frames.offsets[0] != 1.5 {
		t.Fatalf("offset = %v, want 1.5", frames.offsets[0])
	}
}

func TestFileProvider_DurationCached(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	os.WriteFile(clip, []byte("mp4"), 0o644)
	prober := &fakeProber{dur: 4.2}
	p := NewFileProvider(Config{BaseDir: dir, Prober: prober})

	for i := 0; i < 3; i++ {
		d, err := p.Duration(context.Background(), "clip.mp4")
		if err != nil {
			t.Fatalf("Duration error: %v", err)
		}
		if d != 4.2 {
			t.Fatalf("Duration = %v, want 4.2", d)
		}
	}
	if prober.calls != 1 {
		t.Fatalf("prober calls = %d, want 1", prober.calls)
	}
}

func TestFileProvider_DurationReprobedAfterRewrite(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	os.WriteFile(clip, []byte("mp4"), 0o644)
	prober := &fakeProber{dur: 4.2}
	p := NewFileProvider(Config{BaseDir: dir, Prober: prober})

	p.Duration(context.Background(), "clip.mp4")
	os.WriteFile(clip, []byte("longer mp4"), 0o644)
	prober.dur = 9
	d, err := p.Duration(context.Background(), "clip.mp4")
	if err != nil || d != 9 {
		t.Fatalf("Duration after rewrite = %v, %v, want 9", d, err)
	}
	if prober.calls != 2 {
		t.Fatalf("prober calls = %d, want 2", prober.calls)
	}
}

func TestFileProvider_StillRewrittenInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logo.png")
	writePNG(t, path, color.RGBA{R: 255, A: 255})
	p := NewFileProvider(Config{BaseDir: dir})

	if _, err := p.Decode(context.Background(), "logo.png", nil); err != nil {
		t.Fatalf("first Decode: %v", err)
	}
	writePNG(t, path, color.RGBA{B: 255, A: 255})
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	img, err := p.Decode(context.Background(), "logo.png", nil)
	if err != nil {
		t.Fatalf("second Decode: %v", err)
	}
	if r, _, b, _ := img.At(0, 0).RGBA(); r != 0 || b>>8 != 255 {
		t.Fatalf("pixel = r%d b%d, want the rewritten blue asset", r>>8, b>>8)
	}
}

func TestFileProvider_EvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, filepath.Join(dir, name), color.White)
	}
	p := NewFileProvider(Config{BaseDir: dir, CacheEntries: 2})
	ctx := context.Background()

	decode := func(ref string) image.Image {
		t.Helper()
		img, err := p.Decode(ctx, ref, nil)
		if err != nil {
			t.Fatalf("Decode(%s): %v", ref, err)
		}
		return img
	}
	a := decode("a.png")
	decode("b.png")
	decode("a.png")
	decode("c.png")

	if p.cache.Len() != 2 {
		t.Fatalf("cache len = %d, want 2", p.cache.Len())
	}
	if decode("a.png") != a {
		t.Error("recently used entry was evicted")
	}
	keyB, _ := assetKey(filepath.Join(dir, "b.png"))
	if p.cache.Contains(keyB) {
		t.Error("least recently used entry should have been evicted")
	}
}
