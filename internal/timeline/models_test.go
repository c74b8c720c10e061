package timeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func TestEffectiveDuration(t *testing.T) {
	p := &Project{
		Duration: 5,
		Elements: []Element{
			{ID: "a", Type: KindImage, Src: "a.png", StartTime: 0, Duration: 2},
			{ID: "b", Type: KindAudio, Src: "b.wav", StartTime: 4, Duration: 3.5},
		},
	}
	if got := p.EffectiveDuration(); got != 7.5 {
		t.Fatalf("EffectiveDuration = %v, want 7.5", got)
	}

	p.Duration = 10
	if got := p.EffectiveDuration(); got != 10 {
		t.Fatalf("EffectiveDuration = %v, want nominal 10", got)
	}
}

func TestElement_Validate(t *testing.T) {
	tests := []struct {
		name    string
		el      Element
		wantErr bool
	}{
		{name: "valid image", el: Element{ID: "i", Type: KindImage, Src: "a.png", Duration: 1}},
		{name: "zero duration", el: Element{ID: "i", Type: KindImage, Src: "a.png"}, wantErr: true},
		{name: "negative start", el: Element{ID: "i", Type: KindImage, Src: "a.png", StartTime: -1, Duration: 1}, wantErr: true},
		{name: "unknown kind", el: Element{ID: "i", Type: "shape", Duration: 1}, wantErr: true},
		{name: "missing src", el: Element{ID: "i", Type: KindVideo, Duration: 1}, wantErr: true},
		{name: "text without style", el: Element{ID: "t", Type: KindText, Duration: 1}, wantErr: true},
		{name: "off-canvas position", el: Element{ID: "i", Type: KindImage, Src: "a.png", Duration: 1, X: -500, Y: 4000, Width: 100, Height: 100}},
		{name: "huge box", el: Element{ID: "t", Type: KindText, Duration: 1, Width: 1e12, Height: 1e12, Text: &TextStyle{Content: "hi"}}, wantErr: true},
		{name: "nan position", el: Element{ID: "i", Type: KindImage, Src: "a.png", Duration: 1, X: math.NaN()}, wantErr: true},
		{name: "infinite rotation", el: Element{ID: "i", Type: KindImage, Src: "a.png", Duration: 1, Rotation: math.Inf(1)}, wantErr: true},
		{name: "huge font", el: Element{ID: "t", Type: KindText, Duration: 1, Width: 100, Text: &TextStyle{Content: "hi", FontSize: 1e9}}, wantErr: true},
		{name: "opacity out of range", el: Element{ID: "i", Type: KindSticker, Src: "s.png", Duration: 1, Opacity: ptr(1.5)}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.el.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidElement) {
				t.Fatalf("Validate() = %v, want ErrInvalidElement", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestElement_Volume(t *testing.T) {
	el := Element{Type: KindAudio}
	if got := el.Volume(); got != 1 {
		t.Fatalf("default volume = %v, want 1", got)
	}

	el.Opacity = ptr(0.5)
	if got := el.Volume(); got != 0.5 {
		t.Fatalf("opacity fallback volume = %v, want 0.5", got)
	}

	el.Gain = ptr(1.8)
	if got := el.Volume(); got != 1.8 {
		t.Fatalf("explicit gain volume = %v, want 1.8", got)
	}
}

func TestProject_ValidateAspectRatio(t *testing.T) {
	p := &Project{AspectRatio: AspectRatio{Width: 0, Height: 9}}
	if err := p.Validate(); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("Validate() = %v, want ErrInvalidProject", err)
	}
}

func TestTextStyle_Resolved(t *testing.T) {
	s := TextStyle{Content: "hi"}.Resolved()
	if s.LineHeight != DefaultLineHeight || s.Align != AlignLeft || s.FontSize != DefaultFontSize {
		t.Fatalf("Resolved() defaults not applied: %+v", s)
	}
}

func TestDirStore_GetAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.json")
	doc := `{"name":"Demo","duration":3,"aspectRatio":{"width":16,"height":9},"elements":[]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write project: %v", err)
	}

	store := NewDirStore(dir, nil)
	p, err := store.Get(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.ID != "demo" || p.Name != "Demo" {
		t.Fatalf("Get() = %+v, want id demo name Demo", p)
	}

	updated := `{"name":"Renamed","duration":3,"aspectRatio":{"width":16,"height":9},"elements":[]}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite project: %v", err)
	}

	p, _ = store.Get(context.Background(), "demo")
	if p.Name != "Demo" {
		t.Fatalf("expected cached document before invalidation, got %q", p.Name)
	}

	store.Invalidate(path)
	p, _ = store.Get(context.Background(), "demo")
	if p.Name != "Renamed" {
		t.Fatalf("expected reloaded document after invalidation, got %q", p.Name)
	}
}

func TestDirStore_NotFound(t *testing.T) {
	store := NewDirStore(t.TempDir(), nil)

	for _, id := range []string{"missing", "../etc", ""} {
		if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrProjectNotFound) {
			t.Errorf("Get(%q) = %v, want ErrProjectNotFound", id, err)
		}
	}
}

func TestDirStore_List(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"name":"B","duration":2,"aspectRatio":{"width":1,"height":1}}`), 0o644)
	os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"name":"A","duration":1,"aspectRatio":{"width":1,"height":1}}`), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{`), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0o644)

	list, err := NewDirStore(dir, nil).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List() = %+v, want [a b]", list)
	}
}
