package render

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// Typeface selection is fixed to the embedded Go fonts so that text renders
// identically on every host.
type typeface int

const (
	faceSans typeface = iota
	faceSansMedium
	faceSansBold
	faceMono
	faceMonoBold
)

var typefaceTTF = map[typeface][]byte{
	faceSans:       goregular.TTF,
	faceSansMedium: gomedium.TTF,
	faceSansBold:   gobold.TTF,
	faceMono:       gomono.TTF,
	faceMonoBold:   gomonobold.TTF,
}

type faceKey struct {
	face typeface
	size float64
}

// fontSet lazily parses typefaces and caches sized faces. opentype faces
// are not safe for concurrent use, so callers hold mu while drawing.
type fontSet struct {
	mu     sync.Mutex
	parsed map[typeface]*opentype.Font
	faces  map[faceKey]font.Face
}

func newFontSet() *fontSet {
	return &fontSet{
		parsed: make(map[typeface]*opentype.Font),
		faces:  make(map[faceKey]font.Face),
	}
}

// face returns a face for the family/weight at size pixels. mu must be held.
func (fs *fontSet) face(family, weight string, size float64) (font.Face, error) {
	key := faceKey{face: pickTypeface(family, weight), size: size}
	if f, ok := fs.faces[key]; ok {
		return f, nil
	}

	parsed, ok := fs.parsed[key.face]
	if !ok {
		var err error
		parsed, err = opentype.Parse(typefaceTTF[key.face])
		if err != nil {
			return nil, fmt.Errorf("parse font: %w", err)
		}
		fs.parsed[key.face] = parsed
	}

	f, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("new face: %w", err)
	}
	fs.faces[key] = f
	return f, nil
}

func pickTypeface(family, weight string) typeface {
	mono := isMonospace(family)
	switch weightClass(weight) {
	case weightBold:
		if mono {
			return faceMonoBold
		}
		return faceSansBold
	case weightMedium:
		if mono {
			return faceMono
		}
		return faceSansMedium
	default:
		if mono {
			return faceMono
		}
		return faceSans
	}
}

func isMonospace(family string) bool {
	// CSS font stacks list fallbacks; the first entry decides.
	first, _, _ := strings.Cut(family, ",")
	first = strings.ToLower(strings.Trim(strings.TrimSpace(first), `"'`))
	switch first {
	case "monospace", "mono", "courier", "courier new", "consolas", "menlo", "monaco", "go mono":
		return true
	}
	return false
}

type weight int

const (
	weightRegular weight = iota
	weightMedium
	weightBold
)

func weightClass(w string) weight {
	w = strings.ToLower(strings.TrimSpace(w))
	switch w {
	case "bold", "bolder", "semibold", "extrabold", "black":
		return weightBold
	case "medium":
		return weightMedium
	}
	if n, err := strconv.Atoi(w); err == nil {
		switch {
		case n >= 600:
			return weightBold
		case n >= 500:
			return weightMedium
		}
	}
	return weightRegular
}
