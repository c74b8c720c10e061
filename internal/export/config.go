package export

import (
	"fmt"
	"math"
)

type Format string

const (
	FormatVideo         Format = "video"
	FormatImageSequence Format = "image-sequence"
	FormatSnapshot      Format = "snapshot"
)

type Destination string

const (
	DestinationLocal   Destination = "local-download"
	DestinationLibrary Destination = "library-save"
	DestinationRemote  Destination = "remote-upload"
	DestinationShare   Destination = "share-target"
)

type Resolution string

const (
	Resolution480p  Resolution = "480p"
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
	Resolution1440p Resolution = "1440p"
	Resolution4K    Resolution = "4k"
)

type Quality string

const (
	QualityLow      Quality = "low"
	QualityMedium   Quality = "medium"
	QualityHigh     Quality = "high"
	QualityLossless Quality = "lossless"
)

const (
	DefaultFPS        = 30
	DefaultResolution = Resolution1080p
	DefaultQuality    = QualityHigh
	maxFPS            = 120
)

var (
	Formats      = []Format{FormatVideo, FormatImageSequence, FormatSnapshot}
	Destinations = []Destination{DestinationLocal, DestinationLibrary, DestinationRemote, DestinationShare}
	Resolutions  = []Resolution{Resolution480p, Resolution720p, Resolution1080p, Resolution1440p, Resolution4K}
	Qualities    = []Quality{QualityLow, QualityMedium, QualityHigh, QualityLossless}
)

var resolutionHeights = map[Resolution]int{
	Resolution480p:  480,
	Resolution720p:  720,
	Resolution1080p: 1080,
	Resolution1440p: 1440,
	Resolution4K:    2160,
}

// EncoderPreset is what a quality tier means to the encoder and to the
// intermediate frame images.
type EncoderPreset struct {
	Preset       string // x264 -preset
	CRF          int    // x264 -crf
	FrameQuality int    // JPEG quality of staged frames
}

var qualityPresets = map[Quality]EncoderPreset{
	QualityLow:      {Preset: "veryfast", CRF: 28, FrameQuality: 75},
	QualityMedium:   {Preset: "medium", CRF: 23, FrameQuality: 85},
	QualityHigh:     {Preset: "slow", CRF: 18, FrameQuality: 92},
	QualityLossless: {Preset: "slow", CRF: 0, FrameQuality: 100},
}

// Config is one export request.
type Config struct {
	Format      Format      `json:"format"`
	Destination Destination `json:"destination"`
	Resolution  Resolution  `json:"resolution,omitempty"`
	Quality     Quality     `json:"quality,omitempty"`
	FPS         float64     `json:"fps,omitempty"`
}

// WithDefaults fills unset tiers and frame rate.
func (c Config) WithDefaults() Config {
	if c.Resolution == "" {
		c.Resolution = DefaultResolution
	}
	if c.Quality == "" {
		c.Quality = DefaultQuality
	}
	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}
	return c
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	switch c.Format {
	case FormatVideo, FormatImageSequence, FormatSnapshot:
	default:
		return newError(KindInvalidConfig, "validate", fmt.Errorf("unknown format %q", c.Format))
	}
	switch c.Destination {
	case DestinationLocal, DestinationLibrary, DestinationRemote, DestinationShare:
	default:
		return newError(KindInvalidConfig, "validate", fmt.Errorf("unknown destination %q", c.Destination))
	}
	if c.Format == FormatSnapshot && c.Destination == DestinationShare {
		return newError(KindInvalidConfig, "validate", fmt.Errorf("snapshots cannot be shared"))
	}
	if _, ok := resolutionHeights[c.Resolution]; !ok {
		return newError(KindInvalidConfig, "validate", fmt.Errorf("unknown resolution %q", c.Resolution))
	}
	if _, ok := qualityPresets[c.Quality]; !ok {
		return newError(KindInvalidConfig, "validate", fmt.Errorf("unknown quality %q", c.Quality))
	}
	if math.IsNaN(c.FPS) || c.FPS <= 0 || c.FPS > maxFPS {
		return newError(KindInvalidConfig, "validate", fmt.Errorf("fps must be within (0, %d]", maxFPS))
	}
	return nil
}

// Preset returns the encoder settings of the quality tier.
func (c Config) Preset() EncoderPreset {
	return qualityPresets[c.Quality]
}

// Dimensions maps the resolution tier onto pixel size for an aspect ratio.
// Both dimensions are even as yuv420p requires.
func (c Config) Dimensions(aspectW, aspectH int) (int, int) {
	h := resolutionHeights[c.Resolution]
	if h == 0 {
		h = resolutionHeights[DefaultResolution]
	}
	if aspectW <= 0 || aspectH <= 0 {
		aspectW, aspectH = 16, 9
	}
	w := int(math.Round(float64(h)*float64(aspectW)/float64(aspectH)/2)) * 2
	if w < 2 {
		w = 2
	}
	return w, h
}

// Extension is the artifact file extension of the format.
func (f Format) Extension() string {
	switch f {
	case FormatVideo:
		return ".mp4"
	case FormatImageSequence:
		return ".zip"
	case FormatSnapshot:
		return ".json"
	default:
		return ""
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatVideo:
		return "video/mp4"
	case FormatImageSequence:
		return "application/zip"
	case FormatSnapshot:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
