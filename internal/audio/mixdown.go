// Package audio renders the audio elements of a project into a single
// stereo waveform and serializes it as RIFF/WAVE.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-render/internal/timeline"
)

const (
	DefaultSampleRate = 44100
	Channels          = 2
)

// SourceResolver maps a source reference to a local path.
type SourceResolver interface {
	Resolve(ref string) (string, error)
}

// Decoder converts any audio-bearing file to interleaved stereo float32
// at sampleRate. The ffmpeg runner satisfies it.
type Decoder interface {
	DecodeAudio(ctx context.Context, path string, sampleRate int) ([]float32, error)
}

type Config struct {
	SampleRate int
	Resolver   SourceResolver
	// Decoder handles non-WAV sources. Nil restricts the engine to WAV.
	Decoder Decoder
	Logger  *slog.Logger
}

// Engine mixes audio elements offline. It holds no per-project state and
// may be shared across runs.
type Engine struct {
	sampleRate int
	resolver   SourceResolver
	decoder    Decoder
	logger     *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		sampleRate: cfg.SampleRate,
		resolver:   cfg.Resolver,
		decoder:    cfg.Decoder,
		logger:     cfg.Logger,
	}
}

func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// Mixdown sums every resolvable audio element into one stereo buffer the
// length of the project's effective duration. It returns nil when the
// project has no audio elements or none of them could be decoded. Samples
// are summed without normalization; clipping happens at Encode.
func (e *Engine) Mixdown(ctx context.Context, p *timeline.Project) (*Buffer, error) {
	if p == nil {
		return nil, nil
	}
	elements := p.ElementsOfKind(timeline.KindAudio)
	if len(elements) == 0 {
		return nil, nil
	}

	total := timeline.SpanCount(p.EffectiveDuration(), float64(e.sampleRate))
	out := &Buffer{
		SampleRate: e.sampleRate,
		Channels:   Channels,
		Samples:    make([]float32, total*Channels),
	}

	mixed := 0
	for _, el := range elements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := e.load(ctx, el.Src)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("excluding audio element from mixdown",
				"element_id", el.ID,
				"src", el.Src,
				"error", err,
			)
			continue
		}
		e.place(out, src, el)
		mixed++
	}

	if mixed == 0 {
		e.logger.Info("no audio element could be resolved, exporting without audio",
			"project_id", p.ID,
			"elements", len(elements),
		)
		return nil, nil
	}
	e.logger.Debug("audio mixdown complete", "project_id", p.ID, "mixed", mixed, "frames", total)
	return out, nil
}

// place adds src into dst starting at the element's start time, truncated
// to the element's duration and scaled by its gain.
func (e *Engine) place(dst *Buffer, src []float32, el timeline.Element) {
	gain := float32(el.Volume())
	if gain == 0 {
		return
	}
	start := int(math.Round(el.StartTime * float64(e.sampleRate)))
	limit := int(math.Round(el.Duration * float64(e.sampleRate)))

	srcFrames := len(src) / Channels
	dstFrames := dst.Frames()
	n := min(srcFrames, limit, dstFrames-start)
	for i := 0; i < n; i++ {
		d := (start + i) * Channels
		s := i * Channels
		dst.Samples[d] += src[s] * gain
		dst.Samples[d+1] += src[s+1] * gain
	}
}

// load returns interleaved stereo samples at the engine rate.
func (e *Engine) load(ctx context.Context, ref string) ([]float32, error) {
	if e.resolver == nil {
		return nil, errors.New("no source resolver configured")
	}
	path, err := e.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		samples, werr := e.loadWAV(path)
		if werr == nil {
			return samples, nil
		}
		if e.decoder == nil {
			return nil, werr
		}
		e.logger.Debug("native wav decode failed, falling back to ffmpeg", "path", path, "error", werr)
	}

	if e.decoder == nil {
		return nil, fmt.Errorf("no decoder for %s", filepath.Ext(path))
	}
	samples, err := e.decoder.DecodeAudio(ctx, path, e.sampleRate)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("decoded no samples from %s", ref)
	}
	return samples, nil
}

func (e *Engine) loadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := Decode(f)
	if err != nil {
		return nil, err
	}
	if buf.Frames() == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidWAV)
	}
	stereo := toStereo(buf)
	if buf.SampleRate != e.sampleRate {
		stereo = resample(stereo, buf.SampleRate, e.sampleRate)
	}
	return stereo, nil
}

// toStereo duplicates mono and keeps the first two channels of wider
// layouts.
func toStereo(b *Buffer) []float32 {
	if b.Channels == Channels {
		return b.Samples
	}
	frames := b.Frames()
	out := make([]float32, frames*Channels)
	for i := 0; i < frames; i++ {
		l := b.Samples[i*b.Channels]
		r := l
		if b.Channels > 1 {
			r = b.Samples[i*b.Channels+1]
		}
		out[i*2] = l
		out[i*2+1] = r
	}
	return out
}

// resample converts interleaved stereo by linear interpolation.
func resample(src []float32, from, to int) []float32 {
	inFrames := len(src) / Channels
	outFrames := int(math.Round(float64(inFrames) * float64(to) / float64(from)))
	out := make([]float32, outFrames*Channels)
	ratio := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		frac := float32(pos - float64(j))
		for c := 0; c < Channels; c++ {
			a := src[min(j, inFrames-1)*Channels+c]
			b := src[min(j+1, inFrames-1)*Channels+c]
			out[i*Channels+c] = a + (b-a)*frac
		}
	}
	return out
}
