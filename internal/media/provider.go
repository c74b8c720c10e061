// Package media is the raster source provider: it turns a source
// reference from a project document into pixels, optionally at a point in
// time for video sources.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrDecode = errors.New("asset decode failed")

// Provider decodes source references into images. Implementations must be
// safe for concurrent use with different references.
type Provider interface {
	// Decode returns the pixels of ref. For video sources at is the offset
	// into the asset in seconds; nil means a still image.
	Decode(ctx context.Context, ref string, at *float64) (image.Image, error)

	// Duration reports the playable length of a time-based source.
	Duration(ctx context.Context, ref string) (float64, error)
}

// FrameExtractor is the subset of the ffmpeg runner the provider needs.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, path string, offset float64) ([]byte, error)
}

// DurationProber is satisfied by the ffmpeg runner's Probe result.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

type Config struct {
	// BaseDir resolves relative references. Absolute references and
	// file:// URLs are used as-is.
	BaseDir string

	// CacheEntries bounds the number of decoded images kept in memory;
	// the least recently used image is dropped first.
	CacheEntries int

	Frames FrameExtractor
	Prober DurationProber
	Logger *slog.Logger
}

// FileProvider reads assets from the local filesystem. Video frames are
// extracted through ffmpeg. Cached results are keyed on the file's
// modification time and size, so an asset rewritten in place is decoded
// afresh.
type FileProvider struct {
	cfg       Config
	cache     *lru.Cache[string, image.Image]
	durations *lru.Cache[string, float64]
}

const durationEntries = 256

func NewFileProvider(cfg Config) *FileProvider {
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 64
	}
	// Both sizes are positive, the only condition lru.New rejects.
	cache, _ := lru.New[string, image.Image](cfg.CacheEntries)
	durations, _ := lru.New[string, float64](durationEntries)
	return &FileProvider{
		cfg:       cfg,
		cache:     cache,
		durations: durations,
	}
}

// assetKey identifies the current contents of path.
func assetKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return path + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10) + "|" + strconv.FormatInt(info.Size(), 10), nil
}

func (p *FileProvider) Decode(ctx context.Context, ref string, at *float64) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := p.resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, ref, err)
	}

	key, err := assetKey(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, ref, err)
	}
	if at != nil {
		// Millisecond precision keeps keys stable across float noise.
		key += "@" + strconv.FormatFloat(*at, 'f', 3, 64)
	}
	if img, ok := p.cache.Get(key); ok {
		return img, nil
	}

	var data []byte
	if at != nil && isVideo(path) {
		if p.cfg.Frames == nil {
			return nil, fmt.Errorf("%w: %s: no frame extractor configured", ErrDecode, ref)
		}
		data, err = p.cfg.Frames.ExtractFrame(ctx, path, *at)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, ref, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, ref, err)
	}

	p.cache.Add(key, img)
	return img, nil
}

func (p *FileProvider) Duration(ctx context.Context, ref string) (float64, error) {
	path, err := p.resolve(ref)
	if err != nil {
		return 0, err
	}
	key, err := assetKey(path)
	if err != nil {
		return 0, err
	}
	if d, ok := p.durations.Get(key); ok {
		return d, nil
	}

	if p.cfg.Prober == nil {
		return 0, fmt.Errorf("no duration prober configured")
	}
	d, err := p.cfg.Prober.ProbeDuration(ctx, path)
	if err != nil {
		return 0, err
	}
	p.durations.Add(key, d)
	return d, nil
}

// Resolve maps a source reference to a filesystem path.
func (p *FileProvider) Resolve(ref string) (string, error) {
	return p.resolve(ref)
}

func (p *FileProvider) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty source reference")
	}
	if strings.HasPrefix(ref, "file://") {
		ref = strings.TrimPrefix(ref, "file://")
	}
	if strings.Contains(ref, "://") {
		return "", fmt.Errorf("unsupported source scheme in %q", ref)
	}
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref), nil
	}
	for _, part := range strings.Split(filepath.ToSlash(ref), "/") {
		if part == ".." {
			return "", fmt.Errorf("source reference cannot contain path traversal")
		}
	}
	return filepath.Join(p.cfg.BaseDir, ref), nil
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
	".m4v":  true,
	".avi":  true,
}

func isVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}
