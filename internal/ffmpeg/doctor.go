package ffmpeg

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Prober is the subset of Runner the doctor needs.
type Prober interface {
	Version(ctx context.Context, probe bool) (string, error)
	Encoders(ctx context.Context) (string, error)
}

// CachedDoctor caches toolchain capability probes with a TTL so the status
// endpoint and each export do not spawn `ffmpeg -encoders` every time.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(prober Prober, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := &Capabilities{ProbedAt: time.Now()}

	version, err := d.prober.Version(ctx, false)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("ffmpeg probe failed", "error", err)
		}
		if d.cached != nil {
			return d.cached, nil
		}
		return nil, err
	}
	caps.HasFFmpeg = true
	caps.FFmpegVersion = version

	if v, err := d.prober.Version(ctx, true); err == nil {
		caps.HasFFprobe = true
		caps.FFprobeVersion = v
	}

	if listing, err := d.prober.Encoders(ctx); err == nil {
		caps.HasLibx264 = hasEncoder(listing, "libx264")
		caps.HasAAC = hasEncoder(listing, "aac")
	}

	if d.logger != nil {
		d.logger.Info("ffmpeg probe complete",
			"version", caps.FFmpegVersion,
			"libx264", caps.HasLibx264,
			"aac", caps.HasAAC,
			"ffprobe", caps.HasFFprobe,
		)
	}

	d.cached = caps
	return caps, nil
}

// Invalidate clears the cached capabilities.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// hasEncoder scans `ffmpeg -encoders` output, where each encoder line is
// " V....D libx264   description".
func hasEncoder(listing, name string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}
