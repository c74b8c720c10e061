package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

var ErrNotInstalled = errors.New("ffmpeg toolchain not installed")

// Config holds the runner's configuration.
type Config struct {
	FFmpegPath   string        // empty = look up "ffmpeg" on PATH
	FFprobePath  string        // empty = look up "ffprobe" on PATH
	ProbeTimeout time.Duration // timeout for ffprobe and single-frame grabs
	Logger       *slog.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		ProbeTimeout: 30 * time.Second,
		Logger:       logger,
	}
}

// Runner is the production entry point to the ffmpeg toolchain.
type Runner struct {
	cfg     Config
	ffmpeg  string
	ffprobe string
}

// NewRunner resolves both binaries. A missing ffprobe is tolerated; a
// missing ffmpeg is not.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}

	ffmpegBin, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	ffprobeBin, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		cfg.Logger.Warn("ffprobe not found, video durations will not be clamped", "error", err)
		ffprobeBin = ""
	}

	cfg.Logger.Info("ffmpeg runner initialised", "ffmpeg", ffmpegBin, "ffprobe", ffprobeBin)
	return &Runner{cfg: cfg, ffmpeg: ffmpegBin, ffprobe: ffprobeBin}, nil
}

func (r *Runner) FFmpegPath() string {
	return r.ffmpeg
}

// Run executes ffmpeg with args inside dir. Output files are written
// relative to dir.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) RunResult {
	return r.exec(ctx, r.ffmpeg, dir, io.Discard, args...)
}

// Probe inspects a media file with ffprobe.
func (r *Runner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if r.ffprobe == "" {
		return nil, fmt.Errorf("%w: ffprobe unavailable", ErrNotInstalled)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	var stdout bytes.Buffer
	result := r.exec(ctx, r.ffprobe, "", &stdout,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,codec_name,width,height,sample_rate,avg_frame_rate,duration",
		"-of", "json",
		path,
	)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("ffprobe exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}
	return parseProbe(stdout.Bytes())
}

// ProbeDuration returns the container duration in seconds.
func (r *Runner) ProbeDuration(ctx context.Context, path string) (float64, error) {
	res, err := r.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return res.Duration, nil
}

// ExtractFrame grabs one PNG-encoded frame at offset seconds.
func (r *Runner) ExtractFrame(ctx context.Context, path string, offset float64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	var stdout bytes.Buffer
	result := r.exec(ctx, r.ffmpeg, "", &stdout,
		"-v", "error",
		"-ss", formatSeconds(offset),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("frame extraction exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("frame extraction produced no data at %ss", formatSeconds(offset))
	}
	return stdout.Bytes(), nil
}

// DecodeAudio converts any audio-bearing file to interleaved stereo float32
// samples at sampleRate.
func (r *Runner) DecodeAudio(ctx context.Context, path string, sampleRate int) ([]float32, error) {
	var stdout bytes.Buffer
	result := r.exec(ctx, r.ffmpeg, "", &stdout,
		"-v", "error",
		"-i", path,
		"-vn",
		"-ac", "2",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le",
		"-",
	)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("audio decode exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}

// Version returns the first line of `<bin> -version`.
func (r *Runner) Version(ctx context.Context, probe bool) (string, error) {
	bin := r.ffmpeg
	if probe {
		bin = r.ffprobe
	}
	if bin == "" {
		return "", ErrNotInstalled
	}
	var stdout bytes.Buffer
	result := r.exec(ctx, bin, "", &stdout, "-hide_banner", "-version")
	if !result.IsSuccess() {
		return "", fmt.Errorf("%s -version exited %d", bin, result.ExitCode)
	}
	line, _, _ := strings.Cut(stdout.String(), "\n")
	return strings.TrimSpace(line), nil
}

// Encoders returns the raw `ffmpeg -encoders` listing.
func (r *Runner) Encoders(ctx context.Context) (string, error) {
	var stdout bytes.Buffer
	result := r.exec(ctx, r.ffmpeg, "", &stdout, "-hide_banner", "-encoders")
	if !result.IsSuccess() {
		return "", fmt.Errorf("ffmpeg -encoders exited %d", result.ExitCode)
	}
	return stdout.String(), nil
}

// exec is the core subprocess execution helper.
func (r *Runner) exec(ctx context.Context, bin, dir string, stdout io.Writer, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = stdout

	r.cfg.Logger.Debug("executing media command", "bin", bin, "args", args, "dir", dir)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderrBuf.WriteString(err.Error())
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		r.cfg.Logger.Warn("media command failed",
			"bin", bin,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var raw probeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}

	res := &ProbeResult{}
	res.Duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if res.HasVideo {
				continue
			}
			res.HasVideo = true
			res.Codec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseRational(s.AvgFrameRate)
			if res.Duration == 0 {
				res.Duration, _ = strconv.ParseFloat(s.Duration, 64)
			}
		case "audio":
			if res.HasAudio {
				continue
			}
			res.HasAudio = true
			res.AudioCodec = s.CodecName
			res.AudioSample, _ = strconv.Atoi(s.SampleRate)
		}
	}
	return res, nil
}

func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func formatSeconds(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// resolveBinary finds a usable executable.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("no %s binary found on PATH", name)
	}
	return p, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
