package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/heimdex/heimdex-render/internal/audio"
	"github.com/heimdex/heimdex-render/internal/encoder"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

const (
	maxWriteAttempts = 3
	retryBackoff     = 200 * time.Millisecond

	framePattern = "frame%06d.jpg"
	audioFile    = "audio.wav"
	outputFile   = "output.mp4"
)

// State is the lifecycle position of a Run.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRenderingFrames
	StateMixingAudio
	StateEncoding
	StateFinalizing
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateInitializing:    "initializing",
	StateRenderingFrames: "rendering_frames",
	StateMixingAudio:     "mixing_audio",
	StateEncoding:        "encoding",
	StateFinalizing:      "finalizing",
	StateSucceeded:       "succeeded",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// WorkspacePool hands out isolated staging workspaces.
type WorkspacePool interface {
	Acquire(ctx context.Context) (encoder.Workspace, error)
	Release(ws encoder.Workspace) error
}

// Mixer renders the audio of a project. A nil buffer means no audio.
type Mixer interface {
	Mixdown(ctx context.Context, p *timeline.Project) (*audio.Buffer, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reportFunc func(pct float64, state State, msg string)

// Run drives one export through staging, encoding and retrieval. A Run is
// single use.
type Run struct {
	id         string
	project    *timeline.Project
	cfg        Config
	pool       WorkspacePool
	compositor *render.Compositor
	mixer      Mixer
	sleep      SleepFunc
	report     reportFunc
	logger     *slog.Logger

	width, height int

	mu       sync.Mutex
	state    State
	warnings []error
	skipped  map[string]bool

	ws          encoder.Workspace
	cleanupOnce sync.Once
	hasAudio    bool
	frames      int
}

func newRun(id string, p *timeline.Project, cfg Config, deps runDeps, report reportFunc) *Run {
	r := &Run{
		id:      id,
		project: p,
		cfg:     cfg,
		pool:    deps.pool,
		mixer:   deps.mixer,
		sleep:   deps.sleep,
		report:  report,
		logger:  logging.WithRunID(deps.logger, id),
		skipped: make(map[string]bool),
	}
	r.width, r.height = cfg.Dimensions(p.AspectRatio.Width, p.AspectRatio.Height)
	r.compositor = render.NewCompositor(deps.provider, r.logger)
	r.compositor.OnAssetError(r.assetSkipped)
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	if r.report == nil {
		r.report = func(float64, State, string) {}
	}
	return r
}

type runDeps struct {
	pool     WorkspacePool
	provider media.Provider
	mixer    Mixer
	sleep    SleepFunc
	logger   *slog.Logger
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.logger.Debug("run state", "state", s.String())
}

// Warnings returns the non-fatal degradations recorded so far.
func (r *Run) Warnings() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.warnings...)
}

func (r *Run) warn(err error) {
	r.mu.Lock()
	r.warnings = append(r.warnings, err)
	r.mu.Unlock()
}

// assetSkipped records one warning per element, not per frame.
func (r *Run) assetSkipped(elementID string, err error) {
	r.mu.Lock()
	seen := r.skipped[elementID]
	r.skipped[elementID] = true
	r.mu.Unlock()
	if !seen {
		r.warn(newError(KindAssetDecode, "element "+elementID, err))
	}
}

// Execute runs the pipeline to a terminal state. Staged files are removed
// and the workspace released before it returns, whatever the outcome.
func (r *Run) Execute(ctx context.Context) (art *Artifact, err error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s already executed", r.id)
	}
	r.state = StateInitializing
	r.mu.Unlock()

	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", p, "state", r.State().String(), "stack", string(debug.Stack()))
			err = newError(KindInternal, r.State().String(), fmt.Errorf("panic: %v", p))
		}
		if err == nil && art == nil {
			err = newError(KindArtifactMissing, "retrieve artifact", errors.New("no artifact produced"))
		}
		if err != nil && ctx.Err() != nil && KindOf(err) != KindCanceled {
			err = newError(KindCanceled, "export canceled", err)
		}
		r.finish(err)
		if err == nil {
			r.logger.Info("run succeeded",
				"frames", r.frames,
				"audio", r.hasAudio,
				"bytes", len(art.Data),
				"duration_ms", time.Since(started).Milliseconds(),
			)
		} else {
			art = nil
			r.logger.Warn("run failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		}
	}()

	if err := r.initialize(ctx); err != nil {
		return nil, err
	}

	if err := r.renderFrames(ctx); err != nil {
		return nil, err
	}

	audioData := r.mixAudio(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.cfg.Format == FormatVideo {
		if err := r.encode(ctx); err != nil {
			return nil, err
		}
	}

	return r.retrieve(ctx, audioData, started)
}

// finish enters the terminal state and cleans up exactly once.
func (r *Run) finish(err error) {
	if err != nil {
		r.setState(StateFailed)
	} else {
		r.setState(StateSucceeded)
	}
	r.cleanupOnce.Do(r.cleanup)
}

func (r *Run) initialize(ctx context.Context) error {
	r.report(pctStart, StateInitializing, "Preparing staging area")

	ws, err := r.pool.Acquire(ctx)
	if err != nil {
		return newError(KindStagingWrite, "acquire workspace", err)
	}
	r.ws = ws
	r.logger = r.logger.With("workspace_id", ws.ID())

	names, err := ws.ListFiles(ctx)
	if err != nil {
		return newError(KindStagingWrite, "list staging files", err)
	}
	for _, name := range names {
		if err := ws.DeleteFile(ctx, name); err != nil {
			if errors.Is(err, encoder.ErrReserved) || errors.Is(err, encoder.ErrNotFound) {
				continue
			}
			return newError(KindStagingWrite, "clear staging file "+name, err)
		}
	}
	return nil
}

func frameName(i int) string {
	return fmt.Sprintf(framePattern, i)
}

func (r *Run) renderFrames(ctx context.Context) error {
	if r.cfg.Format != FormatVideo && r.cfg.Format != FormatImageSequence {
		return nil
	}
	r.setState(StateRenderingFrames)

	total := timeline.FrameCount(r.project, r.cfg.FPS)
	if total == 0 {
		return newError(KindInvalidConfig, "render frames", errors.New("project has no duration"))
	}
	r.report(pctFramesStart, StateRenderingFrames, fmt.Sprintf("Rendering %d frames", total))

	surface := render.NewSurface(r.width, r.height)
	quality := r.cfg.Preset().FrameQuality

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.renderFrame(ctx, i, total, surface, quality); err != nil {
			return err
		}
		r.frames = i + 1
		r.report(frameBand(i+1, total), StateRenderingFrames,
			fmt.Sprintf("Rendered frame %d/%d (%s)", i+1, total, timecode(i, r.cfg.FPS)))
	}
	return nil
}

// renderFrame paints frame i and stages it. Decoding for frame i+1 runs
// alongside the write of frame i.
func (r *Run) renderFrame(ctx context.Context, i, total int, s *render.Surface, quality int) error {
	t := timeline.FrameTime(i, r.cfg.FPS)
	if err := r.compositor.RenderFrame(ctx, t, timeline.VisibleElements(r.project, t), s); err != nil {
		return err
	}
	data, err := s.EncodeJPEG(quality)
	if err != nil {
		return newError(KindStagingWrite, "encode "+frameName(i), err)
	}

	if i+1 < total {
		next := timeline.FrameTime(i+1, r.cfg.FPS)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if p := recover(); p != nil {
					r.logger.Warn("prefetch panicked", "frame", i+1, "panic", p)
				}
			}()
			r.compositor.Prefetch(ctx, next, timeline.VisibleElements(r.project, next))
		}()
		defer func() { <-done }()
	}

	return r.writeVerified(ctx, frameName(i), data)
}

// writeVerified writes data under name and reads it back. A missing,
// empty or short read-back deletes the file and retries with a linear
// backoff.
func (r *Run) writeVerified(ctx context.Context, name string, data []byte) error {
	var last error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = r.writeOnce(ctx, name, data)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("staged write failed verification",
			"file", name,
			"attempt", attempt,
			"error", last,
		)
		if err := r.ws.DeleteFile(ctx, name); err != nil && !errors.Is(err, encoder.ErrNotFound) {
			r.logger.Debug("delete of partial file failed", "file", name, "error", err)
		}
		if attempt < maxWriteAttempts {
			if err := r.sleep(ctx, time.Duration(attempt)*retryBackoff); err != nil {
				return err
			}
		}
	}
	return newError(KindStagingWrite, fmt.Sprintf("write %s after %d attempts", name, maxWriteAttempts), last)
}

func (r *Run) writeOnce(ctx context.Context, name string, data []byte) error {
	if err := r.ws.WriteFile(ctx, name, data); err != nil {
		return err
	}
	got, err := r.ws.ReadFile(ctx, name)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if len(got) == 0 {
		return errors.New("verify: staged file is empty")
	}
	if len(got) != len(data) {
		return fmt.Errorf("verify: wrote %d bytes, read back %d", len(data), len(got))
	}
	return nil
}

// mixAudio stages the mixdown if there is one. Failures degrade the
// export to silent and are recorded as warnings.
func (r *Run) mixAudio(ctx context.Context) []byte {
	r.setState(StateMixingAudio)
	r.report(pctFramesEnd, StateMixingAudio, "Mixing audio")

	buf, err := r.mixer.Mixdown(ctx, r.project)
	if err != nil {
		if ctx.Err() == nil {
			r.warn(newError(KindAudioMixdown, "mixdown", err))
		}
		return nil
	}
	if buf == nil {
		r.report(pctAudioDone, StateMixingAudio, "No audio to mix")
		return nil
	}

	data, err := audio.Encode(buf)
	if err != nil {
		r.warn(newError(KindAudioMixdown, "encode "+audioFile, err))
		return nil
	}
	if err := r.writeVerified(ctx, audioFile, data); err != nil {
		if ctx.Err() == nil {
			r.warn(newError(KindAudioMixdown, "stage "+audioFile, err))
			r.ws.DeleteFile(ctx, audioFile)
		}
		return nil
	}
	r.hasAudio = true
	r.report(pctAudioDone, StateMixingAudio, fmt.Sprintf("Mixed %.1fs of audio", buf.Duration()))
	return data
}

// encodeArgs builds the ffmpeg invocation. File names are relative to the
// workspace.
func (r *Run) encodeArgs() []string {
	p := r.cfg.Preset()
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-framerate", strconv.FormatFloat(r.cfg.FPS, 'f', -1, 64),
		"-i", framePattern,
	}
	if r.hasAudio {
		args = append(args, "-i", audioFile)
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-vf", fmt.Sprintf("scale=%d:%d", r.width, r.height),
	)
	if r.hasAudio {
		args = append(args, "-c:a", "aac", "-b:a", "192k", "-shortest")
	}
	return append(args, "-movflags", "+faststart", "-y", outputFile)
}

func (r *Run) encode(ctx context.Context) error {
	r.setState(StateEncoding)
	r.report(pctAudioDone, StateEncoding, "Encoding video")

	res, err := r.ws.Run(ctx, r.encodeArgs())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(KindEncoderInvocation, "run encoder", err)
	}
	if !res.IsSuccess() {
		return newError(KindEncoderInvocation, "run encoder",
			fmt.Errorf("exit code %d: %s", res.ExitCode, res.StderrTail))
	}
	r.report(pctEncodeDone, StateEncoding, fmt.Sprintf("Encoded in %s", res.Duration.Round(time.Millisecond)))
	return nil
}

func (r *Run) retrieve(ctx context.Context, audioData []byte, started time.Time) (*Artifact, error) {
	r.setState(StateFinalizing)
	r.report(pctEncodeDone, StateFinalizing, "Collecting output")

	art := &Artifact{
		Name:        artifactName(r.project, r.cfg.Format),
		Format:      r.cfg.Format,
		ContentType: r.cfg.Format.ContentType(),
		Width:       r.width,
		Height:      r.height,
		Frames:      r.frames,
		HasAudio:    r.hasAudio,
	}

	switch r.cfg.Format {
	case FormatVideo:
		data, err := r.ws.ReadFile(ctx, outputFile)
		if err != nil {
			return nil, newError(KindArtifactMissing, "read "+outputFile, err)
		}
		if len(data) == 0 {
			return nil, newError(KindArtifactMissing, "read "+outputFile, errors.New("encoder produced an empty file"))
		}
		art.Data = data

	case FormatImageSequence:
		frames := make([]archiveEntry, 0, r.frames)
		for i := 0; i < r.frames; i++ {
			data, err := r.ws.ReadFile(ctx, frameName(i))
			if err != nil || len(data) == 0 {
				return nil, newError(KindArtifactMissing, "read "+frameName(i), err)
			}
			frames = append(frames, archiveEntry{name: frameName(i), data: data})
		}
		m := Manifest{
			ProjectID:    r.project.ID,
			ProjectName:  r.project.Name,
			FPS:          r.cfg.FPS,
			Width:        r.width,
			Height:       r.height,
			FrameCount:   r.frames,
			FramePattern: archiveFrameDir + framePattern,
			CreatedAt:    started.UTC().Truncate(time.Second),
		}
		if audioData != nil {
			m.Audio = audioFile
		}
		data, err := buildArchive(m, frames, audioData)
		if err != nil {
			return nil, newError(KindArtifactMissing, "package frames", err)
		}
		art.Data = data
	}

	r.report(pctFinalized, StateFinalizing, "Output ready")
	return art, nil
}

// cleanup empties the workspace and hands it back to the pool. Errors are
// logged only.
func (r *Run) cleanup() {
	if r.ws == nil {
		return
	}
	// Staged files are removed even when the run was canceled.
	ctx := context.Background()

	removed := 0
	names, err := r.ws.ListFiles(ctx)
	if err != nil {
		r.logger.Warn("cleanup: list staging files failed", "error", err)
	}
	for _, name := range names {
		if err := r.ws.DeleteFile(ctx, name); err != nil {
			if !errors.Is(err, encoder.ErrReserved) {
				r.logger.Warn("cleanup: delete failed", "file", name, "error", err)
			}
			continue
		}
		removed++
	}
	if err := r.pool.Release(r.ws); err != nil {
		r.logger.Warn("cleanup: release workspace failed", "error", err)
	}
	r.logger.Debug("staging cleaned", "removed", removed)
}
