package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/audio"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

// Artifact is the delivered output of an export.
type Artifact struct {
	Name        string
	Format      Format
	ContentType string
	Data        []byte
	Width       int
	Height      int
	Frames      int
	HasAudio    bool
}

func (a *Artifact) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// Delivery describes where a sink put an artifact.
type Delivery struct {
	Destination Destination `json:"destination"`
	Location    string      `json:"location"`
	ShareToken  string      `json:"share_token,omitempty"`
	// LocalPath is set when the artifact was written on this machine.
	LocalPath string `json:"-"`
}

// Sink hands an artifact off to a destination.
type Sink interface {
	Deliver(ctx context.Context, exportID string, a *Artifact) (*Delivery, error)
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Result is the outcome of Session.Start.
type Result struct {
	ExportID  string
	ProjectID string
	Config    Config
	Status    Status
	Artifact  *Artifact
	Delivery  *Delivery
	Warnings  []error
	Err       error
	Elapsed   time.Duration
}

// WarningMessages flattens Warnings for storage and display.
func (r *Result) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// SummaryNotifier receives one notification per finished session.
type SummaryNotifier interface {
	Summarize(ctx context.Context, projectName string, res *Result)
}

// Deps are the long-lived collaborators shared by every session.
type Deps struct {
	Pool     WorkspacePool
	Provider media.Provider
	Mixer    Mixer
	Sinks    map[Destination]Sink
	Summary  SummaryNotifier
	Logger   *slog.Logger
	// Sleep overrides the retry backoff wait.
	Sleep SleepFunc
}

// Exporter creates export sessions.
type Exporter struct {
	deps Deps
}

func NewExporter(deps Deps) *Exporter {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Sinks == nil {
		deps.Sinks = map[Destination]Sink{}
	}
	if deps.Mixer == nil {
		deps.Mixer = silentMixer{}
	}
	return &Exporter{deps: deps}
}

type silentMixer struct{}

func (silentMixer) Mixdown(context.Context, *timeline.Project) (*audio.Buffer, error) { return nil, nil }

// NewSession prepares a single-use session. An empty id gets a fresh UUID.
func (x *Exporter) NewSession(id string, n Notifier) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:       id,
		deps:     x.deps,
		progress: newTracker(id, n),
		logger:   x.deps.Logger.With("export_id", id),
	}
}

// Session owns one export's configuration and progress. It is the only
// writer of that progress.
type Session struct {
	id       string
	deps     Deps
	progress *tracker
	logger   *slog.Logger
	started  bool
}

func (s *Session) ID() string { return s.id }

// Progress returns the latest progress update.
func (s *Session) Progress() Progress { return s.progress.get() }

// Start exports p according to cfg. A non-nil error means no artifact was
// produced; destination failures instead yield a partial Result.
func (s *Session) Start(ctx context.Context, p *timeline.Project, cfg Config) (*Result, error) {
	if s.started {
		return nil, fmt.Errorf("session %s already started", s.id)
	}
	s.started = true

	began := time.Now()
	cfg = cfg.WithDefaults()
	res := &Result{ExportID: s.id, Config: cfg, Status: StatusFailed}
	name := ""
	if p != nil {
		res.ProjectID = p.ID
		name = p.Name
	}

	art, warnings, err := s.produce(ctx, p, cfg)
	res.Warnings = warnings
	res.Elapsed = time.Since(began)
	if err != nil {
		res.Err = err
		s.progress.set(s.progress.get().Percentage, StateFailed, "Export failed: "+err.Error())
		s.logger.Error("export failed", "error", err, "kind", string(KindOf(err)))
		s.summarize(name, res)
		return res, err
	}
	res.Artifact = art

	delivery, err := s.deliver(ctx, cfg.Destination, art)
	res.Elapsed = time.Since(began)
	if err != nil {
		res.Status = StatusPartial
		res.Warnings = append(res.Warnings, err)
		s.progress.set(pctDone, StateSucceeded, "Export rendered, delivery failed: "+err.Error())
		s.logger.Warn("export rendered but delivery failed", "destination", string(cfg.Destination), "error", err)
	} else {
		res.Status = StatusSucceeded
		res.Delivery = delivery
		s.progress.set(pctDone, StateSucceeded, "Export complete")
		s.logger.Info("export complete",
			"destination", string(cfg.Destination),
			"location", delivery.Location,
			"bytes", art.Size(),
			"warnings", len(res.Warnings),
			"elapsed_ms", res.Elapsed.Milliseconds(),
		)
	}
	s.summarize(name, res)
	return res, nil
}

func (s *Session) produce(ctx context.Context, p *timeline.Project, cfg Config) (*Artifact, []error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, nil, newError(KindInvalidConfig, "validate project", err)
	}

	s.logger.Info("export started",
		"project_id", p.ID,
		"format", string(cfg.Format),
		"destination", string(cfg.Destination),
		"resolution", string(cfg.Resolution),
		"quality", string(cfg.Quality),
	)

	if cfg.Format == FormatSnapshot {
		art, err := s.snapshot(p)
		return art, nil, err
	}

	run := newRun(s.id, p, cfg, runDeps{
		pool:     s.deps.Pool,
		provider: s.deps.Provider,
		mixer:    s.deps.Mixer,
		sleep:    s.deps.Sleep,
		logger:   s.logger,
	}, s.progress.set)
	art, err := run.Execute(ctx)
	return art, run.Warnings(), err
}

func (s *Session) snapshot(p *timeline.Project) (*Artifact, error) {
	s.progress.set(pctStart, StateFinalizing, "Serializing project")
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, newError(KindArtifactMissing, "serialize project", err)
	}
	return &Artifact{
		Name:        artifactName(p, FormatSnapshot),
		Format:      FormatSnapshot,
		ContentType: FormatSnapshot.ContentType(),
		Data:        append(data, '\n'),
	}, nil
}

func (s *Session) deliver(ctx context.Context, dest Destination, art *Artifact) (*Delivery, error) {
	sink, ok := s.deps.Sinks[dest]
	if !ok || sink == nil {
		return nil, newError(KindDestination, string(dest), errors.New("destination not configured"))
	}
	d, err := sink.Deliver(ctx, s.id, art)
	if err != nil {
		return nil, newError(KindDestination, string(dest), err)
	}
	if d == nil {
		d = &Delivery{}
	}
	d.Destination = dest
	return d, nil
}

func (s *Session) summarize(name string, res *Result) {
	if s.deps.Summary == nil {
		return
	}
	// The caller's context may already be canceled; the summary still goes out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.deps.Summary.Summarize(ctx, name, res)
}

// artifactName names the artifact after the project, or its id when the
// name has nothing portable in it.
func artifactName(p *timeline.Project, f Format) string {
	if p == nil {
		return ArtifactBaseName("", "") + f.Extension()
	}
	return ArtifactBaseName(p.Name, p.ID) + f.Extension()
}
