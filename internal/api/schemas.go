package api

import (
	"time"

	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/ffmpeg"
	"github.com/heimdex/heimdex-render/internal/library"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State          string             `json:"state"`
	LastError      string             `json:"last_error,omitempty"`
	ProjectsCount  int                `json:"projects_count"`
	ExportsRunning int                `json:"exports_running"`
	ExportsQueued  int                `json:"exports_queued"`
	ActiveExports  []ExportResponse   `json:"active_exports"`
	Toolchain      *ToolchainResponse `json:"toolchain,omitempty"`
}

type ToolchainResponse struct {
	FFmpegVersion  string `json:"ffmpeg_version,omitempty"`
	FFprobeVersion string `json:"ffprobe_version,omitempty"`
	CanEncodeVideo bool   `json:"can_encode_video"`
	HasAAC         bool   `json:"has_aac"`
	LastProbeAt    string `json:"last_probe_at,omitempty"`
}

type ProjectResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Duration     float64 `json:"duration"`
	ElementCount int     `json:"element_count"`
}

type ProjectsResponse struct {
	Projects []ProjectResponse `json:"projects"`
}

type CreateExportRequest struct {
	ProjectID   string  `json:"project_id"`
	Format      string  `json:"format"`
	Destination string  `json:"destination"`
	Resolution  string  `json:"resolution,omitempty"`
	Quality     string  `json:"quality,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
}

func (r CreateExportRequest) Config() export.Config {
	return export.Config{
		Format:      export.Format(r.Format),
		Destination: export.Destination(r.Destination),
		Resolution:  export.Resolution(r.Resolution),
		Quality:     export.Quality(r.Quality),
		FPS:         r.FPS,
	}
}

type ExportResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	ProjectName  string   `json:"project_name"`
	Format       string   `json:"format"`
	Destination  string   `json:"destination"`
	Resolution   string   `json:"resolution"`
	Quality      string   `json:"quality"`
	FPS          float64  `json:"fps"`
	Status       string   `json:"status"`
	Progress     float64  `json:"progress"`
	Message      string   `json:"message,omitempty"`
	Error        string   `json:"error,omitempty"`
	Warnings     []string `json:"warnings"`
	Location     string   `json:"location,omitempty"`
	ArtifactSize int64    `json:"artifact_size,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	DownloadURL  string   `json:"download_url,omitempty"`
	ShareURL     string   `json:"share_url,omitempty"`
	ElapsedMS    int64    `json:"elapsed_ms,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

type RunnerResponse struct {
	Paused bool `json:"paused"`
	Active int  `json:"active"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ProjectToResponse(p timeline.ProjectSummary) ProjectResponse {
	return ProjectResponse{
		ID:           p.ID,
		Name:         p.Name,
		Duration:     p.Duration,
		ElementCount: p.ElementCount,
	}
}

// ExportToResponse renders a library row. shareBase is the public origin
// share links are minted under; empty leaves share_url unset.
func ExportToResponse(e *library.Export, shareBase string) ExportResponse {
	resp := ExportResponse{
		ID:           e.ID,
		ProjectID:    e.ProjectID,
		ProjectName:  e.ProjectName,
		Format:       string(e.Format),
		Destination:  string(e.Destination),
		Resolution:   string(e.Resolution),
		Quality:      string(e.Quality),
		FPS:          e.FPS,
		Status:       e.Status,
		Progress:     e.Progress,
		Message:      e.Message,
		Error:        e.Error,
		Warnings:     e.Warnings,
		Location:     e.Location,
		ArtifactSize: e.ArtifactSize,
		ContentType:  e.ContentType,
		ElapsedMS:    e.ElapsedMS,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    e.UpdatedAt.Format(time.RFC3339),
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if e.HasArtifact() {
		resp.DownloadURL = "/exports/" + e.ID + "/artifact"
	}
	if e.ShareToken != "" && shareBase != "" {
		resp.ShareURL = shareBase + "/shares/" + e.ShareToken
	}
	return resp
}

func ToolchainToResponse(c *ffmpeg.Capabilities) *ToolchainResponse {
	resp := &ToolchainResponse{
		FFmpegVersion:  c.FFmpegVersion,
		FFprobeVersion: c.FFprobeVersion,
		CanEncodeVideo: c.CanEncodeVideo(),
		HasAAC:         c.HasAAC,
	}
	if !c.ProbedAt.IsZero() {
		resp.LastProbeAt = c.ProbedAt.Format(time.RFC3339)
	}
	return resp
}
