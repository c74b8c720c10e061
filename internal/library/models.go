// Package library persists export jobs and their artifacts' whereabouts,
// and runs queued exports in the background.
package library

import (
	"time"

	"github.com/heimdex/heimdex-render/internal/export"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Export is one row of the export library.
type Export struct {
	ID           string             `json:"id"`
	ProjectID    string             `json:"project_id"`
	ProjectName  string             `json:"project_name"`
	Format       export.Format      `json:"format"`
	Destination  export.Destination `json:"destination"`
	Resolution   export.Resolution  `json:"resolution"`
	Quality      export.Quality     `json:"quality"`
	FPS          float64            `json:"fps"`
	Status       string             `json:"status"`
	Progress     float64            `json:"progress"`
	Message      string             `json:"message"`
	Error        string             `json:"error,omitempty"`
	ArtifactPath string             `json:"-"`
	ArtifactSize int64              `json:"artifact_size"`
	ContentType  string             `json:"content_type,omitempty"`
	ShareToken   string             `json:"share_token,omitempty"`
	Location     string             `json:"location,omitempty"`
	Warnings     []string           `json:"warnings"`
	ElapsedMS    int64              `json:"elapsed_ms"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Config rebuilds the export configuration stored with the row.
func (e *Export) Config() export.Config {
	return export.Config{
		Format:      e.Format,
		Destination: e.Destination,
		Resolution:  e.Resolution,
		Quality:     e.Quality,
		FPS:         e.FPS,
	}
}

// Terminal reports whether the export can no longer change.
func (e *Export) Terminal() bool {
	switch e.Status {
	case StatusSucceeded, StatusPartial, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// HasArtifact reports whether a downloadable file was kept on disk.
func (e *Export) HasArtifact() bool {
	return e.ArtifactPath != ""
}

// Outcome is what a finished run writes back to its row.
type Outcome struct {
	Status       string
	Error        string
	Message      string
	ArtifactPath string
	ArtifactSize int64
	ContentType  string
	ShareToken   string
	Location     string
	Warnings     []string
	Elapsed      time.Duration
}
