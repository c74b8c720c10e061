package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/heimdex/heimdex-render/internal/export"
)

var ErrNotFound = errors.New("export not found")

type Repository interface {
	CreateExport(ctx context.Context, e *Export) error
	GetExport(ctx context.Context, id string) (*Export, error)
	GetExportByShareToken(ctx context.Context, token string) (*Export, error)
	ListExports(ctx context.Context, limit int) ([]*Export, error)
	ListQueuedExports(ctx context.Context) ([]*Export, error)
	// ClaimExport moves a queued export to running. It reports false when
	// the export was not queued.
	ClaimExport(ctx context.Context, id string) (bool, error)
	UpdateExportProgress(ctx context.Context, id string, progress float64, message string) error
	// CancelQueuedExport marks a still-queued export canceled. It reports
	// false when the export had already left the queue.
	CancelQueuedExport(ctx context.Context, id, reason string) (bool, error)
	CompleteExport(ctx context.Context, id string, o Outcome) error
	DeleteExport(ctx context.Context, id string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const exportColumns = `id, project_id, project_name, format, destination, resolution, quality, fps,
	status, progress, message, error, artifact_path, artifact_size, content_type, share_token,
	location, warnings, elapsed_ms, created_at, updated_at`

func (r *SQLiteRepository) CreateExport(ctx context.Context, e *Export) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = StatusQueued
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (id, project_id, project_name, format, destination, resolution, quality, fps,
			status, progress, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.ProjectName, string(e.Format), string(e.Destination), string(e.Resolution),
		string(e.Quality), e.FPS, e.Status, e.Progress, e.Message, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*Export, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	return scanExport(row)
}

func (r *SQLiteRepository) GetExportByShareToken(ctx context.Context, token string) (*Export, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE share_token = ?`, token)
	return scanExport(row)
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*Export, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `SELECT `+exportColumns+` FROM exports ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *SQLiteRepository) ListQueuedExports(ctx context.Context) ([]*Export, error) {
	return r.list(ctx, `SELECT `+exportColumns+` FROM exports WHERE status = ? ORDER BY created_at ASC`, StatusQueued)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*Export, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []*Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func (r *SQLiteRepository) ClaimExport(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE exports SET status = ?, message = 'Starting', updated_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, formatTime(time.Now()), id, StatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id string, progress float64, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE exports SET progress = MAX(progress, ?), message = ?, updated_at = ? WHERE id = ?`,
		progress, message, formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) CancelQueuedExport(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE exports SET status = ?, error = ?, message = 'Export canceled', updated_at = ? WHERE id = ? AND status = ?`,
		StatusCanceled, nullString(reason), formatTime(time.Now()), id, StatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) CompleteExport(ctx context.Context, id string, o Outcome) error {
	warnings, err := json.Marshal(nonNil(o.Warnings))
	if err != nil {
		return err
	}
	progress := 0.0
	if o.Status == StatusSucceeded || o.Status == StatusPartial {
		progress = 100
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, error = ?, message = ?, progress = MAX(progress, ?),
			artifact_path = ?, artifact_size = ?, content_type = ?, share_token = ?,
			location = ?, warnings = ?, elapsed_ms = ?, updated_at = ?
		WHERE id = ?
	`, o.Status, nullString(o.Error), o.Message, progress,
		nullString(o.ArtifactPath), o.ArtifactSize, o.ContentType, nullString(o.ShareToken),
		o.Location, string(warnings), o.Elapsed.Milliseconds(), formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) DeleteExport(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM exports WHERE id = ?", id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(row scanner) (*Export, error) {
	var e Export
	var format, destination, resolution, quality string
	var errMsg, artifactPath, shareToken sql.NullString
	var warnings, createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.ProjectID, &e.ProjectName, &format, &destination, &resolution, &quality, &e.FPS,
		&e.Status, &e.Progress, &e.Message, &errMsg, &artifactPath, &e.ArtifactSize, &e.ContentType, &shareToken,
		&e.Location, &warnings, &e.ElapsedMS, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Format = export.Format(format)
	e.Destination = export.Destination(destination)
	e.Resolution = export.Resolution(resolution)
	e.Quality = export.Quality(quality)
	e.Error = errMsg.String
	e.ArtifactPath = artifactPath.String
	e.ShareToken = shareToken.String
	if err := json.Unmarshal([]byte(warnings), &e.Warnings); err != nil || e.Warnings == nil {
		e.Warnings = []string{}
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
