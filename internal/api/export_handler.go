package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/library"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func createExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateExportRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.ProjectID == "" {
			WriteError(w, http.StatusBadRequest, "project_id is required", "BAD_REQUEST")
			return
		}

		exportCfg := req.Config()
		if exportCfg.FPS == 0 {
			exportCfg.FPS = cfg.DefaultFPS
		}

		e, err := cfg.Queue.Enqueue(r.Context(), req.ProjectID, exportCfg)
		switch {
		case err == nil:
		case errors.Is(err, export.ErrInvalidConfig):
			WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_CONFIG")
			return
		case errors.Is(err, timeline.ErrProjectNotFound):
			WriteError(w, http.StatusNotFound, "project not found", "NOT_FOUND")
			return
		default:
			cfg.Logger.Error("failed to queue export", "project_id", req.ProjectID, "error", err)
			WriteError(w, http.StatusUnprocessableEntity, err.Error(), "PROJECT_INVALID")
			return
		}

		WriteJSON(w, http.StatusAccepted, ExportToResponse(e, cfg.ShareBaseURL))
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		exports, err := cfg.Repository.ListExports(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}

		resp := ExportsResponse{Exports: make([]ExportResponse, len(exports))}
		for i, e := range exports {
			resp.Exports[i] = ExportToResponse(e, cfg.ShareBaseURL)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := lookupExport(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ExportToResponse(e, cfg.ShareBaseURL))
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := cfg.Queue.Cancel(r.Context(), id)
		switch {
		case err == nil:
		case errors.Is(err, library.ErrNotFound):
			WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
			return
		case errors.Is(err, library.ErrNotCancelable):
			WriteError(w, http.StatusConflict, err.Error(), "NOT_CANCELABLE")
			return
		default:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func artifactHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := lookupExport(cfg, w, r)
		if !ok {
			return
		}
		serveExportArtifact(cfg, w, r, e, false)
	}
}

// shareHandler resolves a share token to its artifact. It is public: the
// unguessable token is the credential.
func shareHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		e, err := cfg.Repository.GetExportByShareToken(r.Context(), token)
		if errors.Is(err, library.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "share link not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		serveExportArtifact(cfg, w, r, e, true)
	}
}

func lookupExport(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*library.Export, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "export id required", "BAD_REQUEST")
		return nil, false
	}

	e, err := cfg.Repository.GetExport(r.Context(), id)
	if errors.Is(err, library.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
		return nil, false
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	return e, true
}

func serveExportArtifact(cfg ServerConfig, w http.ResponseWriter, r *http.Request, e *library.Export, inline bool) {
	if !e.HasArtifact() {
		WriteError(w, http.StatusNotFound, "export has no downloadable artifact", "NO_ARTIFACT")
		return
	}

	a := playback.Artifact{
		Path:        e.ArtifactPath,
		Name:        filepath.Base(e.ArtifactPath),
		ContentType: e.ContentType,
		Inline:      inline,
	}
	if err := cfg.PlaybackServer.ServeArtifact(w, r, a); err != nil {
		cfg.Logger.Error("artifact serve error", "error", err, "export_id", e.ID)
		WriteError(w, http.StatusInternalServerError, "failed to read artifact", "INTERNAL_ERROR")
	}
}
