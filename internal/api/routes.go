package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-render/internal/library"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.Get("/shares/{token}", shareHandler(cfg))
	r.Head("/shares/{token}", shareHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Config, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/projects", listProjectsHandler(cfg))
		r.Post("/exports", createExportHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.Delete("/exports/{id}", cancelExportHandler(cfg))
		r.Get("/exports/{id}/progress", progressHandler(cfg))
		r.Post("/runner/pause", pauseHandler(cfg))
		r.Post("/runner/resume", resumeHandler(cfg))

		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard())
			r.Get("/exports/{id}/artifact", artifactHandler(cfg))
			r.Head("/exports/{id}/artifact", artifactHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		projects, _ := cfg.Projects.List(ctx)
		exports, _ := cfg.Repository.ListExports(ctx, 50)

		state := "idle"
		lastError := ""
		resp := StatusResponse{
			ProjectsCount: len(projects),
			ActiveExports: []ExportResponse{},
		}

		for _, e := range exports {
			switch e.Status {
			case library.StatusRunning:
				state = "rendering"
				resp.ExportsRunning++
				resp.ActiveExports = append(resp.ActiveExports, ExportToResponse(e, cfg.ShareBaseURL))
			case library.StatusQueued:
				resp.ExportsQueued++
			case library.StatusFailed:
				if lastError == "" {
					lastError = e.Error
				}
			}
		}

		if cfg.Queue != nil && cfg.Queue.IsPaused() {
			state = "paused"
		}
		if lastError != "" && state == "idle" {
			state = "error"
		}
		resp.State = state
		resp.LastError = lastError

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Toolchain = ToolchainToResponse(caps)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listProjectsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := cfg.Projects.List(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list projects", "INTERNAL_ERROR")
			return
		}

		resp := ProjectsResponse{Projects: make([]ProjectResponse, len(projects))}
		for i, p := range projects {
			resp.Projects[i] = ProjectToResponse(p)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Queue.Pause()
		WriteJSON(w, http.StatusOK, RunnerResponse{Paused: true, Active: cfg.Queue.ActiveCount()})
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Queue.Resume()
		WriteJSON(w, http.StatusOK, RunnerResponse{Paused: false, Active: cfg.Queue.ActiveCount()})
	}
}
