package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/ffmpeg"
	"github.com/heimdex/heimdex-render/internal/library"
	"github.com/heimdex/heimdex-render/internal/notify"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

const testToken = "test-token-123"

type testEnv struct {
	cfg    ServerConfig
	repo   *library.SQLiteRepository
	runner *library.Runner
	hub    *notify.Hub
	dir    string
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(filepath.Join(dir, "test.db"), logger)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.SetConfig(context.Background(), AuthTokenKey, testToken); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	projectsDir := filepath.Join(dir, "projects")
	os.MkdirAll(projectsDir, 0o755)
	os.WriteFile(filepath.Join(projectsDir, "teaser.json"),
		[]byte(`{"name":"Teaser","duration":2,"aspectRatio":{"width":16,"height":9},"elements":[]}`), 0o644)
	projects := timeline.NewDirStore(projectsDir, logger)

	repo := library.NewRepository(database.Conn())
	hub := notify.NewHub(0, logger)
	runner := library.NewRunner(library.RunnerConfig{
		Repo:      repo,
		Projects:  projects,
		Publisher: hub,
		Logger:    logger,
	})

	env := &testEnv{repo: repo, runner: runner, hub: hub, dir: dir}
	env.cfg = ServerConfig{
		Config:         database,
		Repository:     repo,
		Queue:          runner,
		Hub:            hub,
		Projects:       projects,
		PlaybackServer: playback.NewServer(logger),
		ShareBaseURL:   "https://render.example.com",
		Version:        "test",
		Logger:         logger,
		StartTime:      time.Now(),
	}
	env.router = NewRouter(env.cfg)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// finishExport stores a completed export with an artifact on disk.
func (env *testEnv) finishExport(t *testing.T, id, shareToken string, content []byte) string {
	t.Helper()
	ctx := context.Background()
	if err := env.repo.CreateExport(ctx, &library.Export{ID: id, ProjectID: "teaser", ProjectName: "Teaser",
		Format: "video", Destination: "share", Resolution: "1080p", Quality: "high", FPS: 30}); err != nil {
		t.Fatalf("CreateExport() error = %v", err)
	}
	path := filepath.Join(env.dir, id+".mp4")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.repo.CompleteExport(ctx, id, library.Outcome{
		Status:       library.StatusSucceeded,
		Message:      "Export complete",
		ArtifactPath: path,
		ArtifactSize: int64(len(content)),
		ContentType:  "video/mp4",
		ShareToken:   shareToken,
		Location:     "https://render.example.com/shares/" + shareToken,
	}); err != nil {
		t.Fatalf("CompleteExport() error = %v", err)
	}
	return path
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/exports", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			env.router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_QueryTokenOnlyForWebsocket(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/exports?token="+testToken, nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestStatusHandler_Idle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	body := decodeJSONBody(t, rr)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if body["projects_count"] != float64(1) {
		t.Errorf("projects_count = %v, want 1", body["projects_count"])
	}
	if _, ok := body["toolchain"]; ok {
		t.Error("toolchain should be omitted when doctor is nil")
	}
}

func TestStatusHandler_States(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.repo.CreateExport(ctx, &library.Export{ID: "bad", ProjectID: "teaser", Format: "video",
		Destination: "local", Resolution: "1080p", Quality: "high", FPS: 30}); err != nil {
		t.Fatal(err)
	}
	env.repo.CompleteExport(ctx, "bad", library.Outcome{Status: library.StatusFailed, Error: "encoder exploded"})

	body := decodeJSONBody(t, env.do(t, http.MethodGet, "/status", nil))
	if body["state"] != "error" || body["last_error"] != "encoder exploded" {
		t.Errorf("state = %v, last_error = %v", body["state"], body["last_error"])
	}

	env.runner.Pause()
	body = decodeJSONBody(t, env.do(t, http.MethodGet, "/status", nil))
	if body["state"] != "paused" {
		t.Errorf("state = %v, want paused", body["state"])
	}
}

type fakeProber struct {
	caps *ffmpeg.Capabilities
}

func (f *fakeProber) Version(ctx context.Context, probe bool) (string, error) {
	if probe {
		return f.caps.FFprobeVersion, nil
	}
	return f.caps.FFmpegVersion, nil
}

func (f *fakeProber) Encoders(ctx context.Context) (string, error) {
	return " V..... libx264  H.264\n A..... aac  AAC", nil
}

func TestStatusHandler_Toolchain(t *testing.T) {
	env := newTestEnv(t)
	doctor := ffmpeg.NewCachedDoctor(&fakeProber{caps: &ffmpeg.Capabilities{
		FFmpegVersion:  "6.1",
		FFprobeVersion: "6.1",
	}}, env.cfg.Logger)
	env.cfg.Doctor = doctor
	env.router = NewRouter(env.cfg)

	body := decodeJSONBody(t, env.do(t, http.MethodGet, "/status", nil))
	if _, ok := body["toolchain"]; ok {
		t.Fatal("toolchain should be omitted before the first probe")
	}

	if _, err := doctor.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	body = decodeJSONBody(t, env.do(t, http.MethodGet, "/status", nil))
	tc, ok := body["toolchain"].(map[string]interface{})
	if !ok {
		t.Fatal("toolchain missing after probe")
	}
	if tc["can_encode_video"] != true || tc["ffmpeg_version"] != "6.1" {
		t.Errorf("toolchain = %v", tc)
	}
}

func TestListProjects(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/projects", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp ProjectsResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Projects) != 1 || resp.Projects[0].ID != "teaser" || resp.Projects[0].Name != "Teaser" {
		t.Fatalf("projects = %+v", resp.Projects)
	}
}

func TestRunnerPauseResume(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/runner/pause", nil)
	if rr.Code != http.StatusOK || !env.runner.IsPaused() {
		t.Fatalf("pause: status = %d, paused = %v", rr.Code, env.runner.IsPaused())
	}
	rr = env.do(t, http.MethodPost, "/runner/resume", nil)
	if rr.Code != http.StatusOK || env.runner.IsPaused() {
		t.Fatalf("resume: status = %d, paused = %v", rr.Code, env.runner.IsPaused())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rr.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("body = %q", rr.Body.String())
	}
}
