package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/export"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testArtifact() *export.Artifact {
	return &export.Artifact{
		Name:        "Launch_Teaser.mp4",
		Format:      export.FormatVideo,
		ContentType: "video/mp4",
		Data:        []byte("not really an mp4"),
	}
}

func TestDirSink_Deliver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "library")
	s := NewDirSink(dir, testLogger())

	d, err := s.Deliver(context.Background(), "exp-1", testArtifact())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := filepath.Join(dir, "exp-1", "Launch_Teaser.mp4")
	if d.LocalPath != want || d.Location != want {
		t.Errorf("delivery = %+v, want %s", d, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "not really an mp4" {
		t.Errorf("artifact on disk = %q, %v", data, err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "exp-1"))
	if len(entries) != 1 {
		t.Errorf("export dir has %d entries, want only the artifact", len(entries))
	}
}

func TestDirSink_RejectsUnsafeNames(t *testing.T) {
	s := NewDirSink(t.TempDir(), testLogger())
	tests := []struct {
		id, name string
	}{
		{"../escape", "a.mp4"},
		{"exp-1", "../a.mp4"},
		{"exp-1", "sub/a.mp4"},
		{"", "a.mp4"},
	}
	for _, tt := range tests {
		a := testArtifact()
		a.Name = tt.name
		if _, err := s.Deliver(context.Background(), tt.id, a); err == nil {
			t.Errorf("Deliver(%q, %q) accepted", tt.id, tt.name)
		}
	}
	if _, err := s.Deliver(context.Background(), "exp-1", &export.Artifact{Name: "a.mp4"}); err == nil {
		t.Error("empty artifact accepted")
	}
}

func TestShareSink_MintsToken(t *testing.T) {
	files := NewDirSink(t.TempDir(), testLogger())
	s := NewShareSink(files, "https://render.example.com/")

	d1, err := s.Deliver(context.Background(), "exp-1", testArtifact())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	d2, _ := s.Deliver(context.Background(), "exp-2", testArtifact())

	if d1.ShareToken == "" || d1.ShareToken == d2.ShareToken {
		t.Errorf("tokens = %q, %q, want distinct", d1.ShareToken, d2.ShareToken)
	}
	if d1.Location != "https://render.example.com/shares/"+d1.ShareToken {
		t.Errorf("Location = %q", d1.Location)
	}
	if _, err := os.Stat(d1.LocalPath); err != nil {
		t.Errorf("shared artifact not kept locally: %v", err)
	}
}

func TestCloudSink_Success(t *testing.T) {
	var gotAuth, gotType, gotOrg, gotPath, gotName string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method: %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotOrg = r.Header.Get("X-Heimdex-Org-Id")
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(cloudUploadResponse{URL: "https://cdn.example.com/exp-1.mp4"})
	}))
	defer server.Close()

	s := NewCloudSink(server.URL, "test-token", "org-1", testLogger())
	d, err := s.Deliver(context.Background(), "exp-1", testArtifact())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if d.Location != "https://cdn.example.com/exp-1.mp4" {
		t.Errorf("Location = %q", d.Location)
	}
	if gotAuth != "Bearer test-token" || gotType != "video/mp4" || gotOrg != "org-1" {
		t.Errorf("headers = %q %q %q", gotAuth, gotType, gotOrg)
	}
	if gotPath != "/api/exports/exp-1/artifact" || gotName != "Launch_Teaser.mp4" {
		t.Errorf("request = %s ?name=%s", gotPath, gotName)
	}
	if string(gotBody) != "not really an mp4" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestCloudSink_RetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	var waits []time.Duration
	s := NewCloudSink(server.URL, "tok", "", testLogger())
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	d, err := s.Deliver(context.Background(), "exp-1", testArtifact())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls != 3 || len(waits) != 2 || waits[1] != time.Second {
		t.Errorf("calls = %d, waits = %v", calls, waits)
	}
	if !strings.HasPrefix(d.Location, server.URL) {
		t.Errorf("Location = %q, want endpoint fallback", d.Location)
	}
}

func TestCloudSink_ClientErrorIsPermanent(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("token revoked"))
	}))
	defer server.Close()

	s := NewCloudSink(server.URL, "tok", "", testLogger())
	_, err := s.Deliver(context.Background(), "exp-1", testArtifact())

	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusForbidden || upErr.IsRetryable() {
		t.Fatalf("error = %v, want permanent 403", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !strings.Contains(err.Error(), "token revoked") {
		t.Errorf("error should carry the response body: %v", err)
	}
}

func TestUploadError_IsRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false}, {401, false}, {404, false}, {429, true}, {500, true}, {503, true},
	}
	for _, tt := range tests {
		if got := (&UploadError{StatusCode: tt.code}).IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestS3Sink_Deliver(t *testing.T) {
	var mu sync.Mutex
	objects := map[string][]byte{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/exports":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/exports/"):
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			objects[r.URL.Path] = body
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	defer server.Close()

	s, err := NewS3Sink(config.S3Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Bucket:    "exports",
		AccessKey: "access",
		SecretKey: "secret",
		Region:    config.DefaultS3Region,
		Prefix:    "renders",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewS3Sink: %v", err)
	}

	d, err := s.Deliver(context.Background(), "exp-1", testArtifact())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if d.Location != "s3://exports/renders/exp-1/Launch_Teaser.mp4" {
		t.Errorf("Location = %q", d.Location)
	}
	mu.Lock()
	defer mu.Unlock()
	// Plain-HTTP uploads may arrive aws-chunked, so only look for the payload.
	if !strings.Contains(string(objects["/exports/renders/exp-1/Launch_Teaser.mp4"]), "not really an mp4") {
		t.Errorf("objects = %v", objects)
	}
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	if _, err := NewS3Sink(config.S3Config{Endpoint: "localhost:9000"}, nil); err == nil {
		t.Fatal("missing bucket accepted")
	}
}
