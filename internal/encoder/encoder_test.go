package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/heimdex/heimdex-render/internal/ffmpeg"
)

type fakeRunner struct {
	dir  string
	args []string
	exit int
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) ffmpeg.RunResult {
	f.dir = dir
	f.args = args
	if f.exit == 0 {
		os.WriteFile(filepath.Join(dir, args[len(args)-1]), []byte("mp4"), 0o644)
	}
	return ffmpeg.RunResult{ExitCode: f.exit, StderrTail: "tail"}
}

func TestDirWorkspace_FileOperations(t *testing.T) {
	root := t.TempDir()
	ws, err := OpenDirWorkspace(root, "abc", nil, nil)
	if err != nil {
		t.Fatalf("OpenDirWorkspace: %v", err)
	}
	defer ws.Close()
	ctx := context.Background()

	if err := ws.WriteFile(ctx, "frame000000.jpg", []byte("data")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ws.ReadFile(ctx, "frame000000.jpg")
	if err != nil || string(got) != "data" {
		t.Fatalf("ReadFile = (%q, %v)", got, err)
	}

	names, _ := ws.ListFiles(ctx)
	if want := []string{".lock", "frame000000.jpg"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("ListFiles = %v, want %v", names, want)
	}

	if err := ws.DeleteFile(ctx, ".lock"); !errors.Is(err, ErrReserved) {
		t.Errorf("DeleteFile(.lock) = %v, want ErrReserved", err)
	}
	if err := ws.DeleteFile(ctx, "frame000000.jpg"); err != nil {
		t.Errorf("DeleteFile: %v", err)
	}
	if _, err := ws.ReadFile(ctx, "frame000000.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadFile after delete = %v, want ErrNotFound", err)
	}
	for _, bad := range []string{"", "..", "../x", "a/b"} {
		if err := ws.WriteFile(ctx, bad, nil); !errors.Is(err, ErrInvalidName) {
			t.Errorf("WriteFile(%q) = %v, want ErrInvalidName", bad, err)
		}
	}
}

func TestDirWorkspace_RunInsideDir(t *testing.T) {
	runner := &fakeRunner{}
	ws, err := OpenDirWorkspace(t.TempDir(), "r1", runner, nil)
	if err != nil {
		t.Fatalf("OpenDirWorkspace: %v", err)
	}
	defer ws.Close()

	res, err := ws.Run(context.Background(), []string{"-i", "frame%06d.jpg", "output.mp4"})
	if err != nil || !res.IsSuccess() {
		t.Fatalf("Run = (%+v, %v)", res, err)
	}
	if runner.dir != ws.Dir() {
		t.Errorf("runner dir = %q, want %q", runner.dir, ws.Dir())
	}
	if _, err := ws.ReadFile(context.Background(), "output.mp4"); err != nil {
		t.Errorf("output not visible in workspace: %v", err)
	}
}

func TestDirWorkspace_CloseRemovesDir(t *testing.T) {
	ws, err := OpenDirWorkspace(t.TempDir(), "gone", nil, nil)
	if err != nil {
		t.Fatalf("OpenDirWorkspace: %v", err)
	}
	ws.WriteFile(context.Background(), "a", []byte("x"))

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatalf("workspace dir still exists: %v", err)
	}
	if err := ws.WriteFile(context.Background(), "b", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteFile after Close = %v, want ErrClosed", err)
	}
}

func TestPool_BoundsConcurrentRuns(t *testing.T) {
	opener := &MemOpener{}
	pool := NewPool(opener, 1, nil)

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire = %v, want DeadlineExceeded", err)
	}

	if err := pool.Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := pool.Release(first); err != nil {
		t.Fatalf("double Release: %v", err)
	}

	second, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if second.ID() == first.ID() {
		t.Fatal("workspaces must not be reused across runs")
	}
	if pool.Active() != 1 {
		t.Fatalf("Active = %d, want 1", pool.Active())
	}
}

func TestPool_IsolatesRuns(t *testing.T) {
	pool, err := NewDirPool(t.TempDir(), nil, 2, nil)
	if err != nil {
		t.Fatalf("NewDirPool: %v", err)
	}
	ctx := context.Background()
	a, _ := pool.Acquire(ctx)
	b, _ := pool.Acquire(ctx)
	defer pool.Release(a)
	defer pool.Release(b)

	a.WriteFile(ctx, "frame000000.jpg", []byte("a"))
	if _, err := b.ReadFile(ctx, "frame000000.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("run b sees run a's frame: %v", err)
	}
}

func TestMemWorkspace_ReservedAndMangle(t *testing.T) {
	ws := NewMemWorkspace("m", "system.lock")
	ws.Mangle = func(name string, data []byte) []byte { return data[:1] }
	ctx := context.Background()

	if err := ws.DeleteFile(ctx, "system.lock"); !errors.Is(err, ErrReserved) {
		t.Fatalf("DeleteFile reserved = %v, want ErrReserved", err)
	}
	ws.WriteFile(ctx, "f", []byte("abc"))
	got, _ := ws.ReadFile(ctx, "f")
	if string(got) != "a" {
		t.Fatalf("mangled read = %q, want %q", got, "a")
	}
}

func TestCleanStale_SkipsLockedWorkspaces(t *testing.T) {
	root := t.TempDir()
	live, err := OpenDirWorkspace(root, "live", nil, nil)
	if err != nil {
		t.Fatalf("open live: %v", err)
	}
	defer live.Close()

	abandoned := filepath.Join(root, runDirPrefix+"abandoned")
	os.MkdirAll(abandoned, 0o755)
	os.WriteFile(filepath.Join(abandoned, "frame000000.jpg"), []byte("x"), 0o644)
	unrelated := filepath.Join(root, "keep-me")
	os.MkdirAll(unrelated, 0o755)

	old := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{live.Dir(), abandoned, unrelated} {
		os.Chtimes(dir, old, old)
	}

	res := CleanStale(context.Background(), root, time.Hour, nil)
	if len(res.Removed) != 1 || res.Removed[0] != abandoned {
		t.Fatalf("Removed = %v, want [%s]", res.Removed, abandoned)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != live.Dir() {
		t.Fatalf("Skipped = %v, want live workspace", res.Skipped)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("non-workspace dir removed: %v", err)
	}
}

func TestListDirectories(t *testing.T) {
	root := t.TempDir()
	ws, _ := OpenDirWorkspace(root, "one", nil, nil)
	defer ws.Close()
	ws.WriteFile(context.Background(), "f", []byte("12345"))

	dirs, err := ListDirectories(root)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(dirs) != 1 || !dirs[0].Locked || dirs[0].Size < 5 {
		t.Fatalf("dirs = %+v, want one locked workspace of >=5 bytes", dirs)
	}

	if dirs, err := ListDirectories(filepath.Join(root, "missing")); err != nil || dirs != nil {
		t.Fatalf("missing root = (%v, %v), want (nil, nil)", dirs, err)
	}
}
