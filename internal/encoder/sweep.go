package encoder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// CleanStaleResult reports what a sweep removed.
type CleanStaleResult struct {
	Removed []string
	Skipped []string
	Errors  []CleanupError
}

type CleanupError struct {
	Path  string
	Error error
}

// DirInfo describes one run workspace on disk.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
	Locked  bool
}

// CleanStale removes run workspaces older than maxAge whose lock is not
// held. Live runs keep their lock for their whole lifetime, so they are
// never swept.
func CleanStale(ctx context.Context, stagingDir string, maxAge time.Duration, logger *slog.Logger) CleanStaleResult {
	result := CleanStaleResult{}

	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return result
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), runDirPrefix) {
			continue
		}

		dirPath := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		lock := flock.New(filepath.Join(dirPath, lockFileName))
		ok, err := lock.TryLock()
		if err != nil || !ok {
			result.Skipped = append(result.Skipped, dirPath)
			continue
		}

		rmErr := os.RemoveAll(dirPath)
		lock.Unlock()
		if rmErr != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: rmErr})
			if logger != nil {
				logger.Warn("failed to remove stale workspace",
					"path", dirPath,
					"error", rmErr,
				)
			}
			continue
		}

		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed stale workspace",
				"path", dirPath,
				"age", time.Since(info.ModTime()).Round(time.Second).String(),
			)
		}
	}

	return result
}

// ListDirectories returns every run workspace with its size and whether a
// live run currently holds it.
func ListDirectories(stagingDir string) ([]DirInfo, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), runDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirPath := filepath.Join(stagingDir, entry.Name())
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    dirSize(dirPath),
			Locked:  isLocked(dirPath),
		})
	}
	return dirs, nil
}

// isLocked probes the workspace lock. A missing lock file means no run owns
// the workspace; it is not created here so the probe leaves ModTime alone.
func isLocked(dir string) bool {
	path := filepath.Join(dir, lockFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return true
	}
	lock.Unlock()
	return false
}

func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
