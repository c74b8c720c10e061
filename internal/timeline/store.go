package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrProjectNotFound = errors.New("project not found")

// Store supplies project documents to the export pipeline. It is read-only
// from the pipeline's point of view.
type Store interface {
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]ProjectSummary, error)
}

type ProjectSummary struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Duration     float64 `json:"duration"`
	ElementCount int     `json:"element_count"`
}

// DirStore reads <dir>/<id>.json documents and caches the parsed result
// until Invalidate is called for that path.
type DirStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Project
}

func NewDirStore(dir string, logger *slog.Logger) *DirStore {
	return &DirStore{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Project),
	}
}

func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) Get(ctx context.Context, id string) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: invalid project id %q", ErrProjectNotFound, id)
	}

	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	p, err := LoadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		return nil, err
	}
	if p.ID == "" {
		p.ID = id
	}

	s.mu.Lock()
	s.cache[id] = p
	s.mu.Unlock()
	return p, nil
}

func (s *DirStore) List(ctx context.Context) ([]ProjectSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProjectSummary{}, nil
		}
		return nil, err
	}

	summaries := make([]ProjectSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		p, err := s.Get(ctx, id)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping unreadable project", "project_id", id, "error", err)
			}
			continue
		}
		summaries = append(summaries, ProjectSummary{
			ID:           p.ID,
			Name:         p.Name,
			Duration:     p.EffectiveDuration(),
			ElementCount: len(p.Elements),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// Invalidate drops the cached document backed by path. Paths outside the
// store directory are ignored.
func (s *DirStore) Invalidate(path string) {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return
	}
	id := strings.TrimSuffix(filepath.Base(path), ".json")

	s.mu.Lock()
	_, ok := s.cache[id]
	delete(s.cache, id)
	s.mu.Unlock()

	if ok && s.logger != nil {
		s.logger.Debug("project cache invalidated", "project_id", id)
	}
}

// LoadFile parses and validates a project document.
func LoadFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Project, error) {
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
