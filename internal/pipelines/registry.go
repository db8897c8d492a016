// Package pipelines holds the pipeline graphs runs are planned against.
package pipelines

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph"
)

var ErrNotFound = errors.New("pipeline not found")

// Registry maps pipeline names to validated graphs. Registering a name again
// replaces the graph; runs keep the hash they were planned with.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*graph.Graph
}

func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*graph.Graph)}
}

// Register validates the pipeline document and stores its graph.
func (r *Registry) Register(spec domain.PipelineSpec) (*graph.Graph, error) {
	g, err := graph.New(spec)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.graphs[g.Name()] = g
	r.mu.Unlock()
	return g, nil
}

func (r *Registry) Get(name string) (*graph.Graph, error) {
	r.mu.RLock()
	g, ok := r.graphs[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return g, nil
}

// List returns the registered graphs sorted by name.
func (r *Registry) List() []*graph.Graph {
	r.mu.RLock()
	out := make([]*graph.Graph, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// LoadFile parses and registers one pipeline document.
func (r *Registry) LoadFile(path string) (*graph.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	g, err := r.Register(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// LoadDir registers every *.yaml, *.yml and *.json file in dir. Files are
// loaded in name order and the first invalid file aborts the load.
func (r *Registry) LoadDir(logger *slog.Logger, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read pipelines dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isPipelineFile(entry.Name()) {
			continue
		}
		g, err := r.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		loaded++
		if logger != nil {
			logger.Info("pipeline loaded", "pipeline", g.Name(), "hash", g.Hash(), "steps", len(g.Steps()), "file", entry.Name())
		}
	}
	return loaded, nil
}

func isPipelineFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
