package sources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vrsandeep/streamdl/internal/models"
)

// Registry maps source ids to sources. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]models.Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]models.Source)}
}

// Register adds a new source to the registry. It's called at startup.
func (r *Registry) Register(s models.Source) {
	info := s.GetInfo()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[info.ID]; exists {
		// Panic is appropriate here as it's a developer error during setup.
		panic(fmt.Sprintf("source with ID '%s' is already registered", info.ID))
	}
	r.sources[info.ID] = s
}

// Get returns a source by its ID.
func (r *Registry) Get(id string) (models.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// GetAll returns information for all registered sources, sorted by ID.
func (r *Registry) GetAll() []models.SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]models.SourceInfo, 0, len(r.sources))
	for _, s := range r.sources {
		infos = append(infos, s.GetInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
