package definitions

import (
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
)

// Registry holds the loaded workflow definitions and supports hot
// reload without restarting the service.
type Registry struct {
	dir    string
	logger arbor.ILogger

	mu      sync.RWMutex
	byName  map[string]*models.WorkflowDef
	ordered []*models.WorkflowDef
}

// NewRegistry creates an empty registry bound to a definitions dir.
func NewRegistry(dir string, logger arbor.ILogger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger,
		byName: make(map[string]*models.WorkflowDef),
	}
}

// Load replaces the registry contents from disk. On error the previous
// contents stay in effect.
func (r *Registry) Load() (int, error) {
	workflows, err := LoadAll(r.dir)
	if err != nil {
		return 0, err
	}

	byName := make(map[string]*models.WorkflowDef, len(workflows))
	for _, wf := range workflows {
		byName[wf.Name] = wf
	}

	r.mu.Lock()
	r.byName = byName
	r.ordered = workflows
	r.mu.Unlock()

	r.logger.Info().Int("workflows", len(workflows)).Str("dir", r.dir).Msg("Workflow definitions loaded")
	return len(workflows), nil
}

// Get returns a workflow by name.
func (r *Registry) Get(name string) (*models.WorkflowDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow '%s'", name)
	}
	return wf, nil
}

// List returns workflows in definition-file order.
func (r *Registry) List() []*models.WorkflowDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.WorkflowDef, len(r.ordered))
	copy(out, r.ordered)
	return out
}
