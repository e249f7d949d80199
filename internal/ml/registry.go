package ml

import (
	"fmt"
	"sort"
)

// ModelRegistry maps model ids to classifiers. It is built once while
// loading artifacts and never mutated afterwards.
type ModelRegistry struct {
	models map[string]Classifier
}

// NewModelRegistry copies models into a registry.
func NewModelRegistry(models map[string]Classifier) *ModelRegistry {
	r := &ModelRegistry{models: make(map[string]Classifier, len(models))}
	for id, c := range models {
		r.models[id] = c
	}
	return r
}

// Get returns the classifier registered under id.
func (r *ModelRegistry) Get(id string) (Classifier, error) {
	if r != nil {
		if c, ok := r.models[id]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
}

// IDs lists registered model ids in sorted order.
func (r *ModelRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of registered models.
func (r *ModelRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.models)
}
