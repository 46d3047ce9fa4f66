// Package catalog holds the configured benchmark model set.
//
// The catalog is built once at process start from configuration and passed
// explicitly to the components that need it. It is immutable afterwards:
// changing the deployed model list only affects sessions created after a
// restart.
package catalog

import (
	"fmt"
	"strings"

	"github.com/sitebench/sitebench/pkg/config"
)

// Provider tags for the models we benchmark against. The set is open:
// unknown tags are carried through untouched.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Model is one configured benchmark target.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

// Catalog is an ordered, immutable list of benchmark models.
type Catalog struct {
	models []Model
	byID   map[string]Model
}

// New builds a catalog from configured model entries.
func New(entries []config.ModelConfig) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog requires at least one model")
	}

	models := make([]Model, 0, len(entries))
	byID := make(map[string]Model, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("model id cannot be empty")
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("duplicate model id: %s", id)
		}
		name := strings.TrimSpace(e.DisplayName)
		if name == "" {
			name = id
		}
		m := Model{
			ID:          id,
			DisplayName: name,
			Provider:    strings.ToLower(strings.TrimSpace(e.Provider)),
		}
		models = append(models, m)
		byID[id] = m
	}

	return &Catalog{models: models, byID: byID}, nil
}

// Models returns the configured models in their configured order. The
// returned slice is a copy; callers may not mutate the catalog.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Get looks up a model by id.
func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Len returns the number of configured models. A new session's total_models
// is fixed to this value at creation time.
func (c *Catalog) Len() int {
	return len(c.models)
}
