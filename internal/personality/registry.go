// ABOUTME: Catalog of AI personality configurations keyed by id.
// ABOUTME: Loads an embedded TOML catalog or an external file, immutable after load.

package personality

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

//go:embed personalities.toml
var embeddedCatalog []byte

// ErrNotFound indicates the requested personality id is not in the catalog.
var ErrNotFound = errors.New("personality not found")

// Personality is one configured conversational participant: a prompt plus
// the generation parameters used when it speaks. Defined once at load and
// never mutated.
type Personality struct {
	ID               string  `toml:"id"`
	Name             string  `toml:"name"`
	Model            string  `toml:"model"`
	SystemPrompt     string  `toml:"system_prompt"`
	Temperature      float32 `toml:"temperature"`
	MaxTokens        int     `toml:"max_tokens"`
	FrequencyPenalty float32 `toml:"frequency_penalty"`
	PresencePenalty  float32 `toml:"presence_penalty"`
}

// Summary is the externally visible view of a personality. Prompts and
// generation parameters stay internal.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// catalog is the TOML document shape.
type catalog struct {
	Personalities []Personality `toml:"personality"`
}

// Registry is an immutable id -> Personality lookup table.
type Registry struct {
	byID  map[string]Personality
	order []string // catalog order, for stable List output
}

// Load builds a registry from the catalog at path, or from the embedded
// catalog when path is empty.
func Load(path string) (*Registry, error) {
	data := embeddedCatalog
	if path != "" {
		external, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading personality catalog: %w", err)
		}
		data = external
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var cat catalog
	if err := toml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing personality catalog: %w", err)
	}
	if len(cat.Personalities) == 0 {
		return nil, fmt.Errorf("personality catalog is empty")
	}

	r := &Registry{byID: make(map[string]Personality, len(cat.Personalities))}
	for _, p := range cat.Personalities {
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate personality id %q", p.ID)
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	return r, nil
}

func validate(p Personality) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("personality with empty id")
	case p.Name == "":
		return fmt.Errorf("personality %q: name is required", p.ID)
	case p.Model == "":
		return fmt.Errorf("personality %q: model is required", p.ID)
	case p.SystemPrompt == "":
		return fmt.Errorf("personality %q: system_prompt is required", p.ID)
	case p.MaxTokens <= 0:
		return fmt.Errorf("personality %q: max_tokens must be positive", p.ID)
	case p.Temperature < 0:
		return fmt.Errorf("personality %q: temperature must not be negative", p.ID)
	}
	return nil
}

// Get returns the personality for id. The error names the missing id so
// start-request failures can surface it to the caller.
func (r *Registry) Get(id string) (Personality, error) {
	p, ok := r.byID[id]
	if !ok {
		return Personality{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// List returns id+name summaries in catalog order.
func (r *Registry) List() []Summary {
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		p := r.byID[id]
		out = append(out, Summary{ID: p.ID, Name: p.Name})
	}
	return out
}

// Len returns the number of loaded personalities.
func (r *Registry) Len() int {
	return len(r.byID)
}
