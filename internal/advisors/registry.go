// Package advisors manages the predefined advisor profiles and renders their
// persona prompts. Profiles are YAML files so new advisors ship without a
// code change.
package advisors

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/counsel-ai/counsel/internal/models"
)

// GeneralistKey identifies the fallback advisor. It is excluded from the
// selectable list offered to the resolver.
const GeneralistKey = "generalist"

// Profile is one predefined advisor loaded from YAML.
type Profile struct {
	Key         string `yaml:"key"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
	Persona     string `yaml:"persona"`
}

// Registry holds all loaded advisor profiles.
type Registry struct {
	byKey  map[string]Profile
	keys   []string // sorted, for deterministic listings
	logger *zap.Logger
}

// LoadRegistry reads every *.yaml profile in dir.
func LoadRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read advisors dir: %w", err)
	}

	r := &Registry{byKey: make(map[string]Profile), logger: logger}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read advisor profile %s: %w", e.Name(), err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse advisor profile %s: %w", e.Name(), err)
		}
		if p.Key == "" {
			return nil, fmt.Errorf("advisor profile %s missing key", e.Name())
		}
		r.byKey[p.Key] = p
		r.keys = append(r.keys, p.Key)
	}
	sort.Strings(r.keys)

	if _, ok := r.byKey[GeneralistKey]; !ok {
		return nil, fmt.Errorf("advisors dir %s missing required %q profile", dir, GeneralistKey)
	}

	logger.Info("Loaded advisor profiles",
		zap.Int("count", len(r.byKey)),
		zap.Strings("keys", r.keys))
	return r, nil
}

// NewRegistry builds a registry from in-memory profiles (tests, embedding).
func NewRegistry(profiles []Profile, logger *zap.Logger) *Registry {
	r := &Registry{byKey: make(map[string]Profile), logger: logger}
	for _, p := range profiles {
		r.byKey[p.Key] = p
		r.keys = append(r.keys, p.Key)
	}
	sort.Strings(r.keys)
	return r
}

// Get returns the profile for a key.
func (r *Registry) Get(key string) (Profile, bool) {
	p, ok := r.byKey[key]
	return p, ok
}

// SelectableKeys lists every key the resolver may pick, excluding the
// fallback generalist.
func (r *Registry) SelectableKeys() []string {
	out := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		if k != GeneralistKey {
			out = append(out, k)
		}
	}
	return out
}

// SelectableText renders the numbered advisor list shown to the resolver's
// decision call.
func (r *Registry) SelectableText() string {
	var b strings.Builder
	for i, k := range r.SelectableKeys() {
		p := r.byKey[k]
		fmt.Fprintf(&b, "%d. **%s**: %s\n", i+1, k, p.Description)
	}
	return b.String()
}

// GeneralistSpec returns the default fallback task spec.
func (r *Registry) GeneralistSpec() models.TaskSpec {
	p := r.byKey[GeneralistKey]
	name := p.DisplayName
	if name == "" {
		name = "Generalist Advisor"
	}
	desc := p.Description
	if desc == "" {
		desc = "A broadly knowledgeable advisor offering balanced, practical guidance."
	}
	return models.TaskSpec{
		Origin:      models.OriginPredefined,
		Key:         GeneralistKey,
		TaskID:      GeneralistKey,
		DisplayName: name,
		Description: desc,
	}
}

// SpecFor converts a predefined profile into a task spec.
func (r *Registry) SpecFor(key string) (models.TaskSpec, bool) {
	p, ok := r.byKey[key]
	if !ok {
		return models.TaskSpec{}, false
	}
	return models.TaskSpec{
		Origin:      models.OriginPredefined,
		Key:         key,
		TaskID:      key,
		DisplayName: p.DisplayName,
		Description: p.Description,
	}, true
}
