package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"zen/internal/api"
	"zen/pkg/logging"
)

//go:embed manifests/*.yaml
var manifestFS embed.FS

//go:embed templates/*.tmpl
var templateFS embed.FS

// Registry holds every supported app manifest, loaded once at startup from
// the embedded catalog.
type Registry struct {
	manifests map[string]*AppManifest
}

// Load parses and validates the embedded manifests.
func Load() (*Registry, error) {
	entries, err := fs.Glob(manifestFS, "manifests/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("globbing embedded manifests: %w", err)
	}

	validate := validator.New()
	manifests := make(map[string]*AppManifest, len(entries))
	for _, path := range entries {
		data, err := manifestFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading manifest %s: %w", path, err)
		}

		var m AppManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
		}
		if err := validate.Struct(&m); err != nil {
			return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
		}
		if err := m.validatePorts(); err != nil {
			return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
		}
		if _, dup := manifests[m.Name]; dup {
			return nil, fmt.Errorf("duplicate manifest for app %s", m.Name)
		}

		// Every referenced template must exist in the embedded set.
		for _, tmpl := range []string{m.UnitTemplate, m.ProxyTemplate} {
			if _, err := templateFS.ReadFile("templates/" + tmpl); err != nil {
				return nil, fmt.Errorf("manifest %s references missing template %s", m.Name, tmpl)
			}
		}

		manifests[m.Name] = &m
	}

	logging.Debug("Catalog", "Loaded %d app manifests", len(manifests))
	return &Registry{manifests: manifests}, nil
}

// Get returns the manifest for an app name.
func (r *Registry) Get(name string) (*AppManifest, error) {
	m, ok := r.manifests[name]
	if !ok {
		return nil, api.NewUnknownAppError(name)
	}
	return m, nil
}

// All returns every manifest sorted by name.
func (r *Registry) All() []*AppManifest {
	all := make([]*AppManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Template returns the raw text of an embedded template by file name.
func (r *Registry) Template(name string) (string, error) {
	data, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return "", api.WrapError(api.KindTemplateError, err, "template %s not found", name)
	}
	return string(data), nil
}
