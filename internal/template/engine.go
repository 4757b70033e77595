package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"zen/internal/api"
)

// Engine expands placeholders in unit and proxy templates.
//
// Unit templates use {{NAME}} placeholders; proxy snippets use $name. The
// systemd specifier %i is never touched and passes through for supervisor
// expansion. Unknown placeholders fail; unused variables are permitted.
type Engine struct {
	unitPattern  *regexp.Regexp
	proxyPattern *regexp.Regexp
}

// New creates a new template engine.
func New() *Engine {
	return &Engine{
		unitPattern:  regexp.MustCompile(`\{\{\s*([A-Z][A-Z0-9_]*)\s*\}\}`),
		proxyPattern: regexp.MustCompile(`\$([a-z][a-z0-9_]*)`),
	}
}

// RenderUnit replaces {{NAME}} placeholders in a service unit template.
func (e *Engine) RenderUnit(text string, vars map[string]string) (string, error) {
	return e.render(text, vars, e.unitPattern)
}

// RenderProxy replaces $name placeholders in a proxy snippet template.
func (e *Engine) RenderProxy(text string, vars map[string]string) (string, error) {
	return e.render(text, vars, e.proxyPattern)
}

func (e *Engine) render(text string, vars map[string]string, pattern *regexp.Regexp) (string, error) {
	// Each match is substituted in place, so a placeholder sharing a prefix
	// with a longer one ($user vs $username) never clobbers it.
	missing := map[string]bool{}
	result := pattern.ReplaceAllStringFunc(text, func(match string) string {
		name := pattern.FindStringSubmatch(match)[1]
		value, exists := vars[name]
		if !exists {
			missing[name] = true
			return match
		}
		return value
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", api.NewError(api.KindTemplateError, "missing template variables: %s", strings.Join(names, ", "))
	}

	return result, nil
}

// ExtractUnitVariables returns the placeholder names used by a unit template.
func (e *Engine) ExtractUnitVariables(text string) []string {
	return e.extract(text, e.unitPattern)
}

// ExtractProxyVariables returns the placeholder names used by a proxy template.
func (e *Engine) ExtractProxyVariables(text string) []string {
	return e.extract(text, e.proxyPattern)
}

func (e *Engine) extract(text string, pattern *regexp.Regexp) []string {
	seen := map[string]bool{}
	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		if len(match) >= 2 {
			seen[match[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnitVars builds the standard variable set for a unit template.
func UnitVars(username, installPath, configPath string, port int) map[string]string {
	return map[string]string{
		"USERNAME":     username,
		"INSTALL_PATH": installPath,
		"CONFIG_PATH":  configPath,
		"PORT":         fmt.Sprintf("%d", port),
	}
}

// ProxyVars builds the standard variable set for a proxy snippet template.
// Extra options from the manifest's ui_options (and per-invocation overrides)
// are merged in; later values win.
func ProxyVars(username, app string, port int, extra ...map[string]string) map[string]string {
	vars := map[string]string{
		"user": username,
		"app":  app,
		"port": fmt.Sprintf("%d", port),
	}
	for _, m := range extra {
		for k, v := range m {
			vars[k] = v
		}
	}
	return vars
}
