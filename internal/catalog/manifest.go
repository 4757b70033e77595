package catalog

import (
	"fmt"
	"path/filepath"

	"zen/internal/api"
)

// PortRange is an inclusive TCP port interval.
type PortRange struct {
	Lo int `yaml:"lo" validate:"required,min=1024,max=65535"`
	Hi int `yaml:"hi" validate:"required,min=1024,max=65535"`
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Lo && port <= r.Hi
}

// AppManifest is the static metadata describing one supported application.
// Manifests are embedded in the binary and loaded once at startup.
type AppManifest struct {
	// Name is the catalog key (e.g. "radarr").
	Name string `yaml:"name" validate:"required,lowercase"`

	// DisplayName is the upstream spelling (e.g. "Radarr"); it names the
	// install and config directories.
	DisplayName string `yaml:"display_name" validate:"required"`

	// Group clusters apps in catalog output (automation, download, observability).
	Group string `yaml:"group" validate:"required"`

	PortRange PortRange `yaml:"port_range"`

	// InternalRange is an optional carve-out inside PortRange reserved for
	// the app's own use; the allocator never hands out ports from it.
	InternalRange *PortRange `yaml:"internal_range,omitempty"`

	// Channels maps a release channel to the upstream release name
	// (e.g. stable -> master, prerelease -> develop).
	Channels map[api.Channel]string `yaml:"channels" validate:"required"`

	// ReleaseURLTemplate builds the artifact URL. It is a text/template
	// evaluated with Version, ReleaseName, Channel, Arch and NetArch.
	ReleaseURLTemplate string `yaml:"release_url_template" validate:"required"`

	// VersionEndpoint, when set, is a template for the upstream metadata
	// endpoint that reports the latest version on a channel.
	VersionEndpoint string `yaml:"version_endpoint,omitempty"`

	// ChecksumURLTemplate, when set, locates a SHA-256 checksum for the
	// artifact; downloads are verified against it.
	ChecksumURLTemplate string `yaml:"checksum_url_template,omitempty"`

	// Dependencies are OS packages installed before the app itself.
	Dependencies []string `yaml:"dependencies"`

	UnitTemplate  string `yaml:"unit_template" validate:"required"`
	ProxyTemplate string `yaml:"proxy_template" validate:"required"`

	// ConfigPaths are paths relative to the user's home treated as the
	// app's state for backup and reset.
	ConfigPaths []string `yaml:"config_paths" validate:"required,min=1"`

	// APIVersion derives the app's config endpoint path (servarr apps).
	APIVersion string `yaml:"api_version,omitempty"`

	// MultiUser is false for host-wide singletons (observability stack).
	MultiUser bool `yaml:"multi_user"`

	// UnitVars are extra variables fed to the unit template beyond the
	// standard USERNAME/PORT/INSTALL_PATH/CONFIG_PATH set.
	UnitVars map[string]string `yaml:"unit_vars,omitempty"`

	// UIOptions are forwarded to the proxy template as $-variables.
	UIOptions map[string]string `yaml:"ui_options,omitempty"`
}

// ReleaseName resolves the upstream release name for a channel.
func (m *AppManifest) ReleaseName(ch api.Channel) (string, error) {
	name, ok := m.Channels[ch]
	if !ok {
		return "", api.NewError(api.KindUsage, "app %s has no %s channel", m.Name, ch)
	}
	return name, nil
}

// InstallPath is the app's install directory for a user.
func (m *AppManifest) InstallPath(installRoot, user string) string {
	return filepath.Join(installRoot, user, m.DisplayName)
}

// ConfigPath is the app's primary config directory for a user. It is the
// first entry of ConfigPaths resolved against the user's home.
func (m *AppManifest) ConfigPath(homeRoot, user string) string {
	return filepath.Join(homeRoot, user, m.ConfigPaths[0])
}

// UnitName is the systemd template-unit instance for a user.
func (m *AppManifest) UnitName(user string) string {
	return fmt.Sprintf("%s@%s.service", m.Name, user)
}

// SnippetName is the reverse-proxy drop-in file name for a user.
func (m *AppManifest) SnippetName(user string) string {
	return fmt.Sprintf("%s-%s.conf", user, m.Name)
}

func (m *AppManifest) validatePorts() error {
	if m.PortRange.Lo > m.PortRange.Hi {
		return fmt.Errorf("app %s: port range lo %d > hi %d", m.Name, m.PortRange.Lo, m.PortRange.Hi)
	}
	if m.InternalRange != nil {
		ir := *m.InternalRange
		if ir.Lo > ir.Hi {
			return fmt.Errorf("app %s: internal range lo %d > hi %d", m.Name, ir.Lo, ir.Hi)
		}
		if !m.PortRange.Contains(ir.Lo) || !m.PortRange.Contains(ir.Hi) {
			return fmt.Errorf("app %s: internal range must lie inside the port range", m.Name)
		}
		if ir.Lo == m.PortRange.Lo && ir.Hi == m.PortRange.Hi {
			return fmt.Errorf("app %s: internal range must not cover the whole port range", m.Name)
		}
	}
	if _, ok := m.Channels[api.ChannelStable]; !ok {
		return fmt.Errorf("app %s: a stable channel is required", m.Name)
	}
	return nil
}
