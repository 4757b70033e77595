package apps

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"zen/internal/api"
	"zen/pkg/logging"
)

// writeInitialConfig creates the app's primary config directory and seeds the
// minimal configuration the service needs to come up on its allocated port
// behind the reverse proxy. Existing files are overwritten; callers that want
// to preserve user state check for an existing config first.
func (h *Handler) writeInitialConfig(op *Operation) error {
	dir := h.configPath(op)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return api.WrapError(api.KindInternal, err, "creating config directory %s", dir)
	}

	switch h.m.Name {
	case "radarr", "sonarr", "lidarr", "readarr", "prowlarr":
		return h.writeServarrConfig(op, dir)
	case "rtorrent":
		return h.writeRtorrentConfig(op, dir)
	case "grafana":
		return h.writeGrafanaConfig(op, dir)
	case "prometheus":
		return h.writePrometheusConfig(op, dir)
	case "fluentbit":
		return h.writeFluentBitConfig(op, dir)
	default:
		logging.Debug("Apps", "No initial config defined for %s", h.m.Name)
		return nil
	}
}

// writeServarrConfig seeds config.xml for the *arr family: bind to localhost
// on the allocated port, URL base matching the proxy mount, authentication
// delegated to the proxy.
func (h *Handler) writeServarrConfig(op *Operation, dir string) error {
	apiKey := strings.ReplaceAll(uuid.NewString(), "-", "")
	text := fmt.Sprintf(`<Config>
  <BindAddress>127.0.0.1</BindAddress>
  <Port>%d</Port>
  <UrlBase>/%s/%s</UrlBase>
  <EnableSsl>False</EnableSsl>
  <LaunchBrowser>False</LaunchBrowser>
  <ApiKey>%s</ApiKey>
  <AuthenticationMethod>External</AuthenticationMethod>
  <AnalyticsEnabled>False</AnalyticsEnabled>
</Config>
`, op.Port, op.User, h.m.Name, apiKey)
	return h.writeConfigFile(filepath.Join(dir, "config.xml"), text)
}

func (h *Handler) writeRtorrentConfig(op *Operation, dir string) error {
	home := filepath.Join(h.deps.Config.HomeRoot, op.User)
	text := fmt.Sprintf(`network.scgi.open_port = 127.0.0.1:%d
directory.default.set = %s
session.path.set = %s
network.port_range.set = 51000-51999
network.port_random.set = yes
dht.mode.set = disable
protocol.pex.set = no
trackers.use_udp.set = yes
pieces.hash.on_completion.set = no
`, op.Port, filepath.Join(home, "downloads"), filepath.Join(dir, "session"))
	if err := os.MkdirAll(filepath.Join(dir, "session"), 0o755); err != nil {
		return api.WrapError(api.KindInternal, err, "creating rtorrent session directory")
	}
	if err := os.MkdirAll(filepath.Join(home, "downloads"), 0o755); err != nil {
		return api.WrapError(api.KindInternal, err, "creating downloads directory")
	}
	return h.writeConfigFile(filepath.Join(dir, "rtorrent.rc"), text)
}

func (h *Handler) writeGrafanaConfig(op *Operation, dir string) error {
	text := fmt.Sprintf(`[server]
protocol = http
http_addr = 127.0.0.1
http_port = %d
root_url = %%(protocol)s://%%(domain)s/%s/grafana/
serve_from_sub_path = true

[analytics]
reporting_enabled = false
check_for_updates = false
`, op.Port, op.User)
	return h.writeConfigFile(filepath.Join(dir, "grafana.ini"), text)
}

func (h *Handler) writePrometheusConfig(op *Operation, dir string) error {
	cfg := map[string]interface{}{
		"global": map[string]interface{}{
			"scrape_interval": "15s",
		},
		"scrape_configs": []map[string]interface{}{
			{
				"job_name": "prometheus",
				"static_configs": []map[string]interface{}{
					{"targets": []string{fmt.Sprintf("localhost:%d", op.Port)}},
				},
			},
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "encoding prometheus config")
	}
	return h.writeConfigFile(filepath.Join(dir, "prometheus.yml"), string(data))
}

func (h *Handler) writeFluentBitConfig(op *Operation, dir string) error {
	text := fmt.Sprintf(`[SERVICE]
    Flush        5
    Daemon       Off
    Log_Level    info
    HTTP_Server  On
    HTTP_Listen  127.0.0.1
    HTTP_Port    %d

[INPUT]
    Name         systemd
    Tag          host.*

[OUTPUT]
    Name         stdout
    Match        *
`, op.Port)
	return h.writeConfigFile(filepath.Join(dir, "fluent-bit.conf"), text)
}

func (h *Handler) writeConfigFile(path, text string) error {
	if err := os.WriteFile(path, []byte(text), 0o640); err != nil {
		return api.WrapError(api.KindInternal, err, "writing %s", path)
	}
	logging.Debug("Apps", "Wrote initial config %s", path)
	return nil
}
