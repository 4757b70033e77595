package template

import (
	"strings"
	"testing"

	"zen/internal/api"
)

func TestRenderUnit(t *testing.T) {
	e := New()

	text := "ExecStart={{INSTALL_PATH}}/Radarr -data={{CONFIG_PATH}}\nUser=%i\n"
	out, err := e.RenderUnit(text, map[string]string{
		"INSTALL_PATH": "/opt/jason/Radarr",
		"CONFIG_PATH":  "/home/jason/.config/Radarr",
		"PORT":         "7878", // unused, permitted
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "/opt/jason/Radarr/Radarr -data=/home/jason/.config/Radarr") {
		t.Errorf("placeholders not expanded: %q", out)
	}
	if !strings.Contains(out, "User=%i") {
		t.Errorf("%%i must pass through untouched: %q", out)
	}
}

func TestRenderUnitWithSpaces(t *testing.T) {
	e := New()
	out, err := e.RenderUnit("Port={{ PORT }}", map[string]string{"PORT": "7878"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Port=7878" {
		t.Errorf("got %q", out)
	}
}

func TestRenderUnitMissingVariable(t *testing.T) {
	e := New()
	_, err := e.RenderUnit("Port={{PORT}} User={{USERNAME}}", map[string]string{"PORT": "7878"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !api.IsKind(err, api.KindTemplateError) {
		t.Errorf("expected TemplateError, got %v", api.KindOf(err))
	}
	if !strings.Contains(err.Error(), "USERNAME") {
		t.Errorf("error should name the missing variable: %v", err)
	}
}

func TestRenderProxy(t *testing.T) {
	e := New()
	text := "handle_path /$user/$app* {\n\treverse_proxy localhost:$port\n}\n"
	out, err := e.RenderProxy(text, ProxyVars("jason", "radarr", 7878))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "handle_path /jason/radarr* {\n\treverse_proxy localhost:7878\n}\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRenderProxyPrefixPlaceholders(t *testing.T) {
	e := New()
	text := "header_up X-User $username\nhandle_path /$user/$app* {\n\treverse_proxy localhost:$port\n}\n"
	out, err := e.RenderProxy(text, ProxyVars("jason", "radarr", 7878, map[string]string{"username": "Jason Q"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "X-User Jason Q") {
		t.Errorf("longer placeholder corrupted by shorter prefix: %q", out)
	}
	if !strings.Contains(out, "/jason/radarr*") {
		t.Errorf("shorter placeholder not expanded: %q", out)
	}
}

func TestRenderProxyMissingVariable(t *testing.T) {
	e := New()
	_, err := e.RenderProxy("reverse_proxy localhost:$port $theme", ProxyVars("jason", "radarr", 7878))
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "theme") {
		t.Errorf("error should name the missing variable: %v", err)
	}
}

func TestProxyVarsMerge(t *testing.T) {
	vars := ProxyVars("jason", "radarr", 7878, map[string]string{"theme": "dark", "port": "9999"})
	if vars["theme"] != "dark" {
		t.Errorf("extra option not merged")
	}
	if vars["port"] != "9999" {
		t.Errorf("later maps must win, got port=%s", vars["port"])
	}
}

func TestExtractVariables(t *testing.T) {
	e := New()

	unit := e.ExtractUnitVariables("A={{ALPHA}} B={{ BETA }} A2={{ALPHA}}")
	if len(unit) != 2 || unit[0] != "ALPHA" || unit[1] != "BETA" {
		t.Errorf("got %v", unit)
	}

	proxy := e.ExtractProxyVariables("/$user/$app -> $port")
	if len(proxy) != 3 {
		t.Errorf("got %v", proxy)
	}
}
