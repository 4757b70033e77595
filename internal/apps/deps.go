package apps

import (
	"context"

	"zen/internal/api"
	"zen/internal/backup"
	"zen/internal/catalog"
	"zen/internal/config"
	"zen/internal/fetch"
	"zen/internal/pkgmgr"
	"zen/internal/ports"
	"zen/internal/state"
	"zen/internal/template"
)

// UnitManager is the slice of the service unit manager the handlers use.
// Satisfied by *systemd.Manager; tests substitute a fake.
type UnitManager interface {
	UnitPath(unit string) string
	UnitFileExists(unit string) bool
	InstallUnit(ctx context.Context, unit, text string) error
	RemoveUnit(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) (killed bool, err error)
	ActiveState(ctx context.Context, unit string) (string, error)
}

// SnippetManager is the slice of the reverse-proxy manager the handlers use.
// Satisfied by *proxy.Manager. Write and remove report the proxy reload
// outcome separately so a failed reload never aborts the lifecycle operation.
type SnippetManager interface {
	SnippetPath(name string) string
	SnippetExists(name string) bool
	WriteSnippet(ctx context.Context, name, content string) (reloadErr, writeErr error)
	RemoveSnippet(ctx context.Context, name string) (reloadErr, removeErr error)
}

// ReleaseFetcher resolves and fetches upstream releases. Satisfied by
// *fetch.Fetcher.
type ReleaseFetcher interface {
	Resolve(ctx context.Context, m *catalog.AppManifest, ch api.Channel) (version, releaseName, artifactURL, checksumURL string, err error)
	Fetch(ctx context.Context, m *catalog.AppManifest, ch api.Channel, installPath string) (*fetch.Result, error)
}

// Deps bundles every collaborator an app handler composes its steps from.
type Deps struct {
	Store    *state.Store
	Catalog  *catalog.Registry
	Renderer *template.Engine
	Ports    *ports.Allocator
	Units    UnitManager
	Proxy    SnippetManager
	Fetcher  ReleaseFetcher
	Backups  *backup.Manager
	Packages pkgmgr.Installer
	Config   *config.Config
}
