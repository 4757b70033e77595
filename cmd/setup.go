package cmd

import (
	"context"

	"zen/internal/apps"
	"zen/internal/backup"
	"zen/internal/catalog"
	"zen/internal/config"
	"zen/internal/engine"
	"zen/internal/fetch"
	"zen/internal/pkgmgr"
	"zen/internal/ports"
	"zen/internal/proxy"
	"zen/internal/state"
	"zen/internal/systemd"
	"zen/internal/template"
)

// buildEngine wires the real collaborators together. The returned cleanup
// releases the state store.
func buildEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = store.Close() }

	conn, err := systemd.Connect(ctx)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	units := systemd.New(conn, cfg.UnitDir, cfg.Timeouts.ServiceStart, cfg.Timeouts.ServiceStop)
	fetcher, err := fetch.New(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps := apps.Deps{
		Store:    store,
		Catalog:  cat,
		Renderer: template.New(),
		Ports:    ports.New(store),
		Units:    units,
		Proxy:    proxy.New(cfg.ProxyDir, cfg.ProxyUnit, units, cfg.Timeouts.ProxyReload),
		Fetcher:  fetcher,
		Backups:  backup.New(cfg.HomeRoot, cfg.BackupDirName, cfg.Backup.Keep),
		Packages: pkgmgr.NewApt(cfg.Timeouts.PackageInstall),
		Config:   cfg,
	}
	return engine.New(deps), cleanup, nil
}
