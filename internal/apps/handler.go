package apps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"zen/internal/api"
	"zen/internal/catalog"
	"zen/internal/state"
	"zen/internal/template"
	"zen/pkg/logging"
)

// Handler composes the step sequence for each lifecycle verb of one app.
// Every app shares the canonical procedures; app-specific behavior lives in
// the manifest and the initial config writers.
type Handler struct {
	deps Deps
	m    *catalog.AppManifest
}

// Manifest returns the app's manifest.
func (h *Handler) Manifest() *catalog.AppManifest {
	return h.m
}

// Steps builds the step sequence for the operation's action.
func (h *Handler) Steps(op *Operation) ([]Step, error) {
	if op.Port == 0 && op.Existing != nil {
		op.Port = op.Existing.Port
	}
	switch op.Action {
	case api.ActionAdd:
		return h.addSteps(op), nil
	case api.ActionRemove:
		return h.removeSteps(op), nil
	case api.ActionUpdate:
		return h.updateSteps(op), nil
	case api.ActionBackup:
		return h.backupSteps(op), nil
	case api.ActionReset:
		return h.resetSteps(op), nil
	case api.ActionReinstall:
		return h.reinstallSteps(op), nil
	default:
		return nil, api.NewUsageError(fmt.Sprintf("unknown action %s", op.Action))
	}
}

func (h *Handler) installPath(op *Operation) string {
	return h.m.InstallPath(h.deps.Config.InstallRoot, op.User)
}

func (h *Handler) configPath(op *Operation) string {
	return h.m.ConfigPath(h.deps.Config.HomeRoot, op.User)
}

func (h *Handler) renderUnit(op *Operation) (string, error) {
	text, err := h.deps.Catalog.Template(h.m.UnitTemplate)
	if err != nil {
		return "", err
	}
	vars := template.UnitVars(op.User, h.installPath(op), h.configPath(op), op.Port)
	for k, v := range h.m.UnitVars {
		vars[k] = v
	}
	return h.deps.Renderer.RenderUnit(text, vars)
}

func (h *Handler) renderSnippet(op *Operation) (string, error) {
	text, err := h.deps.Catalog.Template(h.m.ProxyTemplate)
	if err != nil {
		return "", err
	}
	vars := template.ProxyVars(op.User, h.m.Name, op.Port, h.m.UIOptions, op.Options)
	return h.deps.Renderer.RenderProxy(text, vars)
}

func (h *Handler) recordInstance(op *Operation) error {
	status := api.StatusRunning
	if op.Degraded {
		status = api.StatusDegraded
	}
	inst := &state.Instance{
		User:        op.User,
		App:         h.m.Name,
		Port:        op.Port,
		Channel:     op.Channel,
		Version:     op.Version,
		ReleaseName: op.ReleaseName,
		InstallPath: h.installPath(op),
		ConfigPath:  h.configPath(op),
		Status:      status,
		Options:     op.Options,
	}
	if op.Existing != nil {
		inst.CreatedAt = op.Existing.CreatedAt
		if len(inst.Options) == 0 {
			inst.Options = op.Existing.Options
		}
	}
	return h.deps.Store.UpsertInstance(inst)
}

// addSteps is the canonical install procedure. Any failure unwinds the
// completed steps in reverse order.
func (h *Handler) addSteps(op *Operation) []Step {
	unit := h.m.UnitName(op.User)
	snippet := h.m.SnippetName(op.User)

	return []Step{
		{
			Name: "install-dependencies",
			Do: func(ctx context.Context) error {
				return h.deps.Packages.Install(ctx, h.m.Dependencies)
			},
		},
		{
			Name: "allocate-port",
			Do: func(ctx context.Context) error {
				port, err := h.deps.Ports.Allocate(h.m, op.User)
				if err != nil {
					return err
				}
				op.Port = port
				return nil
			},
			Undo: func(ctx context.Context) error {
				return h.deps.Ports.Free(h.m, op.User)
			},
		},
		{
			Name: "fetch-release",
			Do: func(ctx context.Context) error {
				res, err := h.deps.Fetcher.Fetch(ctx, h.m, op.Channel, h.installPath(op))
				if err != nil {
					return err
				}
				op.Version = res.Version
				op.ReleaseName = res.ReleaseName
				op.touched(res.InstallPath)
				return nil
			},
			Undo: func(ctx context.Context) error {
				return os.RemoveAll(h.installPath(op))
			},
		},
		{
			Name: "write-config",
			Do: func(ctx context.Context) error {
				if err := h.writeInitialConfig(op); err != nil {
					return err
				}
				op.touched(h.configPath(op))
				return nil
			},
			Undo: func(ctx context.Context) error {
				return os.RemoveAll(h.configPath(op))
			},
		},
		h.installUnitStep(op, unit),
		h.writeSnippetStep(op, snippet),
		h.startServiceStep(op, unit),
		{
			Name: "record-instance",
			Do: func(ctx context.Context) error {
				return h.recordInstance(op)
			},
			Undo: func(ctx context.Context) error {
				return h.deps.Store.DeleteInstance(op.User, h.m.Name)
			},
		},
	}
}

func (h *Handler) installUnitStep(op *Operation, unit string) Step {
	return Step{
		Name: "install-unit",
		Do: func(ctx context.Context) error {
			text, err := h.renderUnit(op)
			if err != nil {
				return err
			}
			if err := h.deps.Units.InstallUnit(ctx, unit, text); err != nil {
				return err
			}
			op.touched(h.deps.Units.UnitPath(unit))
			return nil
		},
		Undo: func(ctx context.Context) error {
			return h.deps.Units.RemoveUnit(ctx, unit)
		},
	}
}

func (h *Handler) writeSnippetStep(op *Operation, snippet string) Step {
	return Step{
		Name: "write-proxy-snippet",
		Do: func(ctx context.Context) error {
			text, err := h.renderSnippet(op)
			if err != nil {
				return err
			}
			reloadErr, err := h.deps.Proxy.WriteSnippet(ctx, snippet, text)
			if err != nil {
				return err
			}
			if reloadErr != nil {
				op.Degraded = true
				op.warnf("proxy reload failed: %v", reloadErr)
			}
			op.touched(h.deps.Proxy.SnippetPath(snippet))
			return nil
		},
		Undo: func(ctx context.Context) error {
			_, err := h.deps.Proxy.RemoveSnippet(ctx, snippet)
			return err
		},
	}
}

func (h *Handler) startServiceStep(op *Operation, unit string) Step {
	return Step{
		Name: "start-service",
		Do: func(ctx context.Context) error {
			if err := h.deps.Units.Enable(ctx, unit); err != nil {
				return err
			}
			return h.deps.Units.Start(ctx, unit)
		},
		Undo: func(ctx context.Context) error {
			if _, err := h.deps.Units.Stop(ctx, unit); err != nil {
				return err
			}
			return h.deps.Units.Disable(ctx, unit)
		},
	}
}

// removeSteps runs forward-only; partial failures surface but completed
// removals are not resurrected.
func (h *Handler) removeSteps(op *Operation) []Step {
	unit := h.m.UnitName(op.User)
	snippet := h.m.SnippetName(op.User)

	steps := []Step{
		{
			Name: "stop-service",
			Do: func(ctx context.Context) error {
				if !h.deps.Units.UnitFileExists(unit) {
					return nil
				}
				killed, err := h.deps.Units.Stop(ctx, unit)
				if err != nil {
					return err
				}
				if killed {
					op.warnf("service %s did not stop in time and was killed", unit)
				}
				return h.deps.Units.Disable(ctx, unit)
			},
		},
		{
			Name: "remove-unit",
			Do: func(ctx context.Context) error {
				return h.deps.Units.RemoveUnit(ctx, unit)
			},
		},
		{
			Name: "remove-proxy-snippet",
			Do: func(ctx context.Context) error {
				reloadErr, err := h.deps.Proxy.RemoveSnippet(ctx, snippet)
				if err != nil {
					return err
				}
				if reloadErr != nil {
					op.warnf("proxy reload failed: %v", reloadErr)
				}
				return nil
			},
		},
		{
			Name: "free-port",
			Do: func(ctx context.Context) error {
				return h.deps.Ports.Free(h.m, op.User)
			},
		},
		{
			Name: "remove-install",
			Do: func(ctx context.Context) error {
				return os.RemoveAll(h.installPath(op))
			},
		},
	}
	if op.Purge {
		steps = append(steps, Step{
			Name: "purge-config",
			Do: func(ctx context.Context) error {
				home := filepath.Join(h.deps.Config.HomeRoot, op.User)
				for _, rel := range h.m.ConfigPaths {
					if err := os.RemoveAll(filepath.Join(home, rel)); err != nil {
						return err
					}
				}
				return nil
			},
		})
	}
	return append(steps, Step{
		Name: "delete-state",
		Do: func(ctx context.Context) error {
			return h.deps.Store.DeleteInstance(op.User, h.m.Name)
		},
	})
}

func (h *Handler) updateSteps(op *Operation) []Step {
	unit := h.m.UnitName(op.User)

	return []Step{
		{
			Name: "resolve-version",
			Do: func(ctx context.Context) error {
				version, releaseName, _, _, err := h.deps.Fetcher.Resolve(ctx, h.m, op.Channel)
				if err != nil {
					return err
				}
				op.Version = version
				op.ReleaseName = releaseName
				if op.Existing != nil && op.Channel == op.Existing.Channel {
					cur, cerr := semver.NewVersion(op.Existing.Version)
					next, nerr := semver.NewVersion(version)
					if cerr == nil && nerr == nil && !next.GreaterThan(cur) {
						op.UpToDate = true
						op.Version = op.Existing.Version
						op.ReleaseName = op.Existing.ReleaseName
						op.warnf("%s is already at %s", h.m.Name, op.Existing.Version)
					}
				}
				return nil
			},
		},
		{
			Name: "stop-service",
			Do: func(ctx context.Context) error {
				if op.UpToDate {
					return nil
				}
				_, err := h.deps.Units.Stop(ctx, unit)
				return err
			},
			Undo: func(ctx context.Context) error {
				return h.deps.Units.Start(ctx, unit)
			},
		},
		{
			// The fetcher swaps atomically; a failure here leaves the
			// previous install in place and the unwind restarts it.
			Name: "fetch-release",
			Do: func(ctx context.Context) error {
				if op.UpToDate {
					return nil
				}
				res, err := h.deps.Fetcher.Fetch(ctx, h.m, op.Channel, h.installPath(op))
				if err != nil {
					return err
				}
				op.Version = res.Version
				op.ReleaseName = res.ReleaseName
				op.touched(res.InstallPath)
				return nil
			},
		},
		{
			Name: "start-service",
			Do: func(ctx context.Context) error {
				if op.UpToDate {
					return nil
				}
				return h.deps.Units.Start(ctx, unit)
			},
		},
		{
			Name: "record-instance",
			Do: func(ctx context.Context) error {
				if op.UpToDate {
					return nil
				}
				return h.recordInstance(op)
			},
		},
	}
}

func (h *Handler) backupSteps(op *Operation) []Step {
	return []Step{
		{
			Name: "snapshot-config",
			Do: func(ctx context.Context) error {
				path, err := h.deps.Backups.Backup(op.User, h.m)
				if err != nil {
					return err
				}
				op.ArchivePath = path
				op.touched(path)
				return nil
			},
		},
	}
}

func (h *Handler) resetSteps(op *Operation) []Step {
	unit := h.m.UnitName(op.User)

	return []Step{
		{
			Name: "stop-service",
			Do: func(ctx context.Context) error {
				_, err := h.deps.Units.Stop(ctx, unit)
				return err
			},
			Undo: func(ctx context.Context) error {
				return h.deps.Units.Start(ctx, unit)
			},
		},
		{
			Name: "replace-config",
			Do: func(ctx context.Context) error {
				if op.FromArchive != "" {
					if err := h.deps.Backups.Restore(op.User, h.m, op.FromArchive); err != nil {
						return err
					}
					op.touched(h.configPath(op))
					return nil
				}
				home := filepath.Join(h.deps.Config.HomeRoot, op.User)
				for _, rel := range h.m.ConfigPaths {
					if err := os.RemoveAll(filepath.Join(home, rel)); err != nil {
						return err
					}
				}
				if err := h.writeInitialConfig(op); err != nil {
					return err
				}
				op.touched(h.configPath(op))
				return nil
			},
		},
		{
			Name: "start-service",
			Do: func(ctx context.Context) error {
				return h.deps.Units.Start(ctx, unit)
			},
		},
		{
			Name: "record-instance",
			Do: func(ctx context.Context) error {
				op.Version = op.Existing.Version
				op.ReleaseName = op.Existing.ReleaseName
				return h.recordInstance(op)
			},
		},
	}
}

// reinstallSteps rebuilds every artifact while keeping the port allocation,
// the config paths and the state row's identity. It is the recovery path for
// inconsistent instances, so each teardown step tolerates missing artifacts.
func (h *Handler) reinstallSteps(op *Operation) []Step {
	unit := h.m.UnitName(op.User)
	snippet := h.m.SnippetName(op.User)

	steps := []Step{
		{
			Name: "stop-service",
			Do: func(ctx context.Context) error {
				if !h.deps.Units.UnitFileExists(unit) {
					return nil
				}
				killed, err := h.deps.Units.Stop(ctx, unit)
				if err != nil {
					return err
				}
				if killed {
					op.warnf("service %s did not stop in time and was killed", unit)
				}
				return h.deps.Units.Disable(ctx, unit)
			},
		},
		{
			Name: "remove-install",
			Do: func(ctx context.Context) error {
				return os.RemoveAll(h.installPath(op))
			},
		},
		{
			Name: "install-dependencies",
			Do: func(ctx context.Context) error {
				return h.deps.Packages.Install(ctx, h.m.Dependencies)
			},
		},
		{
			Name: "allocate-port",
			Do: func(ctx context.Context) error {
				port, err := h.deps.Ports.Allocate(h.m, op.User)
				if err != nil {
					return err
				}
				op.Port = port
				return nil
			},
		},
		{
			Name: "fetch-release",
			Do: func(ctx context.Context) error {
				res, err := h.deps.Fetcher.Fetch(ctx, h.m, op.Channel, h.installPath(op))
				if err != nil {
					return err
				}
				op.Version = res.Version
				op.ReleaseName = res.ReleaseName
				op.touched(res.InstallPath)
				return nil
			},
		},
		{
			Name: "ensure-config",
			Do: func(ctx context.Context) error {
				if _, err := os.Stat(h.configPath(op)); err == nil {
					logging.Debug("Apps", "Keeping existing config at %s", h.configPath(op))
					return nil
				}
				if err := h.writeInitialConfig(op); err != nil {
					return err
				}
				op.touched(h.configPath(op))
				return nil
			},
		},
		h.installUnitStep(op, unit),
		h.writeSnippetStep(op, snippet),
		h.startServiceStep(op, unit),
		{
			Name: "record-instance",
			Do: func(ctx context.Context) error {
				return h.recordInstance(op)
			},
		},
	}
	return steps
}
