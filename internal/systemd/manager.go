package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"zen/internal/api"
	"zen/pkg/logging"
)

// Conn is the subset of the systemd D-Bus API the manager uses. The real
// implementation is *dbus.Conn; tests substitute a fake.
type Conn interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ReloadOrRestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	KillUnitContext(ctx context.Context, name string, signal int32)
	ReloadContext(ctx context.Context) error
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
}

// Connect opens the system bus connection to systemd.
func Connect(ctx context.Context) (Conn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "connecting to systemd")
	}
	return conn, nil
}

// Manager installs, enables, starts, stops and removes per-instance service
// units. Start and Stop poll the unit's active state up to the configured
// timeouts.
type Manager struct {
	conn         Conn
	unitDir      string
	startTimeout time.Duration
	stopTimeout  time.Duration
	pollInterval time.Duration
}

// New creates a unit manager writing unit files to unitDir.
func New(conn Conn, unitDir string, startTimeout, stopTimeout time.Duration) *Manager {
	return &Manager{
		conn:         conn,
		unitDir:      unitDir,
		startTimeout: startTimeout,
		stopTimeout:  stopTimeout,
		pollInterval: 500 * time.Millisecond,
	}
}

// UnitPath returns the on-disk path of a unit file.
func (m *Manager) UnitPath(unit string) string {
	return filepath.Join(m.unitDir, unit)
}

// UnitFileExists reports whether the unit file is installed.
func (m *Manager) UnitFileExists(unit string) bool {
	_, err := os.Stat(m.UnitPath(unit))
	return err == nil
}

// InstallUnit writes the rendered unit file atomically and reloads the
// supervisor's unit database.
func (m *Manager) InstallUnit(ctx context.Context, unit, text string) error {
	path := m.UnitPath(unit)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return api.WrapError(api.KindUnitInstallFailed, err, "writing unit %s", unit)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return api.WrapError(api.KindUnitInstallFailed, err, "installing unit %s", unit)
	}
	if err := m.conn.ReloadContext(ctx); err != nil {
		return api.WrapError(api.KindUnitInstallFailed, err, "reloading unit database after installing %s", unit)
	}
	logging.Info("Systemd", "Installed unit %s", unit)
	return nil
}

// RemoveUnit deletes the unit file and reloads the unit database. Removing
// an absent unit is a no-op.
func (m *Manager) RemoveUnit(ctx context.Context, unit string) error {
	err := os.Remove(m.UnitPath(unit))
	if err != nil && !os.IsNotExist(err) {
		return api.WrapError(api.KindInternal, err, "removing unit %s", unit)
	}
	if err := m.conn.ReloadContext(ctx); err != nil {
		return api.WrapError(api.KindInternal, err, "reloading unit database after removing %s", unit)
	}
	logging.Info("Systemd", "Removed unit %s", unit)
	return nil
}

// Enable enables the unit for boot.
func (m *Manager) Enable(ctx context.Context, unit string) error {
	_, _, err := m.conn.EnableUnitFilesContext(ctx, []string{m.UnitPath(unit)}, false, true)
	if err != nil {
		return api.WrapError(api.KindUnitInstallFailed, err, "enabling unit %s", unit)
	}
	return nil
}

// Disable disables the unit.
func (m *Manager) Disable(ctx context.Context, unit string) error {
	_, err := m.conn.DisableUnitFilesContext(ctx, []string{unit}, false)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "disabling unit %s", unit)
	}
	return nil
}

// Start starts the unit and polls until it reports active, failing with
// ServiceStartTimeout when the deadline passes.
func (m *Manager) Start(ctx context.Context, unit string) error {
	if _, err := m.conn.StartUnitContext(ctx, unit, "replace", nil); err != nil {
		return api.WrapError(api.KindInternal, err, "starting unit %s", unit)
	}
	deadline := time.Now().Add(m.startTimeout)
	for {
		st, err := m.ActiveState(ctx, unit)
		if err != nil {
			return err
		}
		switch st {
		case "active":
			logging.Info("Systemd", "Unit %s is active", unit)
			return nil
		case "failed":
			return api.NewError(api.KindInternal, "unit %s entered failed state", unit)
		}
		if time.Now().After(deadline) {
			return api.NewError(api.KindServiceStartTimeout, "unit %s did not become active within %s", unit, m.startTimeout)
		}
		select {
		case <-ctx.Done():
			return api.WrapError(waitKind(ctx.Err()), ctx.Err(), "waiting for unit %s", unit)
		case <-time.After(m.pollInterval):
		}
	}
}

// Stop stops the unit and polls until it reports inactive. When the deadline
// passes the unit is killed with SIGKILL; the returned bool reports whether
// the kill fallback fired.
func (m *Manager) Stop(ctx context.Context, unit string) (killed bool, err error) {
	if _, err := m.conn.StopUnitContext(ctx, unit, "replace", nil); err != nil {
		return false, api.WrapError(api.KindInternal, err, "stopping unit %s", unit)
	}
	deadline := time.Now().Add(m.stopTimeout)
	for {
		st, serr := m.ActiveState(ctx, unit)
		if serr != nil {
			return false, serr
		}
		if st == "inactive" || st == "failed" {
			return false, nil
		}
		if time.Now().After(deadline) {
			logging.Warn("Systemd", "Unit %s did not stop within %s, killing", unit, m.stopTimeout)
			m.conn.KillUnitContext(ctx, unit, int32(syscall.SIGKILL))
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, api.WrapError(waitKind(ctx.Err()), ctx.Err(), "waiting for unit %s to stop", unit)
		case <-time.After(m.pollInterval):
		}
	}
}

// waitKind classifies a context error from a wait loop. An expired deadline
// is a timeout, everything else is a cancellation.
func waitKind(err error) api.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return api.KindTimeout
	}
	return api.KindCancelled
}

// ReloadUnit asks a running unit to reload its configuration, restarting it
// when it does not support reload.
func (m *Manager) ReloadUnit(ctx context.Context, unit string) error {
	if _, err := m.conn.ReloadOrRestartUnitContext(ctx, unit, "replace", nil); err != nil {
		return fmt.Errorf("reloading unit %s: %w", unit, err)
	}
	return nil
}

// ActiveState returns the unit's current active state ("active", "inactive",
// "failed", ...). Units unknown to systemd report "inactive".
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	statuses, err := m.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return "", api.WrapError(api.KindInternal, err, "querying unit %s", unit)
	}
	for _, st := range statuses {
		if st.Name == unit {
			return st.ActiveState, nil
		}
	}
	return "inactive", nil
}

// SetPollInterval overrides the status polling cadence. Used by tests.
func (m *Manager) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}
