package proxy

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"zen/internal/api"
	"zen/pkg/logging"
)

// Reloader asks the reverse proxy to pick up configuration changes.
// *systemd.Manager satisfies it.
type Reloader interface {
	ReloadUnit(ctx context.Context, unit string) error
}

// Manager writes and removes per-instance proxy snippets in the drop-in
// directory and reloads the proxy afterwards. Snippets are renamed into
// place so the proxy never observes a partial file.
type Manager struct {
	dir        string
	proxyUnit  string
	reloader   Reloader
	timeout    time.Duration
	retryDelay time.Duration
}

// New creates a proxy manager for the given drop-in directory.
func New(dir, proxyUnit string, reloader Reloader, reloadTimeout time.Duration) *Manager {
	return &Manager{
		dir:        dir,
		proxyUnit:  proxyUnit,
		reloader:   reloader,
		timeout:    reloadTimeout,
		retryDelay: 500 * time.Millisecond,
	}
}

// SetRetryDelay overrides the pause between reload attempts. Used by tests.
func (m *Manager) SetRetryDelay(d time.Duration) {
	m.retryDelay = d
}

// SnippetPath returns the on-disk path of a snippet by file name.
func (m *Manager) SnippetPath(name string) string {
	return filepath.Join(m.dir, name)
}

// SnippetExists reports whether the snippet is present.
func (m *Manager) SnippetExists(name string) bool {
	_, err := os.Stat(m.SnippetPath(name))
	return err == nil
}

// WriteSnippet places the rendered snippet into the drop-in directory and
// reloads the proxy. The reload error, if any, is returned separately from
// the write so callers can treat it as non-fatal.
func (m *Manager) WriteSnippet(ctx context.Context, name, rendered string) (reloadErr error, err error) {
	path := m.SnippetPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0o644); err != nil {
		return nil, api.WrapError(api.KindInternal, err, "writing proxy snippet %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, api.WrapError(api.KindInternal, err, "installing proxy snippet %s", name)
	}
	logging.Info("Proxy", "Wrote snippet %s", name)
	return m.Reload(ctx), nil
}

// RemoveSnippet deletes the snippet and reloads the proxy. Removing an
// absent snippet is a no-op. The reload error is returned separately.
func (m *Manager) RemoveSnippet(ctx context.Context, name string) (reloadErr error, err error) {
	rmErr := os.Remove(m.SnippetPath(name))
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, api.WrapError(api.KindInternal, rmErr, "removing proxy snippet %s", name)
	}
	logging.Info("Proxy", "Removed snippet %s", name)
	return m.Reload(ctx), nil
}

// Reload asks the proxy to reload, retrying transient failures up to three
// attempts. A final failure is reported as ProxyReloadFailed; callers decide
// whether it aborts the current operation.
func (m *Manager) Reload(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), 2), ctx)
	err := backoff.Retry(func() error {
		rctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return m.reloader.ReloadUnit(rctx, m.proxyUnit)
	}, policy)
	if err != nil {
		return api.WrapError(api.KindProxyReloadFailed, err, "reloading %s", m.proxyUnit)
	}
	logging.Debug("Proxy", "Reloaded %s", m.proxyUnit)
	return nil
}
