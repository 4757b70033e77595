package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zen/internal/api"
	"zen/internal/apps"
	"zen/internal/backup"
	"zen/internal/catalog"
	"zen/internal/config"
	"zen/internal/fetch"
	"zen/internal/ports"
	"zen/internal/state"
	"zen/internal/template"
)

type fakeUnits struct {
	unitDir string
	units   map[string]string
	states  map[string]string
}

func newFakeUnits(dir string) *fakeUnits {
	return &fakeUnits{unitDir: dir, units: map[string]string{}, states: map[string]string{}}
}

func (f *fakeUnits) UnitPath(unit string) string { return filepath.Join(f.unitDir, unit) }

func (f *fakeUnits) UnitFileExists(unit string) bool {
	_, ok := f.units[unit]
	return ok
}

func (f *fakeUnits) InstallUnit(ctx context.Context, unit, text string) error {
	f.units[unit] = text
	return nil
}

func (f *fakeUnits) RemoveUnit(ctx context.Context, unit string) error {
	delete(f.units, unit)
	return nil
}

func (f *fakeUnits) Enable(ctx context.Context, unit string) error  { return nil }
func (f *fakeUnits) Disable(ctx context.Context, unit string) error { return nil }

func (f *fakeUnits) Start(ctx context.Context, unit string) error {
	f.states[unit] = "active"
	return nil
}

func (f *fakeUnits) Stop(ctx context.Context, unit string) (bool, error) {
	f.states[unit] = "inactive"
	return false, nil
}

func (f *fakeUnits) ActiveState(ctx context.Context, unit string) (string, error) {
	if st, ok := f.states[unit]; ok {
		return st, nil
	}
	return "inactive", nil
}

type fakeProxy struct {
	dir      string
	snippets map[string]string
}

func newFakeProxy(dir string) *fakeProxy {
	return &fakeProxy{dir: dir, snippets: map[string]string{}}
}

func (f *fakeProxy) SnippetPath(name string) string { return filepath.Join(f.dir, name) }

func (f *fakeProxy) SnippetExists(name string) bool {
	_, ok := f.snippets[name]
	return ok
}

func (f *fakeProxy) WriteSnippet(ctx context.Context, name, content string) (error, error) {
	f.snippets[name] = content
	return nil, nil
}

func (f *fakeProxy) RemoveSnippet(ctx context.Context, name string) (error, error) {
	delete(f.snippets, name)
	return nil, nil
}

type fakeFetcher struct {
	version  string
	fetchErr error
	fetches  int
}

func (f *fakeFetcher) Resolve(ctx context.Context, m *catalog.AppManifest, ch api.Channel) (string, string, string, string, error) {
	return f.version, "master", "http://releases.test/app.tar.gz", "", nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, m *catalog.AppManifest, ch api.Channel, installPath string) (*fetch.Result, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.fetches++
	if err := os.MkdirAll(installPath, 0o755); err != nil {
		return nil, err
	}
	return &fetch.Result{Version: f.version, ReleaseName: "master", InstallPath: installPath}, nil
}

type fakePackages struct{}

func (fakePackages) Install(ctx context.Context, packages []string) error { return nil }

type testEnv struct {
	engine  *Engine
	store   *state.Store
	units   *fakeUnits
	proxy   *fakeProxy
	fetcher *fakeFetcher
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.InstallRoot = filepath.Join(root, "opt")
	cfg.HomeRoot = filepath.Join(root, "home")
	cfg.UnitDir = filepath.Join(root, "units")
	cfg.ProxyDir = filepath.Join(root, "proxy")
	cfg.LockDir = filepath.Join(root, "locks")
	cfg.StateDBPath = filepath.Join(root, "state.db")

	store, err := state.Open(cfg.StateDBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cat, err := catalog.Load()
	require.NoError(t, err)

	units := newFakeUnits(cfg.UnitDir)
	prx := newFakeProxy(cfg.ProxyDir)
	fetcher := &fakeFetcher{version: "5.14.0"}

	deps := apps.Deps{
		Store:    store,
		Catalog:  cat,
		Renderer: template.New(),
		Ports:    ports.NewWithProbe(store, func(int) bool { return true }),
		Units:    units,
		Proxy:    prx,
		Fetcher:  fetcher,
		Backups:  backup.New(cfg.HomeRoot, cfg.BackupDirName, cfg.Backup.Keep),
		Packages: fakePackages{},
		Config:   cfg,
	}

	for _, user := range []string{"jason", "alice", "zen"} {
		require.NoError(t, store.PutUser(&state.UserRecord{Username: user, Home: filepath.Join(cfg.HomeRoot, user)}))
	}

	return &testEnv{engine: New(deps), store: store, units: units, proxy: prx, fetcher: fetcher, cfg: cfg}
}

func TestRunAddCreatesInstance(t *testing.T) {
	e := newTestEnv(t)

	outcome, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, outcome.Status)
	assert.NotEmpty(t, outcome.CorrelationID)
	assert.NotEmpty(t, outcome.Artifacts)

	assert.True(t, e.units.UnitFileExists("radarr@jason.service"))
	assert.True(t, e.proxy.SnippetExists("jason-radarr.conf"))

	ops, err := e.store.ListOps(0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "success", ops[0].Outcome)
	assert.Equal(t, outcome.CorrelationID, ops[0].CorrelationID)
}

func TestRunAddTwiceFailsAlreadyInstalled(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.NoError(t, err)

	_, err = e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsAlreadyInstalled(err))
	assert.Equal(t, 1, e.fetcher.fetches, "the second add must not touch the filesystem")
}

func TestRunUnknownApp(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "plex"})
	require.Error(t, err)
	assert.True(t, api.IsUnknownApp(err))
}

func TestRunUnknownUser(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "nobody-zen-test", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsUnknownUser(err))
}

func TestRunBannedUser(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.PutUser(&state.UserRecord{Username: "mallory", Banned: true}))

	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "mallory", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsUnknownUser(err))
}

func TestRunBusyWhenLockHeld(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.MkdirAll(e.cfg.LockDir, 0o755))
	fl := flock.New(filepath.Join(e.cfg.LockDir, "jason-radarr.lock"))
	locked, err := fl.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = fl.Unlock() }()

	_, err = e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsBusy(err))
}

func TestRunUnwindsOnFetchFailure(t *testing.T) {
	e := newTestEnv(t)
	e.fetcher.fetchErr = api.NewError(api.KindDownloadFailed, "mirror down")

	outcome, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindDownloadFailed))
	assert.Equal(t, "fetch-release", outcome.Step)

	assert.False(t, e.units.UnitFileExists("radarr@jason.service"))
	assert.False(t, e.proxy.SnippetExists("jason-radarr.conf"))

	_, found, err := e.store.AllocatedPort("jason", "radarr")
	require.NoError(t, err)
	assert.False(t, found)

	inst, err := e.store.GetInstance("jason", "radarr")
	require.NoError(t, err)
	assert.Nil(t, inst)

	ops, err := e.store.ListOps(0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "failure", ops[0].Outcome)
}

func TestRunRemoveThenAddSucceeds(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.NoError(t, err)

	outcome, err := e.engine.Run(context.Background(), Request{Action: api.ActionRemove, User: "jason", App: "radarr"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusRemoved, outcome.Status)

	_, err = e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.NoError(t, err)
}

func TestRunRemoveNotInstalled(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionRemove, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindNotInstalled))
}

func TestCrashRecoveryReconciliation(t *testing.T) {
	e := newTestEnv(t)
	// A crash between unit install and state upsert leaves a unit file with
	// no state row.
	e.units.units["radarr@jason.service"] = "[Unit]\n"

	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsInconsistent(err))

	inst, err := e.store.GetInstance("jason", "radarr")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, api.StatusInconsistent, inst.Status)

	// Reinstall is one of the two permitted recovery verbs.
	outcome, err := e.engine.Run(context.Background(), Request{Action: api.ActionReinstall, User: "jason", App: "radarr"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, outcome.Status)
}

func TestDriftMarksInstanceInconsistent(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.NoError(t, err)

	// Delete the unit behind the engine's back.
	delete(e.units.units, "radarr@jason.service")

	_, err = e.engine.Run(context.Background(), Request{Action: api.ActionUpdate, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsInconsistent(err))

	inst, err := e.store.GetInstance("jason", "radarr")
	require.NoError(t, err)
	assert.Equal(t, api.StatusInconsistent, inst.Status)
}

func TestSingletonAppRunsAsZenUser(t *testing.T) {
	e := newTestEnv(t)

	outcome, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, App: "grafana"})
	require.NoError(t, err)
	assert.Equal(t, "zen", outcome.User)
	assert.True(t, e.units.UnitFileExists("grafana@zen.service"))
}

func TestSingletonAppRejectsOtherUsers(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "grafana"})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindUsage))
}

func TestMultiUserAppRequiresUser(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindUsage))
}

func TestCancelledContext(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.engine.Run(ctx, Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsCancelled(err))
}

func TestExpiredDeadlineIsTimeout(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := e.engine.Run(ctx, Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindTimeout), "deadline expiry must not surface as Cancelled, got %v", api.KindOf(err))
}

func TestMarkAbortedFlagsInstance(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.engine.Run(context.Background(), Request{Action: api.ActionAdd, User: "jason", App: "radarr"})
	require.NoError(t, err)

	e.engine.MarkAborted("jason", "radarr")
	inst, err := e.store.GetInstance("jason", "radarr")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, api.StatusInconsistent, inst.Status)

	// An abort before the state row is written still leaves a marker.
	e.engine.MarkAborted("alice", "radarr")
	inst, err = e.store.GetInstance("alice", "radarr")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, api.StatusInconsistent, inst.Status)

	// Host-wide apps resolve to their fixed owner.
	e.engine.MarkAborted("", "grafana")
	inst, err = e.store.GetInstance("zen", "grafana")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, api.StatusInconsistent, inst.Status)
}
