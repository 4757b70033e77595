package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	osuser "os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"zen/internal/api"
	"zen/internal/apps"
	"zen/internal/state"
	"zen/pkg/logging"
)

// singletonUser is the owner of host-wide single-instance apps.
const singletonUser = "zen"

// Request is one lifecycle action to run.
type Request struct {
	Action      api.Action
	User        string
	App         string
	Channel     api.Channel
	Options     map[string]string
	Purge       bool
	FromArchive string
}

// Engine validates a request, serializes it against concurrent invocations,
// reconciles recorded state with the host, and drives the app handler's step
// sequence with reverse unwinding on failure.
type Engine struct {
	deps     apps.Deps
	registry *apps.Registry
}

// New creates an engine over the given collaborators.
func New(deps apps.Deps) *Engine {
	return &Engine{deps: deps, registry: apps.NewRegistry(deps)}
}

// Run executes one lifecycle action to completion. The returned Outcome is
// always populated, also on failure; the operation log always receives a
// final entry.
func (e *Engine) Run(ctx context.Context, req Request) (*api.Outcome, error) {
	outcome := &api.Outcome{
		Action:        req.Action,
		User:          req.User,
		App:           req.App,
		CorrelationID: uuid.NewString(),
		StartedAt:     time.Now().UTC(),
	}

	op, err := e.run(ctx, &req, outcome)
	if op != nil {
		outcome.User = req.User
		outcome.Artifacts = op.Artifacts
		outcome.Warning = strings.Join(op.Warnings, "; ")
	}
	outcome.FinishedAt = time.Now().UTC()

	rec := state.OperationRecord{
		User:          req.User,
		App:           req.App,
		Action:        req.Action,
		Outcome:       "success",
		CorrelationID: outcome.CorrelationID,
	}
	if err != nil {
		rec.Outcome = "failure"
		rec.Error = err.Error()
		outcome.Step = api.StepOf(err)
	}
	e.deps.Store.AppendOp(rec)
	return outcome, err
}

func (e *Engine) run(ctx context.Context, req *Request, outcome *api.Outcome) (*apps.Operation, error) {
	handler, err := e.registry.Get(req.App)
	if err != nil {
		return nil, err
	}
	m := handler.Manifest()

	if !m.MultiUser {
		switch req.User {
		case "", singletonUser:
			req.User = singletonUser
		default:
			return nil, api.NewUsageError(fmt.Sprintf("%s is a host-wide app and cannot be installed per user", m.Name))
		}
	} else if req.User == "" {
		return nil, api.NewUsageError("a user is required (-u)")
	}

	if err := e.validateUser(req.User); err != nil {
		return nil, err
	}

	unlock, err := e.lock(req.User, req.App)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := e.deps.Store.GetInstance(req.User, req.App)
	if err != nil {
		return nil, err
	}
	existing, err = e.reconcile(req, m.UnitName(req.User), m.SnippetName(req.User), existing)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case api.ActionAdd:
		if existing != nil {
			return nil, api.NewError(api.KindAlreadyInstalled, "%s is already installed for %s", req.App, req.User)
		}
	default:
		if existing == nil {
			return nil, api.NewError(api.KindNotInstalled, "%s is not installed for %s", req.App, req.User)
		}
	}

	op := &apps.Operation{
		Action:      req.Action,
		User:        req.User,
		Channel:     req.Channel,
		Options:     req.Options,
		Purge:       req.Purge,
		FromArchive: req.FromArchive,
		Existing:    existing,
	}
	if op.Channel == "" {
		if existing != nil {
			op.Channel = existing.Channel
		} else {
			op.Channel = api.ChannelStable
		}
	}

	steps, err := handler.Steps(op)
	if err != nil {
		return op, err
	}

	if err := e.execute(ctx, req, op, steps); err != nil {
		return op, err
	}

	switch req.Action {
	case api.ActionRemove:
		outcome.Status = api.StatusRemoved
	default:
		if inst, gerr := e.deps.Store.GetInstance(req.User, req.App); gerr == nil && inst != nil {
			outcome.Status = inst.Status
		}
	}
	return op, nil
}

// execute drives the steps sequentially, unwinding completed steps in
// reverse order when one fails. An unwind failure marks the instance
// inconsistent.
func (e *Engine) execute(ctx context.Context, req *Request, op *apps.Operation, steps []apps.Step) error {
	completed := -1
	for i, step := range steps {
		if cerr := ctx.Err(); cerr != nil {
			err := contextError(cerr).WithStep(step.Name)
			e.unwind(op, req, steps, completed)
			return err
		}
		logging.Info("Engine", "[%s/%s] Step %s", req.User, req.App, step.Name)
		if serr := step.Do(ctx); serr != nil {
			logging.Error("Engine", serr, "[%s/%s] Step %s failed", req.User, req.App, step.Name)
			e.unwind(op, req, steps, completed)
			return attachStep(serr, step.Name)
		}
		completed = i
	}
	return nil
}

func (e *Engine) unwind(op *apps.Operation, req *Request, steps []apps.Step, completed int) {
	failed := false
	for i := completed; i >= 0; i-- {
		if steps[i].Undo == nil {
			continue
		}
		logging.Info("Engine", "[%s/%s] Unwinding step %s", req.User, req.App, steps[i].Name)
		if uerr := steps[i].Undo(context.Background()); uerr != nil {
			logging.Error("Engine", uerr, "[%s/%s] Unwinding step %s failed", req.User, req.App, steps[i].Name)
			failed = true
		}
	}
	if failed {
		e.markInconsistent(req.User, req.App, op.Existing)
	}
}

// MarkAborted records the instance as inconsistent after a hard abort, so the
// pair is flagged before the next invocation's reconciliation runs. Best
// effort; failures are only logged.
func (e *Engine) MarkAborted(user, app string) {
	if handler, err := e.registry.Get(app); err == nil && !handler.Manifest().MultiUser {
		user = singletonUser
	}
	if user == "" || app == "" {
		return
	}
	existing, err := e.deps.Store.GetInstance(user, app)
	if err != nil {
		logging.Error("Engine", err, "Loading %s/%s after abort", user, app)
		return
	}
	e.markInconsistent(user, app, existing)
}

func (e *Engine) markInconsistent(user, app string, existing *state.Instance) {
	inst := existing
	if inst == nil {
		inst = &state.Instance{User: user, App: app}
	}
	inst.Status = api.StatusInconsistent
	if err := e.deps.Store.UpsertInstance(inst); err != nil {
		logging.Error("Engine", err, "Recording inconsistent state for %s/%s", user, app)
	}
}

// reconcile compares the recorded row against the artifacts actually on the
// host. Drift marks the pair inconsistent; only remove and reinstall may then
// proceed. A missing row with leftover artifacts (a crash between unit install
// and state upsert) is recorded as an inconsistent row so recovery verbs can
// find it.
func (e *Engine) reconcile(req *Request, unit, snippet string, existing *state.Instance) (*state.Instance, error) {
	unitPresent := e.deps.Units.UnitFileExists(unit)
	snippetPresent := e.deps.Proxy.SnippetExists(snippet)

	if existing == nil {
		if !unitPresent && !snippetPresent {
			return nil, nil
		}
		logging.Warn("Engine", "Found leftover artifacts for %s/%s without a state row", req.User, req.App)
		port, _, _ := e.deps.Store.AllocatedPort(req.User, req.App)
		inst := &state.Instance{User: req.User, App: req.App, Port: port, Status: api.StatusInconsistent}
		if err := e.deps.Store.UpsertInstance(inst); err != nil {
			return nil, err
		}
		if !recoveryAction(req.Action) {
			return inst, api.NewError(api.KindInconsistent, "%s/%s has leftover artifacts; run remove or reinstall", req.User, req.App)
		}
		return inst, nil
	}

	if existing.Status == api.StatusRemoved {
		return nil, nil
	}

	_, portRecorded, err := e.deps.Store.AllocatedPort(req.User, req.App)
	if err != nil {
		return nil, err
	}
	installPresent := true
	if _, serr := os.Stat(existing.InstallPath); os.IsNotExist(serr) {
		installPresent = false
	}

	drift := !unitPresent || !snippetPresent || !installPresent || !portRecorded
	if drift && existing.Status != api.StatusInconsistent {
		logging.Warn("Engine", "State drift for %s/%s (unit=%t snippet=%t install=%t port=%t)",
			req.User, req.App, unitPresent, snippetPresent, installPresent, portRecorded)
		existing.Status = api.StatusInconsistent
		if err := e.deps.Store.UpsertInstance(existing); err != nil {
			return nil, err
		}
	}
	if existing.Status == api.StatusInconsistent && !recoveryAction(req.Action) {
		return existing, api.NewError(api.KindInconsistent, "%s/%s is inconsistent; run remove or reinstall", req.User, req.App)
	}
	return existing, nil
}

func recoveryAction(a api.Action) bool {
	return a == api.ActionRemove || a == api.ActionReinstall
}

// validateUser accepts a user known to the user management flow (and not
// banned) or, failing that, a user present in the host's account database.
func (e *Engine) validateUser(name string) error {
	rec, err := e.deps.Store.GetUser(name)
	if err != nil {
		return err
	}
	if rec != nil {
		if rec.Banned {
			return api.NewError(api.KindUnknownUser, "user %s is banned", name)
		}
		return nil
	}
	if _, err := osuser.Lookup(name); err != nil {
		return api.NewUnknownUserError(name)
	}
	return nil
}

// lock takes the per-(user, app) advisory lock. A held lock fails immediately
// with Busy; conflicting actions never queue.
func (e *Engine) lock(user, app string) (func(), error) {
	dir := e.deps.Config.LockDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, api.WrapError(api.KindInternal, err, "creating lock directory %s", dir)
	}
	fl := flock.New(filepath.Join(dir, user+"-"+app+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "acquiring lock for %s/%s", user, app)
	}
	if !locked {
		return nil, api.NewBusyError(user, app)
	}
	return func() {
		if uerr := fl.Unlock(); uerr != nil {
			logging.Warn("Engine", "Releasing lock for %s/%s: %v", user, app, uerr)
		}
	}, nil
}

// contextError classifies a context error, keeping deadline expiry distinct
// from interactive cancellation.
func contextError(cerr error) *api.Error {
	if errors.Is(cerr, context.DeadlineExceeded) {
		return api.WrapError(api.KindTimeout, cerr, "operation timed out")
	}
	return api.WrapError(api.KindCancelled, cerr, "operation cancelled")
}

func attachStep(err error, step string) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.WithStep(step)
	}
	return api.WrapError(api.KindInternal, err, "step %s", step).WithStep(step)
}
