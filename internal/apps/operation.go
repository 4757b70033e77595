package apps

import (
	"context"
	"fmt"

	"zen/internal/api"
	"zen/internal/state"
)

// Operation carries the mutable context of one lifecycle action as it moves
// through a handler's step sequence.
type Operation struct {
	Action  api.Action
	User    string
	Channel api.Channel

	// Options are free-form K=V pairs persisted into the instance row and
	// overlaid onto the proxy template variables.
	Options map[string]string

	// Purge makes remove also delete the config paths.
	Purge bool

	// FromArchive makes reset restore the named backup archive instead of
	// writing fresh defaults.
	FromArchive string

	// Existing is the state row found for the pair before the action ran,
	// or nil on a fresh add.
	Existing *state.Instance

	Port        int
	Version     string
	ReleaseName string

	// ArchivePath is the archive produced by backup.
	ArchivePath string

	// Degraded is set when the instance works but the proxy reload failed.
	Degraded bool

	// UpToDate short-circuits the remaining update steps.
	UpToDate bool

	Warnings  []string
	Artifacts []string
}

func (op *Operation) warnf(format string, args ...interface{}) {
	op.Warnings = append(op.Warnings, fmt.Sprintf(format, args...))
}

func (op *Operation) touched(path string) {
	op.Artifacts = append(op.Artifacts, path)
}

// Step is one unit of work in a handler's procedure. Undo is the best-effort
// reverse operation run during unwinding; nil when there is nothing to undo.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}
