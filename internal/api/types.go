package api

import (
	"fmt"
	"time"
)

// Action is one of the six lifecycle verbs accepted by the engine.
type Action string

const (
	ActionAdd       Action = "add"
	ActionRemove    Action = "remove"
	ActionUpdate    Action = "update"
	ActionBackup    Action = "backup"
	ActionReset     Action = "reset"
	ActionReinstall Action = "reinstall"
)

// Actions lists every valid lifecycle verb in display order.
var Actions = []Action{
	ActionAdd,
	ActionRemove,
	ActionUpdate,
	ActionBackup,
	ActionReset,
	ActionReinstall,
}

// ParseAction validates a verb from the command line.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", NewUsageError(fmt.Sprintf("unknown action %q (expected one of add, remove, update, backup, reset, reinstall)", s))
}

// Channel is the release track an instance follows.
type Channel string

const (
	ChannelStable     Channel = "stable"
	ChannelPrerelease Channel = "prerelease"
)

// ParseBranch maps the user-facing --branch value onto a release channel.
// Branch is a closed enumeration: stable maps to the stable channel, nightly
// and develop both map to prerelease.
func ParseBranch(branch string) (Channel, error) {
	switch branch {
	case "", "stable":
		return ChannelStable, nil
	case "nightly", "develop":
		return ChannelPrerelease, nil
	default:
		return "", NewUsageError(fmt.Sprintf("unknown branch %q (expected stable, nightly or develop)", branch))
	}
}

// InstanceStatus describes the lifecycle state of an installed instance.
type InstanceStatus string

const (
	StatusInstalling   InstanceStatus = "installing"
	StatusRunning      InstanceStatus = "running"
	StatusStopped      InstanceStatus = "stopped"
	StatusFailed       InstanceStatus = "failed"
	StatusRemoved      InstanceStatus = "removed"
	StatusDegraded     InstanceStatus = "degraded"
	StatusInconsistent InstanceStatus = "inconsistent"
)

// Outcome is the result of one engine run, suitable for JSON output.
type Outcome struct {
	Action        Action         `json:"action"`
	User          string         `json:"user"`
	App           string         `json:"app"`
	CorrelationID string         `json:"correlation_id"`
	Status        InstanceStatus `json:"status,omitempty"`
	Step          string         `json:"step,omitempty"`
	Artifacts     []string       `json:"artifacts,omitempty"`
	Warning       string         `json:"warning,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}
