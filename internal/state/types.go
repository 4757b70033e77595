package state

import (
	"time"

	"zen/internal/api"
)

// Instance is the persistent record of one installed app for one user.
type Instance struct {
	User        string             `json:"user"`
	App         string             `json:"app"`
	Port        int                `json:"port"`
	Channel     api.Channel        `json:"channel"`
	Version     string             `json:"version"`
	ReleaseName string             `json:"release_name"`
	InstallPath string             `json:"install_path"`
	ConfigPath  string             `json:"config_path"`
	Status      api.InstanceStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Options     map[string]string  `json:"options,omitempty"`
}

// UserRecord mirrors the user management flow's view of a user. zen does not
// create users; it only consults this record for the ban flag and home path.
type UserRecord struct {
	Username string `json:"username"`
	Home     string `json:"home"`
	Quota    int64  `json:"quota,omitempty"`
	Banned   bool   `json:"banned"`
}

// OperationRecord is one entry of the append-only operation log.
type OperationRecord struct {
	Timestamp     time.Time  `json:"timestamp"`
	User          string     `json:"user"`
	App           string     `json:"app"`
	Action        api.Action `json:"action"`
	Outcome       string     `json:"outcome"`
	Error         string     `json:"error,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}
