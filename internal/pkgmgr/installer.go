package pkgmgr

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"zen/internal/api"
	"zen/pkg/logging"
)

// Installer installs OS-level package dependencies declared by app manifests.
type Installer interface {
	Install(ctx context.Context, packages []string) error
}

// AptInstaller drives apt-get non-interactively. Installing an already
// present package is a no-op for apt, so callers never need to check first.
type AptInstaller struct {
	timeout time.Duration
}

// NewApt creates an installer bounded by the package install timeout.
func NewApt(timeout time.Duration) *AptInstaller {
	return &AptInstaller{timeout: timeout}
}

func (a *AptInstaller) Install(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	ictx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append([]string{"install", "-y", "--no-install-recommends"}, packages...)
	logging.Info("PkgMgr", "Installing packages: %s", strings.Join(packages, " "))

	cmd := exec.CommandContext(ictx, "apt-get", args...)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			return api.WrapError(api.KindTimeout, err, "installing packages %s", strings.Join(packages, " "))
		}
		logging.Error("PkgMgr", err, "apt-get output: %s", strings.TrimSpace(string(out)))
		return api.WrapError(api.KindDependencyInstallFailed, err, "installing packages %s", strings.Join(packages, " "))
	}
	return nil
}
