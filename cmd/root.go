package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zen/internal/api"
	"zen/pkg/logging"
)

var (
	debugFlag bool
	jsonFlag  bool

	version = "dev"
)

// SetVersion records the build version injected by the linker.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "zen <verb> <app>",
	Short: "Provision per-user media server apps",
	Long: `zen manages the lifecycle of a curated catalog of media server apps
(Radarr, Sonarr, rTorrent, the observability stack, ...) on a single host,
per user. For each (user, app) pair it installs the release, a systemd
service unit and a reverse-proxy snippet, and keeps a local state record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if debugFlag {
			level = logging.LevelDebug
		}
		logging.InitForCLI(level, os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit structured JSON on stdout")
}

// Execute runs the CLI and exits with the error-kind-specific code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zen: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error onto the documented exit codes: 0 ok, 2 usage,
// 3 unknown app/user or install-state mismatch, 4 busy, 5 inconsistent,
// 6 external failure, 7 timeout, 1 anything else.
func exitCode(err error) int {
	var typed *api.Error
	if !errors.As(err, &typed) {
		// Flag and argument parse errors surface untyped from cobra.
		return 2
	}
	switch typed.Kind {
	case api.KindUsage:
		return 2
	case api.KindUnknownApp, api.KindUnknownUser, api.KindAlreadyInstalled, api.KindNotInstalled:
		return 3
	case api.KindBusy:
		return 4
	case api.KindInconsistent:
		return 5
	case api.KindNoFreePort, api.KindDependencyInstallFailed, api.KindDownloadFailed,
		api.KindChecksumMismatch, api.KindUnitInstallFailed, api.KindServiceStartTimeout,
		api.KindServiceStopTimeout, api.KindProxyReloadFailed:
		return 6
	case api.KindTimeout:
		return 7
	default:
		return 1
	}
}
