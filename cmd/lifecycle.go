package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"zen/internal/api"
	"zen/internal/engine"
	"zen/pkg/logging"
)

type lifecycleOptions struct {
	user        string
	prerelease  bool
	branch      string
	options     string
	timeoutSecs int
	purge       bool
	fromArchive string
}

func init() {
	rootCmd.AddCommand(
		newLifecycleCommand(api.ActionAdd, "Install an app for a user"),
		newLifecycleCommand(api.ActionRemove, "Remove an app installed for a user"),
		newLifecycleCommand(api.ActionUpdate, "Update an app to the latest release on its channel"),
		newLifecycleCommand(api.ActionBackup, "Archive an app's config for a user"),
		newLifecycleCommand(api.ActionReset, "Reset an app's config to defaults or a backup archive"),
		newLifecycleCommand(api.ActionReinstall, "Reinstall an app keeping its port and config"),
	)
}

func newLifecycleCommand(action api.Action, short string) *cobra.Command {
	opts := &lifecycleOptions{}
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <app>", action),
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd.Context(), action, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "target user")
	cmd.Flags().BoolVar(&opts.prerelease, "prerelease", false, "follow the prerelease channel")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "release branch (stable, nightly, develop)")
	cmd.Flags().StringVar(&opts.options, "options", "", "app options as K=V[,K=V...]")
	cmd.Flags().IntVar(&opts.timeoutSecs, "timeout", 0, "overall operation timeout in seconds")
	if action == api.ActionRemove {
		cmd.Flags().BoolVar(&opts.purge, "purge", false, "also delete the app's config paths")
	}
	if action == api.ActionReset {
		cmd.Flags().StringVar(&opts.fromArchive, "from-archive", "", "restore the given backup archive instead of writing defaults")
	}
	return cmd
}

func runLifecycle(ctx context.Context, action api.Action, app string, opts *lifecycleOptions) error {
	channel, err := resolveChannel(opts)
	if err != nil {
		return err
	}
	kv, err := parseOptions(opts.options)
	if err != nil {
		return err
	}

	if opts.timeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.timeoutSecs)*time.Second)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// First signal cancels cooperatively between steps; a second aborts hard,
	// marking the instance inconsistent so the next invocation's
	// reconciliation is not needed to notice.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logging.Warn("CLI", "Received signal, finishing the current step then unwinding")
		cancel()
		<-sigCh
		logging.Warn("CLI", "Received second signal, aborting")
		if action != api.ActionBackup {
			eng.MarkAborted(opts.user, app)
		}
		os.Exit(1)
	}()

	outcome, runErr := eng.Run(ctx, engine.Request{
		Action:      action,
		User:        opts.user,
		App:         app,
		Channel:     channel,
		Options:     kv,
		Purge:       opts.purge,
		FromArchive: opts.fromArchive,
	})

	if jsonFlag {
		printJSONOutcome(outcome, runErr)
	} else if runErr == nil {
		printHumanOutcome(outcome)
	}
	return runErr
}

// resolveChannel folds --prerelease and --branch into a channel. An empty
// channel lets the engine keep the instance's recorded channel.
func resolveChannel(opts *lifecycleOptions) (api.Channel, error) {
	if opts.branch != "" {
		if opts.prerelease {
			return "", api.NewUsageError("--prerelease and --branch are mutually exclusive")
		}
		return api.ParseBranch(opts.branch)
	}
	if opts.prerelease {
		return api.ChannelPrerelease, nil
	}
	return "", nil
}

func parseOptions(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, api.NewUsageError(fmt.Sprintf("malformed option %q (expected K=V)", pair))
		}
		out[key] = value
	}
	return out, nil
}

// diagnostic is the JSON error payload emitted on stdout with --json.
type diagnostic struct {
	Kind          api.ErrorKind `json:"kind"`
	Message       string        `json:"message"`
	Step          string        `json:"step,omitempty"`
	Artifacts     []string      `json:"artifacts,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

func printJSONOutcome(outcome *api.Outcome, runErr error) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if runErr == nil {
		_ = enc.Encode(outcome)
		return
	}
	_ = enc.Encode(diagnostic{
		Kind:          api.KindOf(runErr),
		Message:       runErr.Error(),
		Step:          api.StepOf(runErr),
		Artifacts:     outcome.Artifacts,
		CorrelationID: outcome.CorrelationID,
	})
}

func printHumanOutcome(outcome *api.Outcome) {
	switch outcome.Action {
	case api.ActionRemove:
		fmt.Printf("%s removed for %s\n", outcome.App, outcome.User)
	case api.ActionBackup:
		if len(outcome.Artifacts) > 0 {
			fmt.Printf("%s backed up for %s: %s\n", outcome.App, outcome.User, outcome.Artifacts[len(outcome.Artifacts)-1])
		} else {
			fmt.Printf("%s backed up for %s\n", outcome.App, outcome.User)
		}
	default:
		fmt.Printf("%s %s for %s (status %s)\n", outcome.App, pastTense(outcome.Action), outcome.User, outcome.Status)
	}
	if outcome.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", outcome.Warning)
	}
}

func pastTense(a api.Action) string {
	switch a {
	case api.ActionAdd:
		return "added"
	case api.ActionUpdate:
		return "updated"
	case api.ActionReset:
		return "reset"
	case api.ActionReinstall:
		return "reinstalled"
	default:
		return string(a)
	}
}
