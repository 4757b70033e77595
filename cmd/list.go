package cmd

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zen/internal/catalog"
	"zen/internal/config"
	"zen/internal/state"
	"zen/internal/systemd"
	"zen/pkg/logging"
)

var listUser string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed instances",
	Long: `List the installed instances recorded in the state store, together
with the live service state probed from systemd.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listUser, "user", "u", "", "only show instances of this user")
	rootCmd.AddCommand(listCmd)
}

type listRow struct {
	User    string `json:"user"`
	App     string `json:"app"`
	Version string `json:"version"`
	Channel string `json:"channel"`
	Port    int    `json:"port"`
	Status  string `json:"status"`
	Service string `json:"service"`
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	instances, err := store.ListInstances(listUser)
	if err != nil {
		return err
	}
	cat, err := catalog.Load()
	if err != nil {
		return err
	}

	rows := make([]listRow, len(instances))
	for i, inst := range instances {
		rows[i] = listRow{
			User:    inst.User,
			App:     inst.App,
			Version: inst.Version,
			Channel: string(inst.Channel),
			Port:    inst.Port,
			Status:  string(inst.Status),
			Service: "unknown",
		}
	}

	// Probe the live unit states in parallel; a host without systemd access
	// still gets the recorded view.
	if conn, cerr := systemd.Connect(cmd.Context()); cerr != nil {
		logging.Warn("CLI", "Cannot probe service states: %v", cerr)
	} else {
		mgr := systemd.New(conn, cfg.UnitDir, cfg.Timeouts.ServiceStart, cfg.Timeouts.ServiceStop)
		g, gctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(8)
		for i, inst := range instances {
			unit := unitName(cat, inst)
			if unit == "" {
				continue
			}
			g.Go(func() error {
				if st, perr := mgr.ActiveState(gctx, unit); perr == nil {
					rows[i].Service = st
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"User", "App", "Version", "Channel", "Port", "Status", "Service"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.User, r.App, r.Version, r.Channel, r.Port, r.Status, r.Service})
	}
	t.Render()
	return nil
}

// unitName resolves an instance's service unit through its manifest. Rows for
// apps no longer in the catalog have no unit to probe.
func unitName(cat *catalog.Registry, inst *state.Instance) string {
	m, err := cat.Get(inst.App)
	if err != nil {
		return ""
	}
	return m.UnitName(inst.User)
}
