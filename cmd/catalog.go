package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"zen/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the supported app catalog",
	Args:  cobra.NoArgs,
	RunE:  runCatalog,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}

func runCatalog(cmd *cobra.Command, args []string) error {
	reg, err := catalog.Load()
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reg.All())
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"App", "Display Name", "Group", "Ports", "Per User", "Dependencies"})
	for _, m := range reg.All() {
		scope := "yes"
		if !m.MultiUser {
			scope = "no"
		}
		t.AppendRow(table.Row{
			m.Name,
			m.DisplayName,
			m.Group,
			fmt.Sprintf("%d-%d", m.PortRange.Lo, m.PortRange.Hi),
			scope,
			strings.Join(m.Dependencies, ", "),
		})
	}
	t.Render()
	return nil
}
