// Package discovery provides CLI commands that inspect the discovery
// directory directly, the way an agent looking for an IDE sees it.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/claudio-ide/internal/cmd/render"
	"github.com/Iron-Ham/claudio-ide/internal/config"
	"github.com/Iron-Ham/claudio-ide/internal/discovery"
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Inspect the discovery directory",
	Long: `Commands that read or clean the shared discovery directory. They work
without a running host.`,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List discovery records",
	Long: `List every record in the discovery directory, written by this host or
any other, and whether its owning process is still alive.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale discovery records",
	Long: `Remove records whose owning process has exited, malformed records and
abandoned temporary files. Records of live hosts are left alone.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var listJSON bool

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print records as JSON")
}

// Register adds all discovery-related commands to the given parent command.
// This is the main entry point for integrating the discovery subpackage with
// the root command.
func Register(parent *cobra.Command) {
	discoveryCmd.AddCommand(listCmd, sweepCmd)
	parent.AddCommand(discoveryCmd)
}

func publisher() *discovery.Publisher {
	cfg := config.Get()
	return discovery.NewPublisher(cfg.Discovery.Dir)
}

func runList(cmd *cobra.Command, args []string) error {
	pub := publisher()
	records, err := pub.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if listJSON {
		if records == nil {
			records = []discovery.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	fmt.Fprintf(out, "%s %s\n\n", render.Muted.Render("directory:"), pub.Dir())
	render.Records(out, records, pub.Alive)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	pub := publisher()
	removed, err := pub.SweepStale()

	out := cmd.OutOrStdout()
	for _, rec := range removed {
		fmt.Fprintf(out, "%s %s (session %s, pid %d)\n",
			render.Warning.Render("removed"), rec.Path, render.ShortID(rec.SessionID), rec.PID)
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintln(out, render.Muted.Render("No stale records."))
	}
	return nil
}
