package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/registry"
	"go.uber.org/zap"
)

func newCatalogCmd(root *rootOptions) *cobra.Command {
	var routes bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List catalog workers, or the capability routing table with --routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			reg := registry.New(cfg.Agents.DefaultAgent, zap.NewNop())
			reg.RegisterRoutes(registry.DefaultRoutes)
			workers, err := registry.LoadCatalog(cfg.Agents.CatalogPath)
			if err != nil {
				return err
			}
			reg.RegisterWorkers(workers)

			if routes {
				return printRoutes(cmd.OutOrStdout(), reg)
			}
			return printWorkers(cmd.OutOrStdout(), workers)
		},
	}
	cmd.Flags().BoolVar(&routes, "routes", false, "Print capability -> agent routes")
	return cmd
}

func printWorkers(w io.Writer, workers []domain.WorkerMetadata) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tDOMAIN\tCAPABILITIES")
	for _, wm := range workers {
		caps := make([]string, len(wm.Capabilities))
		for i, c := range wm.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", wm.ID, wm.ParentID, wm.Domain, strings.Join(caps, ","))
	}
	return tw.Flush()
}

func printRoutes(w io.Writer, reg *registry.Registry) error {
	table := reg.Routes()
	caps := make([]domain.Capability, 0, len(table))
	for c := range table {
		caps = append(caps, c)
	}
	slices.Sort(caps)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tAGENT")
	for _, c := range caps {
		fmt.Fprintf(tw, "%s\t%s\n", c, table[c])
	}
	fmt.Fprintf(tw, "*\t%s\n", reg.Default())
	return tw.Flush()
}
