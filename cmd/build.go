package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentic-research/axindex/internal/service"
)

func newBuildCmd(g *globalFlags) *cobra.Command {
	var (
		objectType string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the object catalog and persist it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := g.open()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res := svc.BuildIndex(service.BuildRequest{ObjectType: objectType, ForceRebuild: force})
			return g.emit(cmd, res, res.Meta, func(w io.Writer) {
				st := res.Stats
				fmt.Fprintf(w, "Indexed %d objects in %v (scope %s, reused %d, failed %d).\n",
					st.TotalObjects, st.Elapsed, st.Scope, st.Reused, st.FailedCount)
				printCounts(w, st.PerTypeCounts)
				for _, f := range st.Failures {
					fmt.Fprintf(w, "  skipped %s: %s\n", f.Path, f.Reason)
				}
				if !st.Persisted {
					fmt.Fprintf(w, "Catalog not persisted: %s\n", st.PersistError)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&objectType, "type", "t", "", "rebuild only this object type")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-extract every object instead of reusing unchanged records")
	return cmd
}

func printCounts(w io.Writer, counts map[string]int) {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range types {
		fmt.Fprintf(tw, "  %s\t%d\n", t, counts[t])
	}
	_ = tw.Flush()
}
