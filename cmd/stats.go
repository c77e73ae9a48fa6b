package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/control"
	"github.com/agentic-research/axindex/internal/service"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show object counts per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withService(func(svc *service.Service) error {
				res := svc.IndexStats()
				return g.emit(cmd, res, res.Meta, func(w io.Writer) {
					fmt.Fprintf(w, "%d objects, built %s in %v (generation %d)\n",
						res.TotalObjects, res.BuiltAt.Local().Format(time.DateTime), res.LastBuildElapsed, res.Generation)
					printCounts(w, res.PerTypeCounts)
				})
			})
		},
	}
}

// statusView is the JSON shape of the control block.
type statusView struct {
	Generation uint64        `json:"generation"`
	Sequence   uint64        `json:"sequence"`
	Total      uint64        `json:"totalObjects"`
	BuiltAt    time.Time     `json:"builtAt"`
	Elapsed    time.Duration `json:"elapsed"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	ArenaPath  string        `json:"arenaPath"`
	ArenaSize  uint64        `json:"arenaSize"`
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the persisted catalog without loading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			st, err := control.Read(catalog.ControlPath(cfg.CacheDir))
			if errors.Is(err, control.ErrNoControl) {
				return fmt.Errorf("no persisted catalog in %s; run axindex build", cfg.CacheDir)
			}
			if err != nil {
				return err
			}
			v := statusView{
				Generation: st.Generation,
				Sequence:   st.Sequence,
				Total:      st.Total,
				BuiltAt:    st.BuiltAt,
				Elapsed:    st.Elapsed,
				UpdatedAt:  st.UpdatedAt,
				ArenaPath:  st.ArenaPath,
				ArenaSize:  st.ArenaSize,
			}
			out := cmd.OutOrStdout()
			if g.json {
				return writeJSON(out, v)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "objects\t%d\n", v.Total)
			fmt.Fprintf(tw, "generation\t%d\n", v.Generation)
			fmt.Fprintf(tw, "flushes\t%d\n", v.Sequence)
			fmt.Fprintf(tw, "built\t%s (%v)\n", v.BuiltAt.Local().Format(time.DateTime), v.Elapsed)
			fmt.Fprintf(tw, "persisted\t%s\n", v.UpdatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(tw, "arena\t%s (%d bytes)\n", v.ArenaPath, v.ArenaSize)
			return tw.Flush()
		},
	}
}

func newTypesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "Print the object types and where they are found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			layout, err := cfg.Layout()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return writeJSON(out, layout)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, t := range layout.Types {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, strings.Join(t.Locations, ", "))
			}
			fmt.Fprintf(tw, "extensions\t%s\n", strings.Join(layout.Extensions, " "))
			return tw.Flush()
		},
	}
}
