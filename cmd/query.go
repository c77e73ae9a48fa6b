package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/search"
	"github.com/agentic-research/axindex/internal/service"
)

func newFindCmd(g *globalFlags) *cobra.Command {
	var objectType, pkg string
	cmd := &cobra.Command{
		Use:   "find NAME",
		Short: "Look up objects by exact name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withService(func(svc *service.Service) error {
				res := svc.FindObject(service.FindRequest{Name: args[0], ObjectType: objectType, Package: pkg})
				return g.emit(cmd, res, res.Meta, func(w io.Writer) {
					printRecords(w, res.Objects, res.TotalCount)
					if len(res.Suggestions) > 0 {
						fmt.Fprintf(w, "Did you mean: %s?\n", strings.Join(res.Suggestions, ", "))
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&objectType, "type", "t", "", "object type filter")
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "package filter")
	return cmd
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		objectType, pkg, sortBy string
		limit                   int
	)
	cmd := &cobra.Command{
		Use:   "search PATTERN",
		Short: "Match object names against a wildcard pattern (* and ?)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			return g.withService(func(svc *service.Service) error {
				res := svc.SearchPattern(service.PatternRequest{
					Pattern:    pattern,
					ObjectType: objectType,
					Package:    pkg,
					Limit:      limit,
					SortBy:     sortBy,
				})
				return g.emit(cmd, res, res.Meta, func(w io.Writer) {
					printRecords(w, res.Objects, res.TotalCount)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&objectType, "type", "t", "", "object type filter")
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "package filter")
	cmd.Flags().StringVarP(&sortBy, "sort", "s", "name", "name, package or size")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "page size (default from configuration)")
	return cmd
}

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		sortBy string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list TYPE",
		Short: "List the objects of one type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withService(func(svc *service.Service) error {
				res := svc.ListByType(service.ListRequest{ObjectType: args[0], SortBy: sortBy, Limit: limit})
				return g.emit(cmd, res, res.Meta, func(w io.Writer) {
					printRecords(w, res.Objects, res.TotalCount)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&sortBy, "sort", "s", "name", "name, package or size")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "page size (default from configuration)")
	return cmd
}

func newGrepCmd(g *globalFlags) *cobra.Command {
	var (
		scope   string
		exts    []string
		maxHits int
	)
	cmd := &cobra.Command{
		Use:   "grep TERM",
		Short: "Search object names, then file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withService(func(svc *service.Service) error {
				res := svc.SmartSearch(cmd.Context(), service.SmartSearchRequest{
					Term:       args[0],
					PathScope:  scope,
					Extensions: exts,
					MaxResults: maxHits,
				})
				return g.emit(cmd, res, res.Meta, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					for _, h := range res.Hits {
						switch h.Source {
						case search.SourceObject:
							fmt.Fprintf(tw, "%s\t%s\t%s %s (%s)\n", h.Source, h.Path, h.ObjectType, h.Name, h.Package)
						default:
							fmt.Fprintf(tw, "%s\t%s:%d\t%s\n", h.Source, h.Path, h.Line, h.Context)
						}
					}
					_ = tw.Flush()
					fmt.Fprintf(w, "%d hits (%d object, %d content)\n", res.TotalCount, res.ObjectHits, res.ContentHits)
				})
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "directory, file or glob relative to the root")
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "file extensions to scan (default from configuration)")
	cmd.Flags().IntVarP(&maxHits, "max", "n", 0, "maximum hits (default from configuration)")
	return cmd
}

func printRecords(w io.Writer, recs []catalog.Record, total int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tPACKAGE\tNAME\tSIZE\tPATH")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ObjectType, r.Package, r.Name, r.Size, r.Path)
	}
	_ = tw.Flush()
	if total > len(recs) {
		fmt.Fprintf(w, "showing %d of %d\n", len(recs), total)
	} else {
		fmt.Fprintf(w, "%d objects\n", total)
	}
}
