package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/agentic-research/axindex/internal/service"
)

const serverVersion = "0.1.0"

func newServeCmd(g *globalFlags) *cobra.Command {
	var watchFiles bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, logger, err := g.open()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Builds cannot be cancelled; wait for one before closing the
			// catalog it persists into.
			var wg sync.WaitGroup
			defer wg.Wait()
			if !svc.Built() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					logger.Info("no persisted catalog, building in the background")
					if res := svc.BuildIndex(service.BuildRequest{}); res.Failed() {
						logger.Warn("background build failed", "err", res.Error, "kind", res.ErrorKind)
					}
				}()
			}

			if watchFiles || cfg.Watch {
				w, err := svc.Watch(ctx)
				if err != nil {
					return err
				}
				defer func() { _ = w.Close() }()
			}

			err = mcpserver.NewStdioServer(newMCPServer(svc)).Listen(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&watchFiles, "watch", "w", false, "refresh the catalog when object files change (env AXINDEX_WATCH)")
	return cmd
}

func newMCPServer(svc *service.Service) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("axindex", serverVersion, mcpserver.WithToolCapabilities(false))
	s.AddTool(buildIndexTool(), makeBuildHandler(svc))
	s.AddTool(findObjectTool(), makeFindHandler(svc))
	s.AddTool(searchPatternTool(), makeSearchPatternHandler(svc))
	s.AddTool(listByTypeTool(), makeListHandler(svc))
	s.AddTool(smartSearchTool(), makeSmartSearchHandler(svc))
	s.AddTool(indexStatsTool(), makeStatsHandler(svc))
	return s
}

// --- Tool schema builders ---

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func buildIndexTool() mcp.Tool {
	return mcp.NewTool("build_object_index",
		mcp.WithDescription("Build or rebuild the object catalog, for all types or a single type. Returns per-type counts and timing."),
		mcp.WithString("objectType",
			mcp.Description("Rebuild only this object type, e.g. 'class' or 'table'. Omit for all types."),
		),
		mcp.WithBoolean("forceRebuild",
			mcp.Description("Re-extract every object instead of reusing unchanged records"),
		),
	)
}

func findObjectTool() mcp.Tool {
	return mcp.NewTool("find_object",
		mcp.WithDescription("Find objects by exact name. Case-sensitive matches win; otherwise case is ignored. Objects with the same name in different packages are all returned."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("name", mcp.Required(), mcp.Description("Object name")),
		mcp.WithString("objectType", mcp.Description("Optional object type filter")),
		mcp.WithString("package", mcp.Description("Optional package filter, case-insensitive")),
	)
}

func searchPatternTool() mcp.Tool {
	return mcp.NewTool("search_objects_pattern",
		mcp.WithDescription("Match object names against a case-insensitive wildcard pattern: * is any run of characters, ? is one character. totalCount is the full match count regardless of limit."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Wildcard pattern, e.g. 'Cust*Table'")),
		mcp.WithString("objectType", mcp.Description("Optional object type filter")),
		mcp.WithString("package", mcp.Description("Optional package filter, case-insensitive")),
		mcp.WithNumber("limit", mcp.Description("Page size (default from configuration)")),
		mcp.WithString("sortBy", mcp.Description("name, package or size"), mcp.Enum("name", "package", "size")),
	)
}

func listByTypeTool() mcp.Tool {
	return mcp.NewTool("list_objects_by_type",
		mcp.WithDescription("List objects of one type with pagination."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("objectType", mcp.Required(), mcp.Description("Object type, e.g. 'table'")),
		mcp.WithString("sortBy", mcp.Description("name, package or size"), mcp.Enum("name", "package", "size")),
		mcp.WithNumber("limit", mcp.Description("Page size (default from configuration)")),
	)
}

func smartSearchTool() mcp.Tool {
	return mcp.NewTool("smart_search",
		mcp.WithDescription("Search object names first, then file contents line by line. Object hits always come before content hits."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("term", mcp.Required(), mcp.Description("Text to look for, case-insensitive")),
		mcp.WithString("pathScope", mcp.Description("Directory, file or glob relative to the root")),
		mcp.WithArray("extensions", mcp.WithStringItems(), mcp.Description("File extensions to scan, e.g. ['.xpp']")),
		mcp.WithNumber("maxResults", mcp.Description("Maximum hits (default from configuration)")),
	)
}

func indexStatsTool() mcp.Tool {
	return mcp.NewTool("get_index_stats",
		mcp.WithDescription("Report total objects, per-type counts and the last build's duration."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

// --- Handler factories ---

func makeBuildHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := svc.BuildIndex(service.BuildRequest{
			ObjectType:   req.GetString("objectType", ""),
			ForceRebuild: req.GetBool("forceRebuild", false),
		})
		return toolResult(res, res.Meta)
	}
}

func makeFindHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := svc.FindObject(service.FindRequest{
			Name:       req.GetString("name", ""),
			ObjectType: req.GetString("objectType", ""),
			Package:    req.GetString("package", ""),
		})
		return toolResult(res, res.Meta)
	}
}

func makeSearchPatternHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := svc.SearchPattern(service.PatternRequest{
			Pattern:    req.GetString("pattern", ""),
			ObjectType: req.GetString("objectType", ""),
			Package:    req.GetString("package", ""),
			Limit:      req.GetInt("limit", 0),
			SortBy:     req.GetString("sortBy", ""),
		})
		return toolResult(res, res.Meta)
	}
}

func makeListHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := svc.ListByType(service.ListRequest{
			ObjectType: req.GetString("objectType", ""),
			SortBy:     req.GetString("sortBy", ""),
			Limit:      req.GetInt("limit", 0),
		})
		return toolResult(res, res.Meta)
	}
}

func makeSmartSearchHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := svc.SmartSearch(ctx, service.SmartSearchRequest{
			Term:       req.GetString("term", ""),
			PathScope:  req.GetString("pathScope", ""),
			Extensions: req.GetStringSlice("extensions", nil),
			MaxResults: req.GetInt("maxResults", 0),
		})
		return toolResult(res, res.Meta)
	}
}

func makeStatsHandler(svc *service.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := svc.IndexStats()
		return toolResult(res, res.Meta)
	}
}

// toolResult returns the response as JSON text. Responses from an index
// that is not built yet are answers, not tool errors.
func toolResult(resp any, meta service.Meta) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError("encode response: " + err.Error()), nil
	}
	res := mcp.NewToolResultText(string(body))
	res.IsError = meta.Failed() && meta.ErrorKind != service.KindNotBuilt
	return res, nil
}
