package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/axindex/internal/config"
	"github.com/agentic-research/axindex/internal/service"
)

// globalFlags override the AXINDEX_* environment.
type globalFlags struct {
	root         string
	metadataRoot string
	cacheDir     string
	layout       string
	logLevel     string
	json         bool

	getenv func(string) string
	stderr io.Writer
}

// NewRootCommand builds the axindex command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Getenv, os.Stderr)
}

func newRootCommand(getenv func(string) string, stderr io.Writer) *cobra.Command {
	g := &globalFlags{getenv: getenv, stderr: stderr}

	root := &cobra.Command{
		Use:           "axindex",
		Short:         "Index and search a large tree of development objects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.root, "root", "", "packages root (env "+config.EnvRoot+")")
	pf.StringVar(&g.metadataRoot, "metadata-root", "", "metadata root the index is built from (env "+config.EnvMetadataRoot+")")
	pf.StringVar(&g.cacheDir, "cache-dir", "", "persisted catalog directory (env "+config.EnvCacheDir+")")
	pf.StringVar(&g.layout, "layout", "", "layout file, .hcl or .json (env "+config.EnvLayout+")")
	pf.StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.BoolVar(&g.json, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newBuildCmd(g),
		newFindCmd(g),
		newSearchCmd(g),
		newListCmd(g),
		newGrepCmd(g),
		newStatsCmd(g),
		newStatusCmd(g),
		newTypesCmd(g),
		newServeCmd(g),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logger writes to stderr; stdout belongs to command output and the MCP
// stdio transport.
func (g *globalFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(g.logLevel))); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: level})), nil
}

// config loads the environment and applies flags on top.
func (g *globalFlags) config() (*config.Config, error) {
	cfg, err := config.Load(g.getenv)
	if err != nil {
		return nil, err
	}
	if g.root != "" {
		cfg.Root = g.root
	}
	if g.metadataRoot != "" {
		cfg.MetadataRoot = g.metadataRoot
	}
	if g.cacheDir != "" {
		cfg.CacheDir = g.cacheDir
	}
	if g.layout != "" {
		cfg.LayoutPath = g.layout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) open() (*service.Service, *config.Config, *slog.Logger, error) {
	logger, err := g.logger()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := g.config()
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := service.Open(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return svc, cfg, logger, nil
}

// withService opens the service, builds the catalog if nothing was
// persisted, and closes it after fn.
func (g *globalFlags) withService(fn func(svc *service.Service) error) error {
	svc, _, logger, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if !svc.Built() {
		logger.Info("no persisted catalog, building")
		if res := svc.BuildIndex(service.BuildRequest{}); res.Failed() {
			return res.Err()
		}
	}
	return fn(svc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints resp as JSON or through table, then turns a failed
// response into the command's error.
func (g *globalFlags) emit(cmd *cobra.Command, resp any, meta service.Meta, table func(io.Writer)) error {
	out := cmd.OutOrStdout()
	if g.json {
		if err := writeJSON(out, resp); err != nil {
			return err
		}
	} else if !meta.Failed() {
		table(out)
	}
	return meta.Err()
}
