// Command permitctl runs the permit data pipeline from the command line:
// fetching raw rows, normalizing them, indexing, querying and scheduled
// refreshes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/constructiq/permit-search/engine/app"
	"github.com/constructiq/permit-search/engine/normalize"
	"github.com/constructiq/permit-search/engine/refresh"
	"github.com/constructiq/permit-search/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer
	logOut     io.Writer
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	c := &cli{out: out, logOut: logOut}
	root := &cobra.Command{
		Use:           "permitctl",
		Short:         "Permit search data pipeline",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.SetOut(out)
	root.SetErr(logOut)
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv(config.FileEnv), "TOML config file")

	root.AddCommand(
		c.fetchCmd(),
		c.processCmd(),
		c.indexCmd(),
		c.refreshCmd(),
		c.scheduleCmd(),
		c.searchCmd(),
		c.statusCmd(),
		c.relatedCmd(),
		c.consumeCmd(),
		c.publishCmd(),
		c.deleteCmd(),
		c.deleteIndexCmd(),
	)
	return root
}

func (c *cli) load() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = cfg.NewLogger(c.logOut)
	slog.SetDefault(c.logger)
	return nil
}

// connect builds the full component set. Callers must Close it.
func (c *cli) connect(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg, nil, c.logger)
}

// pipeline builds a refresh pipeline; a may be nil for fetch and process.
// An empty index or zero batch size keeps the configured value.
func (c *cli) pipeline(a *app.App, index string, batchSize int) (*refresh.Pipeline, error) {
	l, err := app.Loader(c.cfg, c.logger)
	if err != nil {
		return nil, err
	}
	if index == "" {
		index = c.cfg.Qdrant.Index
	}
	opts := refresh.Options{
		RawDir:       c.cfg.Dataset.RawDir,
		ProcessedDir: c.cfg.Dataset.ProcessedDir,
		Index:        index,
		Limit:        c.cfg.Dataset.Limit,
		BatchSize:    batchSize,
	}
	var idx refresh.Indexer
	if a != nil {
		idx = a.Indexer()
	}
	return refresh.New(l, normalize.New(normalize.Options{}, c.logger), idx, opts, c.logger), nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("permitctl: write output: %w", err)
	}
	return nil
}
