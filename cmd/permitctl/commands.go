package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/engine/ingest"
	"github.com/constructiq/permit-search/engine/loader"
	"github.com/constructiq/permit-search/engine/refresh"
	"github.com/constructiq/permit-search/engine/search"
	"github.com/constructiq/permit-search/pkg/fn"
)

var errNoNATS = errors.New("permitctl: NATS_URL is not set or unreachable")

func (c *cli) fetchCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a page of raw permits into the raw data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.pipeline(nil, "", 0)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("limit") {
				limit = c.cfg.Dataset.Limit
			}
			res, err := p.Fetch(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", loader.DefaultLimit, "rows to fetch (default from LIMIT)")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func (c *cli) processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [raw-file]",
		Short: "Normalize a raw file, the newest one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline(nil, "", 0)
			if err != nil {
				return err
			}
			res, err := p.Process(firstArg(args))
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
}

func (c *cli) indexCmd() *cobra.Command {
	var index string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "index [processed-file]",
		Short: "Embed and upsert a processed dataset, the newest one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := c.pipeline(a, index, batchSize)
			if err != nil {
				return err
			}
			stats, err := p.Index(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			return c.print(stats)
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "index name (default from INDEX_NAME)")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "embedding and upsert batch size")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch, process and index once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := c.pipeline(a, "", 0)
			if err != nil {
				return err
			}
			report, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(report)
		},
	}
}

func (c *cli) scheduleCmd() *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the refresh pipeline on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if spec == "" {
				spec = c.cfg.Dataset.Schedule
			}
			if _, err := refresh.ParseSpec(spec, time.Now()); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := c.pipeline(a, "", 0)
			if err != nil {
				return err
			}

			s := refresh.NewScheduler(c.logger)
			job := refresh.Job{Name: "refresh", Run: func(ctx context.Context) error {
				_, err := p.Run(ctx)
				return err
			}}
			if err := s.Add(job, spec); err != nil {
				return err
			}
			s.Start(ctx)
			c.logger.Info("refresh scheduled", "cron", spec, "next", s.Next(job.Name))
			<-ctx.Done()
			s.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "five-field cron spec (default from REFRESH_SCHEDULE)")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var topK int
	var filters, index string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a semantic search and print the matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw map[string]any
			if filters != "" {
				if err := json.Unmarshal([]byte(filters), &raw); err != nil {
					return fmt.Errorf("permitctl: --filters: %w", err)
				}
			}
			req, err := domain.ValidateSearch(args[0], &topK, raw)
			if err != nil {
				return err
			}
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			results, err := a.Search().Search(cmd.Context(), search.Request{
				Query:  req.Query,
				TopK:   req.TopK,
				Index:  index,
				Filter: req.Filter,
			})
			if err != nil {
				return err
			}
			return c.print(map[string]any{
				"query":         req.Query,
				"results":       results,
				"total_results": len(results),
			})
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", domain.DefaultTopK, "number of matches")
	cmd.Flags().StringVar(&filters, "filters", "", `metadata filters as JSON, e.g. '{"status_current":"Active"}'`)
	cmd.Flags().StringVar(&index, "index", "", "index name (default from INDEX_NAME)")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the embedding provider, the index and the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return c.print(a.Search().Status(cmd.Context()))
		},
	}
}

func (c *cli) relatedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "related <record-id>",
		Short: "List permits sharing a project, master permit or contractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			related, err := a.Search().Related(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return c.print(map[string]any{"record_id": args[0], "related": related, "total": len(related)})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum related permits")
	return cmd
}

func (c *cli) consumeCmd() *cobra.Command {
	var index string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Index raw batches published over NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.NATS == nil {
				return errNoNATS
			}
			if index == "" {
				index = c.cfg.Qdrant.Index
			}
			sub, err := ingest.StartConsumer(a.NATS, ingest.ConsumerOpts{
				Normalizer: a.Normalizer(),
				Indexer:    a.Indexer(),
				Index:      index,
				BatchSize:  batchSize,
				Logger:     c.logger,
			})
			if err != nil {
				return err
			}
			c.logger.Info("consuming raw batches", "subject", ingest.RawSubject, "index", index)
			<-ctx.Done()
			return sub.Drain()
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "default index name (default from INDEX_NAME)")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "embedding and upsert batch size")
	return cmd
}

func (c *cli) publishCmd() *cobra.Command {
	var index string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "publish [raw-file]",
		Short: "Publish a raw file, the newest one by default, to the ingest subject",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstArg(args)
			if path == "" {
				latest, err := loader.Latest(c.cfg.Dataset.RawDir)
				if err != nil {
					return err
				}
				path = latest
			}
			recs, err := loader.LoadRaw(path)
			if err != nil {
				return err
			}
			if c.cfg.NATSURL == "" {
				return errNoNATS
			}
			nc, err := nats.Connect(c.cfg.NATSURL, nats.Name("permitctl"))
			if err != nil {
				return fmt.Errorf("permitctl: nats: %w", err)
			}
			defer nc.Close()

			batches := 0
			for _, chunk := range fn.Chunk(recs, max(batchSize, 1)) {
				if err := ingest.PublishBatch(cmd.Context(), nc, ingest.RawBatch{Index: index, Records: chunk}); err != nil {
					return err
				}
				batches++
			}
			if err := nc.Flush(); err != nil {
				return fmt.Errorf("permitctl: nats flush: %w", err)
			}
			return c.print(map[string]any{"path": path, "records": len(recs), "batches": batches})
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "index override carried in each batch")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "records per published batch")
	return cmd
}

func (c *cli) deleteIndexCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-index [name]",
		Short: "Drop a vector index, the configured one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := firstArg(args)
			if name == "" {
				name = c.cfg.Qdrant.Index
			}
			if !yes {
				return fmt.Errorf("permitctl: refusing to delete %q without --yes", name)
			}
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store.DeleteIndex(cmd.Context(), name); err != nil {
				return err
			}
			return c.print(map[string]any{"deleted": name})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	var index string
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Remove one permit from the vector index and the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !yes {
				return fmt.Errorf("permitctl: refusing to delete %q without --yes", id)
			}
			if index == "" {
				index = c.cfg.Qdrant.Index
			}
			ctx := cmd.Context()
			a, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store.DeleteRecord(ctx, index, id); err != nil {
				return err
			}
			graphDeleted := false
			if a.Graph != nil {
				if err := a.Graph.DeletePermit(ctx, id); err != nil {
					return err
				}
				graphDeleted = true
			}
			c.logger.Info("permit deleted", "record_id", id, "index", index, "graph", graphDeleted)
			return c.print(map[string]any{"deleted": id, "index": index, "graph": graphDeleted})
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "vector index (default from config)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
