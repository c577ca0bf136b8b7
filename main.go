package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/leafo/indexsync/internal/indexsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "indexsync",
		Short:         "Keep search indexes in sync with the document store",
		Long:          "indexsync applies document change batches to a search engine and backfills indexes from the SQLite document store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		newSyncCmd(flags),
		newWatchCmd(flags),
		newBackfillCmd(flags),
		newStatsCmd(flags),
		newPutCmd(flags),
		newDeleteCmd(flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newSyncCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync <batch.json>...",
		Short: "Apply stream batch files to the search index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			failed := 0
			for _, path := range args {
				ctx := cmd.Context()
				var cancel context.CancelFunc = func() {}
				if timeout > 0 {
					ctx, cancel = context.WithTimeout(ctx, timeout)
				}
				summary, err := app.syncer.ProcessBatchFile(ctx, path)
				cancel()
				if err != nil {
					app.logger.Error("Batch failed", "file", path, "error", err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d operations, %d succeeded, %d failed, %d skipped\n", path, summary.Operations, summary.Succeeded, summary.Failed, summary.Skipped())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d batches need redelivery", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution budget per batch (0 for none)")
	return cmd
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Process batch files dropped into the spool directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			err = app.syncer.WatchSpool(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newBackfillCmd(flags *globalFlags) *cobra.Command {
	var (
		table    string
		kind     string
		startPK  string
		startSK  string
		limit    int
		maxPages int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Write every item of a store table to the search index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			resolved, err := resolveTable(app.store, table, kind)
			if err != nil {
				return err
			}

			params := indexsync.ScanParams{Table: resolved, Limit: limit}
			if startPK != "" || startSK != "" {
				params.StartKey = &indexsync.ItemKey{PK: startPK, SK: startSK}
			}

			summary, err := app.syncer.Backfill(cmd.Context(), params, maxPages)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages, %d items, %d succeeded, %d failed, %d skipped\n", summary.Table, summary.Pages, summary.Items, summary.Succeeded, summary.Failed, summary.Skipped)
			if summary.ResumeKey != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "resume with --start-pk %q --start-sk %q\n", summary.ResumeKey.PK, summary.ResumeKey.SK)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "store table to scan")
	cmd.Flags().StringVar(&kind, "kind", "", "document kind to scan (cms-entry, page, form-submission, file)")
	cmd.Flags().StringVar(&startPK, "start-pk", "", "partition key to resume after")
	cmd.Flags().StringVar(&startSK, "start-sk", "", "sort key to resume after")
	cmd.Flags().IntVar(&limit, "limit", 0, "items per page (defaults to bulk.scan_limit)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages (0 for all)")
	return cmd
}

func newPutCmd(flags *globalFlags) *cobra.Command {
	var (
		table      string
		kind       string
		pk         string
		sk         string
		index      string
		entityType string
	)
	cmd := &cobra.Command{
		Use:   "put <document.json|->",
		Short: "Store a document in a store table, compressing large bodies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pk == "" || sk == "" || index == "" {
				return errors.New("--pk, --sk and --index are required")
			}
			doc, err := readDocument(cmd, args[0])
			if err != nil {
				return err
			}

			app, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			resolved, err := resolveTable(app.store, table, kind)
			if err != nil {
				return err
			}
			item := indexsync.StoredItem{
				Key:        indexsync.ItemKey{PK: pk, SK: sk},
				Index:      index,
				EntityType: entityType,
				Data:       doc,
			}
			if err := app.syncer.PutDocument(cmd.Context(), resolved, item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stored %s\n", resolved, item.Key.DocumentID())
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "store table to write")
	cmd.Flags().StringVar(&kind, "kind", "", "document kind to write (cms-entry, page, form-submission, file)")
	cmd.Flags().StringVar(&pk, "pk", "", "partition key")
	cmd.Flags().StringVar(&sk, "sk", "", "sort key")
	cmd.Flags().StringVar(&index, "index", "", "search index the document belongs to")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type recorded with the item")
	return cmd
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	var (
		table string
		kind  string
		pk    string
		sk    string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a document from a store table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pk == "" || sk == "" {
				return errors.New("--pk and --sk are required")
			}
			app, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			resolved, err := resolveTable(app.store, table, kind)
			if err != nil {
				return err
			}
			key := indexsync.ItemKey{PK: pk, SK: sk}
			existed, err := app.syncer.DeleteDocument(cmd.Context(), resolved, key)
			if err != nil {
				return err
			}
			if !existed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s not found\n", resolved, key.DocumentID())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %s\n", resolved, key.DocumentID())
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "store table to write")
	cmd.Flags().StringVar(&kind, "kind", "", "document kind to write (cms-entry, page, form-submission, file)")
	cmd.Flags().StringVar(&pk, "pk", "", "partition key")
	cmd.Flags().StringVar(&sk, "sk", "", "sort key")
	return cmd
}

func resolveTable(store *indexsync.Store, table, kind string) (string, error) {
	name := table
	if kind != "" {
		name = kind
	}
	if name == "" {
		return "", errors.New("one of --table or --kind is required")
	}
	return store.Tables().Resolve(name)
}

// readDocument decodes a JSON object from path, or from stdin when path is "-".
func readDocument(cmd *cobra.Command, path string) (indexsync.Document, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc indexsync.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", path, err)
	}
	if doc == nil {
		return nil, errors.New("document must be a JSON object")
	}
	return doc, nil
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts for the store tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tables, err := indexsync.NewTableMap(cfg.Tables)
			if err != nil {
				return err
			}
			store, err := indexsync.OpenDatabase(cmd.Context(), cfg.Database.Path, tables)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Debug("Opened database", "path", cfg.Database.Path)

			summaries, err := store.TableSummaries(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tKIND\tITEMS\tINDEXES\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.Table, s.Kind, s.Items, s.Indexes, s.UpdatedAt)
				indexes, err := store.IndexSummaries(cmd.Context(), s.Table)
				if err != nil {
					return err
				}
				for _, idx := range indexes {
					fmt.Fprintf(w, "  %s\t\t%d\t\t\n", idx.IndexName, idx.Items)
				}
			}
			return w.Flush()
		},
	}
}

type app struct {
	logger  *slog.Logger
	store   *indexsync.Store
	blobs   *indexsync.PebbleBlobStore
	syncer  *indexsync.Syncer
	metrics *http.Server
}

func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to stop metrics server", "error", err)
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("Failed to close blob store", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close database", "error", err)
		}
	}
}

func loadConfig(flags *globalFlags) (indexsync.Config, *slog.Logger, error) {
	logger, err := newLogger(flags.logLevel, flags.logFormat)
	if err != nil {
		return indexsync.Config{}, nil, err
	}
	cfg, err := indexsync.LoadConfig(flags.configPath)
	if err != nil {
		return indexsync.Config{}, nil, err
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	return cfg, logger, nil
}

func openApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger}

	tables, err := indexsync.NewTableMap(cfg.Tables)
	if err != nil {
		return nil, err
	}

	a.store, err = indexsync.OpenDatabase(ctx, cfg.Database.Path, tables)
	if err != nil {
		return nil, err
	}
	logger.Info("Opened database", "path", cfg.Database.Path)

	a.blobs, err = indexsync.OpenPebbleBlobStore(indexsync.PebbleOptions{Dir: cfg.Blobs.Dir})
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("Opened blob store", "dir", cfg.Blobs.Dir)

	engine, err := indexsync.NewEngine(cfg.Engine, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("Search engine ready", "kind", cfg.Engine.Kind)

	a.syncer = indexsync.NewSyncer(a.store, a.blobs, engine, cfg.Options(), logger)

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		a.syncer.SetMetrics(indexsync.NewMetrics(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics", "addr", cfg.Metrics.Addr)
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	return a, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
