package indexsync

import (
	"log/slog"
	"sync"
	"time"
)

// Options control bulk execution, backfill paging and spool processing.
type Options struct {
	MaxBodyBytes   int64
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	BudgetReserve  time.Duration
	BlobTimeout    time.Duration
	ScanLimit      int

	// Documents written through PutDocument are gzipped above
	// InlineThreshold bytes and externalized above BlobThreshold.
	InlineThreshold int
	BlobThreshold   int

	SpoolDir         string
	SpoolConcurrency int
	SpoolRetry       time.Duration
}

func (o Options) executorOptions() ExecutorOptions {
	return ExecutorOptions{
		MaxBodyBytes:   o.MaxBodyBytes,
		MaxAttempts:    o.MaxAttempts,
		InitialBackoff: o.InitialBackoff,
		MaxBackoff:     o.MaxBackoff,
		RequestTimeout: o.RequestTimeout,
		BudgetReserve:  o.BudgetReserve,
	}
}

// Syncer wires the document store, blob store and search engine into the
// streaming and backfill pipelines. It holds no per-batch state, so batches
// from different shards may run on one Syncer concurrently. The only state it
// keeps is a count of failed parses per spool file.
type Syncer struct {
	store   *Store
	blobs   BlobStore
	engine  SearchEngine
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	fs      FileSystem

	spoolMu  sync.Mutex
	unparsed map[string]int
}

// NewSyncer constructs a Syncer. store may be nil when only stream batches
// are processed; blobs may be nil when no payload is externalized.
func NewSyncer(store *Store, blobs BlobStore, engine SearchEngine, opts Options, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Syncer{
		store:  store,
		blobs:  blobs,
		engine: engine,
		opts:   opts,
		logger: logger,
		fs:     OSFileSystem{},
	}
	return s
}

// SetMetrics attaches Prometheus collectors.
func (s *Syncer) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetFileSystem overrides the filesystem implementation used for spool access.
func (s *Syncer) SetFileSystem(fs FileSystem) {
	if fs == nil {
		s.fs = OSFileSystem{}
		return
	}
	s.fs = fs
}

func (s *Syncer) aggregator() *Aggregator {
	return NewAggregator(NewDecompressor(s.blobs, s.opts.BlobTimeout), s.loggerOrDefault(), s.metrics)
}

func (s *Syncer) compressor() Compressor {
	return Compressor{Blobs: s.blobs, InlineThreshold: s.opts.InlineThreshold, BlobThreshold: s.opts.BlobThreshold}
}

func (s *Syncer) executor() *BulkExecutor {
	return NewBulkExecutor(s.engine, s.opts.executorOptions(), s.loggerOrDefault(), s.metrics)
}

func (s *Syncer) loggerOrDefault() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
