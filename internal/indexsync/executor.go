package indexsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	errMissingItemResult = errors.New("engine returned no result for operation")
	errBudgetExhausted   = errors.New("execution budget exhausted")
)

// ItemFailure is an operation the engine (or the executor) rejected.
type ItemFailure struct {
	Key    OperationKey
	Kind   OperationKind
	Status int
	Err    error
}

// Budget tracks the execution time left to an invocation. The zero Budget is
// unlimited.
type Budget struct {
	deadline time.Time
}

// NewBudget returns a budget ending at deadline.
func NewBudget(deadline time.Time) Budget {
	return Budget{deadline: deadline}
}

// BudgetFromContext uses the context deadline, if any.
func BudgetFromContext(ctx context.Context) Budget {
	deadline, _ := ctx.Deadline()
	return Budget{deadline: deadline}
}

// Limited reports whether the budget has a deadline.
func (b Budget) Limited() bool {
	return !b.deadline.IsZero()
}

// Remaining returns the time left at now.
func (b Budget) Remaining(now time.Time) time.Duration {
	if !b.Limited() {
		return time.Duration(1<<63 - 1)
	}
	return b.deadline.Sub(now)
}

// ExecutorOptions bounds bulk execution.
type ExecutorOptions struct {
	MaxBodyBytes   int64
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	// BudgetReserve is the minimum remaining budget needed to start a chunk.
	BudgetReserve time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	return o
}

// BatchSummary reports the outcome of executing one OperationSet.
type BatchSummary struct {
	BatchID           string
	Records           int
	DecodeSkipped     int
	DecompressSkipped int

	Operations    int
	Succeeded     int
	Failed        int
	Chunks        int
	ChunksFailed  int
	ChunksSkipped int

	Failures   []ItemFailure
	Unresolved []OperationKey

	// Partial is set when some operations were neither applied nor rejected.
	Partial bool
	// Retry asks the caller to redeliver the batch.
	Retry bool
	// BudgetExhausted is set when chunks were skipped, or retries abandoned,
	// for lack of time.
	BudgetExhausted bool
}

// Skipped returns the number of records dropped before aggregation.
func (s BatchSummary) Skipped() int {
	return s.DecodeSkipped + s.DecompressSkipped
}

// BulkExecutor chunks, compresses and sends OperationSets to a SearchEngine.
type BulkExecutor struct {
	engine  SearchEngine
	opts    ExecutorOptions
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewBulkExecutor returns an executor writing to engine.
func NewBulkExecutor(engine SearchEngine, opts ExecutorOptions, logger *slog.Logger, metrics *Metrics) *BulkExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkExecutor{
		engine:  engine,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Execute applies set. Transport failures are retried with exponential
// backoff; chunks that still fail, and chunks not started because the budget
// ran low, leave their keys unresolved and set Retry on the summary.
func (e *BulkExecutor) Execute(ctx context.Context, batchID string, set *OperationSet, budget Budget) BatchSummary {
	summary := BatchSummary{BatchID: batchID, Operations: set.Total()}
	logger := e.logger.With("batch_id", batchID)

	chunks, rejected := ChunkOperations(set.Items(), e.opts.MaxBodyBytes)
	summary.Chunks = len(chunks)
	for _, failure := range rejected {
		summary.Failed++
		summary.Failures = append(summary.Failures, failure)
		e.metrics.observeOperation(failure.Kind, "failed")
		logger.Warn("Rejected operation before transfer", "key", failure.Key.String(), "error", failure.Err)
	}

	for i, chunk := range chunks {
		if reason := e.stopReason(ctx, budget); reason != "" {
			for _, rest := range chunks[i:] {
				summary.ChunksSkipped++
				summary.Unresolved = append(summary.Unresolved, rest.Keys()...)
				e.metrics.observeChunk("skipped")
			}
			if reason == "budget" {
				summary.BudgetExhausted = true
			}
			logger.Warn("Stopped before remaining chunks", "reason", reason, "skipped_chunks", len(chunks)-i, "remaining", budget.Remaining(e.now()).String())
			break
		}
		e.runChunk(ctx, logger, chunk, budget, &summary)
	}

	summary.Partial = len(summary.Unresolved) > 0
	summary.Retry = summary.Partial
	logger.Info("Bulk execution complete", "operations", summary.Operations, "succeeded", summary.Succeeded, "failed", summary.Failed, "unresolved", len(summary.Unresolved), "chunks", summary.Chunks, "chunks_failed", summary.ChunksFailed, "chunks_skipped", summary.ChunksSkipped, "partial", summary.Partial)
	return summary
}

func (e *BulkExecutor) stopReason(ctx context.Context, budget Budget) string {
	if ctx.Err() != nil {
		return "canceled"
	}
	if budget.Limited() && budget.Remaining(e.now()) < e.opts.BudgetReserve {
		return "budget"
	}
	return ""
}

func (e *BulkExecutor) runChunk(ctx context.Context, logger *slog.Logger, chunk *BulkChunk, budget Budget, summary *BatchSummary) {
	if err := chunk.compress(); err != nil {
		summary.ChunksFailed++
		summary.Unresolved = append(summary.Unresolved, chunk.Keys()...)
		e.metrics.observeChunk("failed")
		logger.Error("Failed to prepare bulk chunk", "chunk", chunk.Seq, "error", err)
		return
	}

	resp, attempts, err := e.send(ctx, logger, chunk, budget)
	if err != nil {
		if errors.Is(err, errBudgetExhausted) {
			summary.BudgetExhausted = true
		}
		summary.ChunksFailed++
		summary.Unresolved = append(summary.Unresolved, chunk.Keys()...)
		e.metrics.observeChunk("failed")
		logger.Error("Bulk chunk failed", "chunk", chunk.Seq, "items", len(chunk.Items), "body_bytes", len(chunk.Body), "compressed_bytes", len(chunk.Compressed), "attempts", attempts, "error", err)
		return
	}

	results := make(map[OperationKey]BulkItemResult, len(resp.Items))
	for _, r := range resp.Items {
		results[r.Key] = r
	}
	succeeded, failed := 0, 0
	for _, item := range chunk.Items {
		r, ok := results[item.Key()]
		if !ok {
			r = BulkItemResult{Key: item.Key(), Err: errMissingItemResult}
		}
		if r.Err != nil {
			failed++
			summary.Failures = append(summary.Failures, ItemFailure{Key: item.Key(), Kind: item.Kind, Status: r.Status, Err: r.Err})
			e.metrics.observeOperation(item.Kind, "failed")
			continue
		}
		succeeded++
		e.metrics.observeOperation(item.Kind, "succeeded")
	}
	summary.Succeeded += succeeded
	summary.Failed += failed
	e.metrics.observeChunk("ok")
	logger.Info("Processed bulk chunk", "chunk", chunk.Seq, "items", len(chunk.Items), "succeeded", succeeded, "failed", failed, "body_bytes", len(chunk.Body), "compressed_bytes", len(chunk.Compressed), "attempts", attempts)
}

func (e *BulkExecutor) send(ctx context.Context, logger *slog.Logger, chunk *BulkChunk, budget Budget) (*BulkResponse, int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.InitialBackoff
	policy.MaxInterval = e.opts.MaxBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.opts.MaxAttempts-1)), ctx)

	var (
		resp     *BulkResponse
		attempts int
	)
	operation := func() error {
		attempts++
		if attempts > 1 && budget.Limited() && budget.Remaining(e.now()) < e.opts.BudgetReserve {
			return backoff.Permanent(fmt.Errorf("%w after %d attempts", errBudgetExhausted, attempts-1))
		}
		attemptCtx, cancel := e.attemptContext(ctx, budget)
		defer cancel()

		start := time.Now()
		r, err := e.engine.Bulk(attemptCtx, chunk)
		e.metrics.observeBulk(time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if r == nil {
			r = &BulkResponse{}
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.observeRetry()
		logger.Warn("Retrying bulk chunk", "chunk", chunk.Seq, "attempt", attempts, "wait", wait.String(), "error", err)
	}
	if err := backoff.RetryNotify(operation, bounded, notify); err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}

// attemptContext bounds one request by RequestTimeout and by what is left of
// the budget after the reserve.
func (e *BulkExecutor) attemptContext(ctx context.Context, budget Budget) (context.Context, context.CancelFunc) {
	timeout := e.opts.RequestTimeout
	if budget.Limited() {
		left := budget.Remaining(e.now()) - e.opts.BudgetReserve
		if left > 0 && (timeout <= 0 || left < timeout) {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
