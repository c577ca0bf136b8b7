package indexsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrRetryBatch asks the delivering runtime to redeliver a batch. It is
// returned alongside a summary whose Retry flag is set.
var ErrRetryBatch = errors.New("batch incomplete; redeliver")

// ProcessBatch runs one delivered batch through the pipeline: decode,
// decompress, aggregate, execute. The batch is processed sequentially and owns
// its OperationSet. The execution budget is taken from the context deadline.
func (s *Syncer) ProcessBatch(ctx context.Context, records []RawStreamRecord) (BatchSummary, error) {
	batchID := uuid.NewString()
	logger := s.loggerOrDefault().With("batch_id", batchID)

	set, stats, err := s.aggregator().Build(ctx, records)
	if err != nil {
		s.metrics.observeBatch("aborted")
		logger.Warn("Batch left for redelivery before execution", "error", err)
		return BatchSummary{BatchID: batchID, Records: len(records), Retry: true, Partial: true}, fmt.Errorf("%w: build operation set: %w", ErrRetryBatch, err)
	}

	summary := s.executor().Execute(ctx, batchID, set, BudgetFromContext(ctx))
	summary.Records = stats.Records
	summary.DecodeSkipped = stats.DecodeSkipped
	summary.DecompressSkipped = stats.DecompressSkipped

	logger.Info("Batch synchronized", "records", summary.Records, "operations", summary.Operations, "succeeded", summary.Succeeded, "failed", summary.Failed, "decode_skipped", summary.DecodeSkipped, "decompress_skipped", summary.DecompressSkipped, "unresolved", len(summary.Unresolved), "partial", summary.Partial)

	if summary.Retry {
		s.metrics.observeBatch("retry")
		return summary, ErrRetryBatch
	}
	s.metrics.observeBatch("complete")
	return summary, nil
}

// ProcessBatchFile reads a batch file and processes it.
func (s *Syncer) ProcessBatchFile(ctx context.Context, path string) (BatchSummary, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("read batch %s: %w", path, err)
	}
	records, err := ParseBatch(data)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("%s: %w", path, err)
	}
	return s.ProcessBatch(ctx, records)
}

// BackfillSummary reports a backfill run. ResumeKey is the StartKey to pass
// to continue after an incomplete run; nil means the table was exhausted.
type BackfillSummary struct {
	Table     string
	Pages     int
	Items     int
	Succeeded int
	Failed    int
	Skipped   int
	Failures  []ItemFailure
	ResumeKey *ItemKey
	Partial   bool
}

// Backfill pages through a store table and writes every item to the index
// as an upsert, one OperationSet per page. A page that leaves operations
// unresolved stops the run; ResumeKey then points at the start of that page.
// maxPages bounds the run when positive.
func (s *Syncer) Backfill(ctx context.Context, params ScanParams, maxPages int) (BackfillSummary, error) {
	if s.store == nil {
		return BackfillSummary{}, errors.New("backfill requires a document store")
	}
	if params.Limit <= 0 {
		params.Limit = s.opts.ScanLimit
	}
	logger := s.loggerOrDefault().With("table", params.Table)
	summary := BackfillSummary{Table: params.Table}
	aggregator := s.aggregator()
	executor := s.executor()
	budget := BudgetFromContext(ctx)

	pageStart := params.StartKey
	for page, err := range s.store.Pages(ctx, params) {
		if err != nil {
			summary.ResumeKey = pageStart
			summary.Partial = true
			return summary, err
		}

		set, stats, err := aggregator.BuildEvents(ctx, itemEvents(page.Items))
		if err != nil {
			summary.ResumeKey = pageStart
			summary.Partial = true
			return summary, fmt.Errorf("%w: %w", ErrRetryBatch, err)
		}

		batchID := uuid.NewString()
		result := executor.Execute(ctx, batchID, set, budget)
		summary.Pages++
		summary.Items += len(page.Items)
		summary.Succeeded += result.Succeeded
		summary.Failed += result.Failed
		summary.Skipped += stats.DecompressSkipped
		summary.Failures = append(summary.Failures, result.Failures...)

		logger.Info("Backfilled page", "batch_id", batchID, "page", summary.Pages, "items", len(page.Items), "succeeded", result.Succeeded, "failed", result.Failed, "skipped", stats.DecompressSkipped, "unresolved", len(result.Unresolved))

		if result.Retry {
			summary.ResumeKey = pageStart
			summary.Partial = true
			logger.Warn("Backfill stopped with unresolved operations", "resume_key", lo.FromPtr(pageStart))
			return summary, ErrRetryBatch
		}

		pageStart = page.LastKey
		if maxPages > 0 && summary.Pages >= maxPages && page.LastKey != nil {
			summary.ResumeKey = page.LastKey
			summary.Partial = true
			break
		}
	}

	logger.Info("Backfill complete", "pages", summary.Pages, "items", summary.Items, "succeeded", summary.Succeeded, "failed", summary.Failed, "skipped", summary.Skipped, "partial", summary.Partial)
	return summary, nil
}
