package indexsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Skip reasons reported in BuildStats and metrics.
const (
	skipDecode     = "decode"
	skipDecompress = "decompress"
)

// SkippedRecord describes a record left out of an OperationSet.
type SkippedRecord struct {
	EventID string
	Reason  string
	Err     error
}

// BuildStats counts what happened while building an OperationSet.
type BuildStats struct {
	Records           int
	Inserts           int
	Modifies          int
	Removes           int
	DecodeSkipped     int
	DecompressSkipped int
	Skipped           []SkippedRecord
}

// SkippedTotal returns the number of records left out of the set.
func (s BuildStats) SkippedTotal() int {
	return s.DecodeSkipped + s.DecompressSkipped
}

// Aggregator folds change events into an OperationSet. Events are applied one
// at a time in arrival order; the last event for a key decides its net
// operation.
type Aggregator struct {
	decompressor *Decompressor
	logger       *slog.Logger
	metrics      *Metrics
}

// NewAggregator returns an Aggregator that restores compressed images with d.
func NewAggregator(d *Decompressor, logger *slog.Logger, metrics *Metrics) *Aggregator {
	if d == nil {
		d = NewDecompressor(nil, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{decompressor: d, logger: logger, metrics: metrics}
}

// Aggregate folds already decoded, uncompressed events into a new set.
func Aggregate(events []ChangeEvent) *OperationSet {
	set := NewOperationSet()
	for _, event := range events {
		apply(set, event)
	}
	return set
}

func apply(set *OperationSet, event ChangeEvent) {
	switch event.Kind {
	case ChangeInsert:
		set.Insert(event.DocumentID, event.IndexName, event.Image)
	case ChangeModify:
		set.Modify(event.DocumentID, event.IndexName, event.Image)
	case ChangeRemove:
		// A stray image on a removal is ignored; the document is still deleted.
		set.Delete(event.DocumentID, event.IndexName)
	}
}

// Build decodes, decompresses and folds raw stream records. Records that fail
// decoding, or whose payload is corrupt or missing, are skipped and counted.
// An error is returned when the context ends mid-build or a payload is
// temporarily unavailable; the whole batch must then be redelivered.
func (a *Aggregator) Build(ctx context.Context, records []RawStreamRecord) (*OperationSet, BuildStats, error) {
	stats := BuildStats{Records: len(records)}
	events := make([]ChangeEvent, 0, len(records))
	for _, raw := range records {
		event, err := DecodeRecord(raw)
		if err != nil {
			var malformed *MalformedRecordError
			eventID := ""
			if errors.As(err, &malformed) {
				eventID = malformed.EventID
			}
			stats.DecodeSkipped++
			stats.Skipped = append(stats.Skipped, SkippedRecord{EventID: eventID, Reason: skipDecode, Err: err})
			a.metrics.observeSkip(skipDecode)
			a.logger.Warn("Skipped undecodable stream record", "event_id", eventID, "error", err)
			continue
		}
		events = append(events, event)
	}

	set, err := a.fold(ctx, events, &stats)
	if err != nil {
		return nil, stats, err
	}
	a.logger.Info("Built operation set", "records", stats.Records, "operations", set.Total(), "inserts", stats.Inserts, "modifies", stats.Modifies, "removes", stats.Removes, "decode_skipped", stats.DecodeSkipped, "decompress_skipped", stats.DecompressSkipped)
	return set, stats, nil
}

// BuildEvents folds decoded events, restoring compressed images first.
func (a *Aggregator) BuildEvents(ctx context.Context, events []ChangeEvent) (*OperationSet, BuildStats, error) {
	stats := BuildStats{Records: len(events)}
	set, err := a.fold(ctx, events, &stats)
	if err != nil {
		return nil, stats, err
	}
	return set, stats, nil
}

func (a *Aggregator) fold(ctx context.Context, events []ChangeEvent, stats *BuildStats) (*OperationSet, error) {
	set := NewOperationSet()
	for _, event := range events {
		if event.Kind != ChangeRemove {
			image, err := a.decompressor.Decompress(ctx, event.Image)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				if !errors.Is(err, ErrPayloadUnrecoverable) {
					return nil, fmt.Errorf("event %s: %w", event.EventID, err)
				}
				stats.DecompressSkipped++
				stats.Skipped = append(stats.Skipped, SkippedRecord{EventID: event.EventID, Reason: skipDecompress, Err: err})
				a.metrics.observeSkip(skipDecompress)
				a.logger.Warn("Skipped record with unrecoverable payload", "event_id", event.EventID, "document_id", event.DocumentID, "index", event.IndexName, "error", err)
				continue
			}
			event.Image = image
		} else if event.Image != nil {
			a.logger.Debug("Ignoring image on removal", "event_id", event.EventID, "document_id", event.DocumentID)
		}

		switch event.Kind {
		case ChangeInsert:
			stats.Inserts++
		case ChangeModify:
			stats.Modifies++
		case ChangeRemove:
			stats.Removes++
		}
		a.metrics.observeEvent(event.Kind)
		apply(set, event)
	}
	return set, nil
}
