package indexsync

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeEvent(ChangeInsert)
		m.observeSkip(skipDecode)
		m.observeOperation(OpUpsert, "succeeded")
		m.observeChunk("ok")
		m.observeRetry()
		m.observeBulk(time.Second)
		m.observeBatch("complete")
	})
}

func TestSyncerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	engine := newRecordingEngine()
	engine.fail = func(call int) error {
		if call == 1 {
			return errConnectionReset
		}
		return nil
	}
	syncer := NewSyncer(nil, nil, engine, testOptions(), discardLogger())
	syncer.SetMetrics(metrics)

	_, err := syncer.ProcessBatch(context.Background(), []RawStreamRecord{
		streamRecord(t, "e1", ChangeInsert, "P#1", "L", "pages", map[string]any{"title": attrS("v1")}),
		streamRecord(t, "e2", ChangeRemove, "P#2", "L", "pages", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(string(OpUpsert), "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(string(OpDelete), "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.chunks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.batches.WithLabelValues("complete")))

	count, err := testutil.GatherAndCount(reg, "indexsync_bulk_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
