package indexsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecordInsert(t *testing.T) {
	raw := streamRecord(t, "evt-1", ChangeInsert, "T#root#L#en-US#CMS#CME#post-1", "REV#0001", "root-en-us-headless-cms", map[string]any{
		"title": attrS("Hello"),
		"views": attrN("42"),
	})

	event, err := DecodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", event.EventID)
	assert.Equal(t, ChangeInsert, event.Kind)
	assert.Equal(t, "T#root#L#en-US#CMS#CME#post-1:REV#0001", event.DocumentID)
	assert.Equal(t, "root-en-us-headless-cms", event.IndexName)
	assert.Equal(t, Document{"title": "Hello", "views": json.Number("42")}, event.Image)
}

func TestDecodeRecordModifyUsesNewImage(t *testing.T) {
	raw := streamRecord(t, "evt-2", ChangeModify, "P#1", "L", "pages", map[string]any{
		"title": attrS("Updated"),
	})

	event, err := DecodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, ChangeModify, event.Kind)
	assert.Equal(t, Document{"title": "Updated"}, event.Image)
}

func TestDecodeRecordRemoveFallsBackToOldImage(t *testing.T) {
	raw := streamRecord(t, "evt-3", ChangeRemove, "P#1", "L", "pages", map[string]any{
		"title": attrS("Gone"),
	})

	event, err := DecodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, ChangeRemove, event.Kind)
	assert.Equal(t, "pages", event.IndexName)
	assert.Equal(t, "P#1:L", event.DocumentID)
	assert.Nil(t, event.Image)
}

func TestDecodeRecordMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":    `{"eventID":`,
		"not an object":   `[1,2,3]`,
		"unknown event":   `{"eventID":"e","eventName":"UPSERT","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":"b"}},"NewImage":{"index":{"S":"i"},"data":{"M":{}}}}}`,
		"missing stream":  `{"eventID":"e","eventName":"INSERT"}`,
		"missing pk":      `{"eventID":"e","eventName":"INSERT","dynamodb":{"Keys":{"SK":{"S":"b"}},"NewImage":{"index":{"S":"i"},"data":{"M":{}}}}}`,
		"empty sk":        `{"eventID":"e","eventName":"INSERT","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":""}},"NewImage":{"index":{"S":"i"},"data":{"M":{}}}}}`,
		"missing index":   `{"eventID":"e","eventName":"INSERT","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":"b"}},"NewImage":{"data":{"M":{}}}}}`,
		"missing data":    `{"eventID":"e","eventName":"INSERT","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":"b"}},"NewImage":{"index":{"S":"i"}}}}`,
		"data not a map":  `{"eventID":"e","eventName":"MODIFY","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":"b"}},"NewImage":{"index":{"S":"i"},"data":{"S":"text"}}}}`,
		"bad number":      `{"eventID":"e","eventName":"INSERT","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":"b"}},"NewImage":{"index":{"S":"i"},"data":{"M":{"n":{"N":"12abc"}}}}}}`,
		"insert no image": `{"eventID":"e","eventName":"INSERT","dynamodb":{"Keys":{"PK":{"S":"a"},"SK":{"S":"b"}},"OldImage":{"index":{"S":"i"}}}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord(RawStreamRecord(raw))
			require.Error(t, err)
			var malformed *MalformedRecordError
			assert.True(t, errors.As(err, &malformed), "expected MalformedRecordError, got %T", err)
		})
	}
}

func TestDecodeRecordErrorCarriesEventID(t *testing.T) {
	_, err := DecodeRecord(RawStreamRecord(`{"eventID":"evt-9","eventName":"INSERT","dynamodb":{}}`))
	var malformed *MalformedRecordError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "evt-9", malformed.EventID)
	assert.Contains(t, err.Error(), "evt-9")
}

func TestParseBatch(t *testing.T) {
	records, err := ParseBatch([]byte(`{"Records":[{"eventID":"a"},{"eventID":"b"},"junk"]}`))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"eventID":"a"}`, string(records[0]))

	records, err = ParseBatch([]byte(`[{"eventID":"a"}]`))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = ParseBatch([]byte(`{"Records":[]}`))
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = ParseBatch([]byte(`{"Records":`))
	assert.Error(t, err)

	_, err = ParseBatch([]byte(`{"Items":[]}`))
	assert.Error(t, err)
}
