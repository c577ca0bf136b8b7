package indexsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrItemTooLarge is reported for an operation whose encoded form alone
// exceeds the maximum bulk body size.
var ErrItemTooLarge = errors.New("operation exceeds maximum bulk body size")

// BulkChunk is a size-bounded slice of an OperationSet ready for transfer.
// Body is the uncompressed bulk payload (one action line per item, followed
// by a source line for upserts); Compressed is its gzip encoding.
type BulkChunk struct {
	Seq        int
	Items      []OperationItem
	Body       []byte
	Compressed []byte
}

// Keys returns the identity of every item in the chunk.
func (c *BulkChunk) Keys() []OperationKey {
	keys := make([]OperationKey, len(c.Items))
	for i, item := range c.Items {
		keys[i] = item.Key()
	}
	return keys
}

type bulkAction struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// encodeBulkItem renders the NDJSON lines for one operation.
func encodeBulkItem(item OperationItem) ([]byte, error) {
	var buf bytes.Buffer
	action := map[string]bulkAction{}
	switch item.Kind {
	case OpUpsert:
		action["index"] = bulkAction{Index: item.IndexName, ID: item.DocumentID}
	case OpDelete:
		action["delete"] = bulkAction{Index: item.IndexName, ID: item.DocumentID}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", item.Kind)
	}
	head, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action for %s: %w", item.Key(), err)
	}
	buf.Write(head)
	buf.WriteByte('\n')
	if item.Kind == OpUpsert {
		data := item.Data
		if data == nil {
			data = Document{}
		}
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode document %s: %w", item.Key(), err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ChunkOperations splits items into chunks whose uncompressed body never
// exceeds maxBody bytes. Items that cannot be encoded, or that would not fit
// even alone, are returned as failures instead of being sent.
func ChunkOperations(items []OperationItem, maxBody int64) ([]*BulkChunk, []ItemFailure) {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	var (
		chunks   []*BulkChunk
		failures []ItemFailure
		current  = &BulkChunk{}
	)
	flush := func() {
		if len(current.Items) == 0 {
			return
		}
		current.Seq = len(chunks)
		chunks = append(chunks, current)
		current = &BulkChunk{}
	}

	for _, item := range items {
		encoded, err := encodeBulkItem(item)
		if err != nil {
			failures = append(failures, ItemFailure{Key: item.Key(), Kind: item.Kind, Err: err})
			continue
		}
		size := int64(len(encoded))
		if size > maxBody {
			failures = append(failures, ItemFailure{
				Key:  item.Key(),
				Kind: item.Kind,
				Err:  fmt.Errorf("%w: %d > %d bytes", ErrItemTooLarge, size, maxBody),
			})
			continue
		}
		if int64(len(current.Body))+size > maxBody {
			flush()
		}
		current.Items = append(current.Items, item)
		current.Body = append(current.Body, encoded...)
	}
	flush()
	return chunks, failures
}

// compress fills in the gzip encoding of the chunk body.
func (c *BulkChunk) compress() error {
	if c.Compressed != nil {
		return nil
	}
	compressed, err := gzipBytes(c.Body)
	if err != nil {
		return fmt.Errorf("compress chunk %d: %w", c.Seq, err)
	}
	c.Compressed = compressed
	return nil
}
