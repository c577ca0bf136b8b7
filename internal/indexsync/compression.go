package indexsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ErrPayloadUnrecoverable marks a compressed payload that could not be
// restored. The record carrying it is skipped, never the whole batch.
var ErrPayloadUnrecoverable = errors.New("payload unrecoverable")

// ErrPayloadUnavailable marks a blob fetch that failed for a reason other than
// the blob being missing, such as a timeout or a storage error. The payload
// may still be readable later, so the batch is redelivered instead.
var ErrPayloadUnavailable = errors.New("payload unavailable")

// Envelope fields of a compressed document body.
const (
	fieldCompression = "compression"
	fieldValue       = "value"
	fieldBlobKey     = "blobKey"
	compressionGzip  = "gzip"
)

// Decompressor restores document bodies that were stored compressed, either
// inline or in a BlobStore.
type Decompressor struct {
	blobs   BlobStore
	timeout time.Duration
}

// NewDecompressor returns a Decompressor. blobs may be nil when no payload is
// ever externalized; timeout bounds each blob fetch (zero means no bound).
func NewDecompressor(blobs BlobStore, timeout time.Duration) *Decompressor {
	return &Decompressor{blobs: blobs, timeout: timeout}
}

// IsCompressed reports whether doc is a compression envelope.
func IsCompressed(doc Document) bool {
	_, ok := doc[fieldCompression].(string)
	return ok
}

// Decompress returns the original document body. Documents without an
// envelope are returned unchanged, and nil or empty input is not an error.
// A corrupt or missing payload wraps ErrPayloadUnrecoverable; a blob fetch that
// could not complete wraps ErrPayloadUnavailable.
func (d *Decompressor) Decompress(ctx context.Context, doc Document) (Document, error) {
	if len(doc) == 0 || !IsCompressed(doc) {
		return doc, nil
	}
	method := doc[fieldCompression].(string)
	if method != compressionGzip {
		return nil, fmt.Errorf("%w: unsupported compression %q", ErrPayloadUnrecoverable, method)
	}

	var compressed []byte
	switch {
	case isString(doc[fieldValue]):
		raw, err := base64.StdEncoding.DecodeString(doc[fieldValue].(string))
		if err != nil {
			return nil, fmt.Errorf("%w: decode value: %w", ErrPayloadUnrecoverable, err)
		}
		compressed = raw
	case isString(doc[fieldBlobKey]):
		raw, err := d.fetchBlob(ctx, doc[fieldBlobKey].(string))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrBlobNotFound) {
				return nil, fmt.Errorf("%w: %w", ErrPayloadUnrecoverable, err)
			}
			return nil, fmt.Errorf("%w: %w", ErrPayloadUnavailable, err)
		}
		compressed = raw
	default:
		return nil, fmt.Errorf("%w: envelope has neither %s nor %s", ErrPayloadUnrecoverable, fieldValue, fieldBlobKey)
	}

	restored, err := gunzipDocument(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadUnrecoverable, err)
	}
	return restored, nil
}

func (d *Decompressor) fetchBlob(ctx context.Context, key string) ([]byte, error) {
	if d.blobs == nil {
		return nil, fmt.Errorf("%w: %s (no blob store configured)", ErrBlobNotFound, key)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.blobs.Get(ctx, key)
}

func gunzipDocument(data []byte) (Document, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		return nil, errors.New("decode document: null body")
	}
	return doc, nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// Compressor produces the envelopes Decompressor reads. Bodies up to
// InlineThreshold bytes are stored as is, larger ones are gzipped inline, and
// compressed bodies above BlobThreshold go to the BlobStore.
type Compressor struct {
	Blobs           BlobStore
	InlineThreshold int
	BlobThreshold   int
}

// Compress returns doc or its compression envelope.
func (c Compressor) Compress(ctx context.Context, doc Document) (Document, error) {
	plain, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if len(plain) <= c.InlineThreshold {
		return doc, nil
	}
	compressed, err := gzipBytes(plain)
	if err != nil {
		return nil, err
	}
	if c.Blobs != nil && c.BlobThreshold > 0 && len(compressed) > c.BlobThreshold {
		sum := sha256.Sum256(compressed)
		key := hex.EncodeToString(sum[:])
		if err := c.Blobs.Put(ctx, key, compressed); err != nil {
			return nil, err
		}
		return Document{fieldCompression: compressionGzip, fieldBlobKey: key}, nil
	}
	return Document{
		fieldCompression: compressionGzip,
		fieldValue:       base64.StdEncoding.EncodeToString(compressed),
	}, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
