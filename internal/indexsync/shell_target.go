package indexsync

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// commandEngine pipes each uncompressed bulk body to a shell command. A zero
// exit status applies every item of the chunk.
type commandEngine struct {
	command string
}

func newCommandEngine(command string) (*commandEngine, error) {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return nil, fmt.Errorf("%w: empty engine command", ErrInvalidConfig)
	}
	return &commandEngine{command: cmd}, nil
}

func (c *commandEngine) Bulk(ctx context.Context, chunk *BulkChunk) (*BulkResponse, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Stdin = bytes.NewReader(chunk.Body)
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("INDEXSYNC_CHUNK=%d", chunk.Seq), fmt.Sprintf("INDEXSYNC_ITEMS=%d", len(chunk.Items)))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	resp := &BulkResponse{Items: make([]BulkItemResult, 0, len(chunk.Items))}
	for _, item := range chunk.Items {
		resp.Items = append(resp.Items, BulkItemResult{Key: item.Key()})
	}
	return resp, nil
}
