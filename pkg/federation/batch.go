package federation

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"fedtrust/pkg/types"
)

// DefaultMaxBatchSize bounds a decoded event batch unless overridden.
const DefaultMaxBatchSize = 64 << 20

var maxBatchSize atomic.Int64

func init() {
	maxBatchSize.Store(DefaultMaxBatchSize)
}

// SetMaxBatchSize changes the largest batch accepted from a peer, in bytes.
// Non-positive values restore the default.
func SetMaxBatchSize(n int64) {
	if n <= 0 {
		n = DefaultMaxBatchSize
	}
	maxBatchSize.Store(n)
}

// MaxBatchSize returns the current limit.
func MaxBatchSize() int64 {
	return maxBatchSize.Load()
}

// EventBatch is the exchange format of a full event log export.
type EventBatch struct {
	NodeID      types.NodeID  `json:"node_id,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	Events      []types.Event `json:"events"`
}

// NewEventBatch snapshots a source for export.
func NewEventBatch(nodeID types.NodeID, source EventSource) *EventBatch {
	events := source.Events()
	if events == nil {
		events = []types.Event{}
	}
	return &EventBatch{
		NodeID:      nodeID,
		GeneratedAt: time.Now().UTC(),
		Events:      events,
	}
}

// EncodeBatch serializes a batch as zstd-compressed JSON.
func EncodeBatch(batch *EventBatch) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) (*EventBatch, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxBatchSize())))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress batch: %w", err)
	}

	var batch EventBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return &batch, nil
}
