// Package workers implements the specialized Merkle/merge/serialization
// workloads (§4.4.1) that run either inline on the calling goroutine or
// offloaded to an internal/workerpool.Pool, depending on batch size and
// payload size. The inline and offload paths share the same underlying
// functions, so their outputs are always byte-identical by construction.
package workers

import (
	"context"
	"encoding/json"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/merkle"
	"github.com/latticedb/engine/internal/workerpool"
)

// BatchThreshold is the batch size at or above which a task is offloaded to
// the worker pool instead of executed inline.
const BatchThreshold = 10

// SizeThreshold is the estimated payload size, in bytes, at or above which
// serialization work is forced offload even for small batches.
const SizeThreshold = 50 * 1024

// shouldUseWorker decides whether to offload a task of the given batch size
// and estimated payload size. estimatedBytes is ignored by callers that
// don't have a meaningful size estimate (pass 0).
func shouldUseWorker(batchSize int, estimatedBytes int) bool {
	if batchSize >= BatchThreshold {
		return true
	}
	if estimatedBytes >= SizeThreshold {
		return true
	}
	return false
}

// MergeJob is one remote record to merge into an LWW map.
type MergeJob struct {
	Key    string
	Record crdt.LWWRecord
}

// MergeResult reports whether a merge job applied and whether it surfaced a
// concurrent-write conflict.
type MergeResult struct {
	Key      string
	Applied  bool
	Conflict crdt.ConflictKind
}

// ApplyLWWBatch merges jobs into m, running inline when the batch is small
// and offloading to pool otherwise. Results are returned in job order
// regardless of path taken.
func ApplyLWWBatch(ctx context.Context, pool *workerpool.Pool, m *crdt.LWWMap, jobs []MergeJob) ([]MergeResult, error) {
	if !shouldUseWorker(len(jobs), 0) || pool == nil {
		return applyLWWBatchInline(m, jobs), nil
	}

	result, err := pool.Submit(ctx, &workerpool.Task{
		Type:     "lww-merge-batch",
		Priority: workerpool.PriorityNormal,
		Payload:  jobs,
		Run: func(ctx context.Context, payload interface{}) (interface{}, error) {
			batch := payload.([]MergeJob)
			return applyLWWBatchInline(m, batch), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return result.([]MergeResult), nil
}

func applyLWWBatchInline(m *crdt.LWWMap, jobs []MergeJob) []MergeResult {
	results := make([]MergeResult, len(jobs))
	for i, job := range jobs {
		applied, conflict := m.Merge(job.Key, job.Record)
		results[i] = MergeResult{Key: job.Key, Applied: applied, Conflict: conflict}
	}
	return results
}

// RebuildMerkle rebuilds tree's digest from entries, inline for small key
// sets and offloaded otherwise.
func RebuildMerkle(ctx context.Context, pool *workerpool.Pool, tree *merkle.Tree, entries map[string]string) error {
	if !shouldUseWorker(len(entries), 0) || pool == nil {
		tree.Rebuild(entries)
		return nil
	}

	_, err := pool.Submit(ctx, &workerpool.Task{
		Type:     "merkle-rebuild",
		Priority: workerpool.PriorityLow,
		Run: func(ctx context.Context, payload interface{}) (interface{}, error) {
			tree.Rebuild(entries)
			return nil, nil
		},
	})
	return err
}

// SerializableRecord is a flattened (key, record) pair ready for JSON
// serialization, used by SerializeBatch.
type SerializableRecord struct {
	Key       string          `json:"key"`
	Value     interface{}     `json:"value"`
	Timestamp clock.Timestamp `json:"timestamp"`
}

// SerializeBatch serializes records to one JSON array, forcing offload once
// either the record count or the estimated encoded size crosses its
// threshold.
func SerializeBatch(ctx context.Context, pool *workerpool.Pool, records []SerializableRecord) ([]byte, error) {
	estimated := estimateSize(records)
	if !shouldUseWorker(len(records), estimated) || pool == nil {
		return serializeBatchInline(records)
	}

	result, err := pool.Submit(ctx, &workerpool.Task{
		Type:     "batch-serialize",
		Priority: workerpool.PriorityNormal,
		Payload:  records,
		Run: func(ctx context.Context, payload interface{}) (interface{}, error) {
			batch := payload.([]SerializableRecord)
			return serializeBatchInline(batch)
		},
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func serializeBatchInline(records []SerializableRecord) ([]byte, error) {
	return json.Marshal(records)
}

// estimateSize gives a rough byte-count estimate for a batch without fully
// marshaling it, cheap enough to run on every call.
func estimateSize(records []SerializableRecord) int {
	total := 0
	for _, r := range records {
		total += len(r.Key) + 64 // rough per-record overhead + timestamp/value guess
		if s, ok := r.Value.(string); ok {
			total += len(s)
		}
	}
	return total
}
