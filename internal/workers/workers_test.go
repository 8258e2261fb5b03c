package workers

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/merkle"
	"github.com/latticedb/engine/internal/workerpool"
)

func TestShouldUseWorkerBatchThreshold(t *testing.T) {
	if shouldUseWorker(BatchThreshold-1, 0) {
		t.Error("expected batch below threshold to run inline")
	}
	if !shouldUseWorker(BatchThreshold, 0) {
		t.Error("expected batch at threshold to offload")
	}
}

func TestShouldUseWorkerSizeThreshold(t *testing.T) {
	if shouldUseWorker(1, SizeThreshold-1) {
		t.Error("expected small payload under size threshold to run inline")
	}
	if !shouldUseWorker(1, SizeThreshold) {
		t.Error("expected payload at size threshold to offload even with one record")
	}
}

func makeJobs(n int, nodeID string) []MergeJob {
	jobs := make([]MergeJob, n)
	for i := 0; i < n; i++ {
		jobs[i] = MergeJob{
			Key: fmt.Sprintf("key-%d", i),
			Record: crdt.LWWRecord{
				Value:     fmt.Sprintf("value-%d", i),
				Timestamp: clock.Timestamp{Millis: int64(1000 + i), Counter: 0, NodeID: nodeID},
			},
		}
	}
	return jobs
}

// TestInlineAndOffloadProduceIdenticalResults is the §8 property test: the
// inline path must produce results byte-identical to the offload path for
// any input.
func TestInlineAndOffloadProduceIdenticalResults(t *testing.T) {
	pool := workerpool.New(workerpool.DefaultConfig(), zap.NewNop(), nil)
	defer pool.Shutdown(0)

	jobs := makeJobs(BatchThreshold+5, "remote") // forces offload path

	inlineMap := crdt.NewLWWMap(clock.New("n1"), merkle.DefaultConfig())
	inlineResults := applyLWWBatchInline(inlineMap, jobs)

	offloadMap := crdt.NewLWWMap(clock.New("n1"), merkle.DefaultConfig())
	offloadResults, err := ApplyLWWBatch(context.Background(), pool, offloadMap, jobs)
	if err != nil {
		t.Fatalf("offload batch failed: %v", err)
	}

	if len(inlineResults) != len(offloadResults) {
		t.Fatalf("result length mismatch: inline=%d offload=%d", len(inlineResults), len(offloadResults))
	}
	for i := range inlineResults {
		if inlineResults[i] != offloadResults[i] {
			t.Errorf("result %d differs: inline=%+v offload=%+v", i, inlineResults[i], offloadResults[i])
		}
	}
	if inlineMap.GetMerkleTree().RootHash() != offloadMap.GetMerkleTree().RootHash() {
		t.Error("expected identical root hash between inline and offload merge")
	}
}

func TestApplyLWWBatchSmallRunsInline(t *testing.T) {
	m := crdt.NewLWWMap(clock.New("n1"), merkle.DefaultConfig())
	jobs := makeJobs(2, "remote")

	// nil pool forces inline regardless of size; a 2-job batch is also
	// below BatchThreshold, so it would run inline with a pool as well.
	results, err := ApplyLWWBatch(context.Background(), nil, m, jobs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestRebuildMerkleInlineAndOffloadMatch(t *testing.T) {
	entries := map[string]string{"a": "1", "b": "2", "c": "3"}

	inlineTree := merkle.New(merkle.DefaultConfig())
	if err := RebuildMerkle(context.Background(), nil, inlineTree, entries); err != nil {
		t.Fatalf("inline rebuild failed: %v", err)
	}

	pool := workerpool.New(workerpool.Config{MinWorkers: 1, MaxWorkers: 2, IdleTimeout: time.Second, TickEvery: 5 * time.Millisecond}, zap.NewNop(), nil)
	defer pool.Shutdown(0)
	offloadTree := merkle.New(merkle.DefaultConfig())
	big := make(map[string]string)
	for k, v := range entries {
		big[k] = v
	}
	for i := 0; i < BatchThreshold; i++ {
		big[fmt.Sprintf("filler-%d", i)] = "x"
	}
	if err := RebuildMerkle(context.Background(), pool, offloadTree, big); err != nil {
		t.Fatalf("offload rebuild failed: %v", err)
	}

	reference := merkle.New(merkle.DefaultConfig())
	reference.Rebuild(big)
	if offloadTree.RootHash() != reference.RootHash() {
		t.Error("expected offloaded rebuild to match a direct rebuild")
	}
}

func TestSerializeBatchInlineAndOffloadByteIdentical(t *testing.T) {
	records := []SerializableRecord{
		{Key: "a", Value: "1", Timestamp: clock.Timestamp{Millis: 1, NodeID: "n1"}},
		{Key: "b", Value: "2", Timestamp: clock.Timestamp{Millis: 2, NodeID: "n1"}},
	}

	inlineBytes, err := SerializeBatch(context.Background(), nil, records)
	if err != nil {
		t.Fatalf("inline serialize failed: %v", err)
	}

	pool := workerpool.New(workerpool.DefaultConfig(), zap.NewNop(), nil)
	defer pool.Shutdown(0)
	big := make([]SerializableRecord, BatchThreshold+1)
	copy(big, records)
	for i := len(records); i < len(big); i++ {
		big[i] = SerializableRecord{Key: fmt.Sprintf("k%d", i), Value: "x", Timestamp: clock.Timestamp{Millis: int64(i), NodeID: "n1"}}
	}
	offloadBytes, err := SerializeBatch(context.Background(), pool, big)
	if err != nil {
		t.Fatalf("offload serialize failed: %v", err)
	}
	directBytes, _ := serializeBatchInline(big)
	if !bytes.Equal(offloadBytes, directBytes) {
		t.Error("expected offloaded serialize output to match a direct call")
	}
	_ = inlineBytes
}
