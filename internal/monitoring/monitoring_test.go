package monitoring

import "testing"

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	if metrics.OpsProcessed == nil {
		t.Error("Expected OpsProcessed to be initialized")
	}
	if metrics.MergeConflicts == nil {
		t.Error("Expected MergeConflicts to be initialized")
	}
	if metrics.MergeRejections == nil {
		t.Error("Expected MergeRejections to be initialized")
	}
	if metrics.WriteLatency == nil {
		t.Error("Expected WriteLatency to be initialized")
	}
	if metrics.ActiveConnections == nil {
		t.Error("Expected ActiveConnections to be initialized")
	}
	if metrics.WorkerPoolQueueDepth == nil {
		t.Error("Expected WorkerPoolQueueDepth to be initialized")
	}
	if metrics.GCTombstonesPruned == nil {
		t.Error("Expected GCTombstonesPruned to be initialized")
	}
	if metrics.ResolverLatency == nil {
		t.Error("Expected ResolverLatency to be initialized")
	}
	if metrics.CacheHits == nil {
		t.Error("Expected CacheHits to be initialized")
	}
	if metrics.ErrorCount == nil {
		t.Error("Expected ErrorCount to be initialized")
	}
	if metrics.IndexSize == nil {
		t.Error("Expected IndexSize to be initialized")
	}
}
