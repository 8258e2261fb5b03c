package query

import (
	"context"
	"testing"

	"github.com/latticedb/engine/internal/coordinator"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/merkle"
)

func newTestCoordinator(t *testing.T, mapName string) *coordinator.Coordinator {
	t.Helper()
	c := coordinator.New(coordinator.Config{NodeID: "a"})
	m := crdt.NewLWWMap(clock.New("a"), merkle.DefaultConfig())
	c.RegisterLWWMap(mapName, m)
	return c
}

func TestParseGetWithoutWhereClause(t *testing.T) {
	p := &KNIRVQLParser{}
	q, err := p.Parse("GET docs")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Type != QueryGet || q.MapName != "docs" || len(q.Filters) != 0 {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseGetWithWhereAndLimit(t *testing.T) {
	p := &KNIRVQLParser{}
	q, err := p.Parse(`GET docs WHERE value = "hello" LIMIT 5`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.MapName != "docs" || q.Limit != 5 {
		t.Fatalf("unexpected query: %+v", q)
	}
	if len(q.Filters) != 1 || q.Filters[0].Key != "value" || q.Filters[0].Operator != "=" {
		t.Fatalf("unexpected filters: %+v", q.Filters)
	}
}

func TestParseSet(t *testing.T) {
	p := &KNIRVQLParser{}
	q, err := p.Parse(`SET docs x = "hello world"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Type != QuerySet || q.MapName != "docs" || q.Key != "x" || q.Value != "hello world" {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseDelete(t *testing.T) {
	p := &KNIRVQLParser{}
	q, err := p.Parse("DELETE docs WHERE key = x")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Type != QueryDelete || q.MapName != "docs" || q.Key != "x" {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	p := &KNIRVQLParser{}
	if _, err := p.Parse("FROBNICATE docs"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestFilterMatchesNumericComparison(t *testing.T) {
	f := Filter{Key: "value", Operator: ">", Value: 10.0}
	if !f.Matches(20.0) {
		t.Fatal("expected 20 > 10 to match")
	}
	if f.Matches(5.0) {
		t.Fatal("expected 5 > 10 to not match")
	}
}

func TestFilterMatchesContains(t *testing.T) {
	f := Filter{Key: "value", Operator: "contains", Value: "ell"}
	if !f.Matches("hello") {
		t.Fatal("expected contains to match")
	}
}

func TestExecuteSetThenGetRoundTrips(t *testing.T) {
	coord := newTestCoordinator(t, "docs")
	ctx := context.Background()

	setQ, err := (&KNIRVQLParser{}).Parse(`SET docs greeting = "hello"`)
	if err != nil {
		t.Fatalf("Parse SET: %v", err)
	}
	if _, err := setQ.Execute(ctx, coord); err != nil {
		t.Fatalf("Execute SET: %v", err)
	}

	getQ, err := (&KNIRVQLParser{}).Parse("GET docs")
	if err != nil {
		t.Fatalf("Parse GET: %v", err)
	}
	result, err := getQ.Execute(ctx, coord)
	if err != nil {
		t.Fatalf("Execute GET: %v", err)
	}
	keys, ok := result.([]string)
	if !ok || len(keys) != 1 || keys[0] != "greeting" {
		t.Fatalf("unexpected GET result: %+v", result)
	}
}

func TestExecuteDeleteRemovesKey(t *testing.T) {
	coord := newTestCoordinator(t, "docs")
	ctx := context.Background()

	mustExecute(t, coord, `SET docs x = "1"`)
	mustExecute(t, coord, "DELETE docs WHERE key = x")

	result := mustExecute(t, coord, "GET docs")
	keys, _ := result.([]string)
	if len(keys) != 0 {
		t.Fatalf("expected key to be removed, got %+v", keys)
	}
}

func TestExecuteGetAppliesLimit(t *testing.T) {
	coord := newTestCoordinator(t, "docs")

	mustExecute(t, coord, `SET docs a = "1"`)
	mustExecute(t, coord, `SET docs b = "2"`)
	mustExecute(t, coord, `SET docs c = "3"`)

	result := mustExecute(t, coord, "GET docs LIMIT 2")
	keys, _ := result.([]string)
	if len(keys) != 2 {
		t.Fatalf("expected LIMIT to cap results at 2, got %d", len(keys))
	}
}

func mustExecute(t *testing.T, coord *coordinator.Coordinator, query string) interface{} {
	t.Helper()
	q, err := (&KNIRVQLParser{}).Parse(query)
	if err != nil {
		t.Fatalf("Parse %q: %v", query, err)
	}
	result, err := q.Execute(context.Background(), coord)
	if err != nil {
		t.Fatalf("Execute %q: %v", query, err)
	}
	return result
}
