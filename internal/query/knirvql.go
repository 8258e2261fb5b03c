// Package query implements KNIRVQL, the text query language Component K's
// data-frame view and any direct client compiles against a Coordinator's
// maps instead of hand-building a coordinator.Filter closure (§6.2).
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/latticedb/engine/internal/coordinator"
	"github.com/latticedb/engine/internal/types"
)

// KNIRVQLParser parses KNIRVQL query strings into a Query.
type KNIRVQLParser struct{}

// Parse parses a single KNIRVQL statement.
func (p *KNIRVQLParser) Parse(query string) (*Query, error) {
	query = strings.TrimSpace(query)
	parts := strings.Fields(query)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty query")
	}

	switch strings.ToUpper(parts[0]) {
	case "GET":
		return p.parseGet(parts[1:])
	case "SET":
		return p.parseSet(parts[1:])
	case "DELETE":
		return p.parseDelete(parts[1:])
	default:
		return nil, fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (p *KNIRVQLParser) parseGet(parts []string) (*Query, error) {
	if len(parts) < 1 {
		return nil, fmt.Errorf("invalid GET query: missing map name")
	}

	mapName := parts[0]
	var filters []Filter
	limit := 0

	i := 1
	if i < len(parts) && strings.ToUpper(parts[i]) == "WHERE" {
		i++
		for i < len(parts) {
			if strings.ToUpper(parts[i]) == "LIMIT" {
				break
			}
			if strings.ToUpper(parts[i]) == "AND" {
				i++
				continue
			}
			if i+2 >= len(parts) {
				return nil, fmt.Errorf("invalid filter clause near %q", parts[i])
			}
			filters = append(filters, Filter{
				Key:      parts[i],
				Operator: parts[i+1],
				Value:    parseLiteral(strings.Trim(parts[i+2], `"`)),
			})
			i += 3
		}
	}

	if i < len(parts) && strings.ToUpper(parts[i]) == "LIMIT" {
		i++
		if i >= len(parts) {
			return nil, fmt.Errorf("LIMIT requires a value")
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return nil, fmt.Errorf("invalid LIMIT value %q: %w", parts[i], err)
		}
		limit = n
	}

	return &Query{Type: QueryGet, MapName: mapName, Filters: filters, Limit: limit}, nil
}

func (p *KNIRVQLParser) parseSet(parts []string) (*Query, error) {
	if len(parts) < 4 || parts[2] != "=" {
		return nil, fmt.Errorf("invalid SET query, expected: SET <map> <key> = <value>")
	}
	value := strings.Trim(strings.Join(parts[3:], " "), `"`)
	return &Query{Type: QuerySet, MapName: parts[0], Key: parts[1], Value: value}, nil
}

func (p *KNIRVQLParser) parseDelete(parts []string) (*Query, error) {
	if len(parts) < 4 || strings.ToUpper(parts[1]) != "WHERE" || parts[2] != "key" || parts[3] != "=" {
		return nil, fmt.Errorf("invalid DELETE query, expected: DELETE <map> WHERE key = <key>")
	}
	if len(parts) < 5 {
		return nil, fmt.Errorf("invalid DELETE query: missing key")
	}
	return &Query{Type: QueryDelete, MapName: parts[0], Key: strings.Trim(parts[4], `"`)}, nil
}

func parseLiteral(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// QueryType enumerates the statements KNIRVQL supports.
type QueryType int

const (
	QueryGet QueryType = iota
	QuerySet
	QueryDelete
)

// Filter is one WHERE clause term: key <operator> value.
type Filter struct {
	Key      string
	Operator string
	Value    interface{}
}

// Matches reports whether value satisfies this filter's operator against
// f.Value. Unsupported operators never match, so a typo in a query filters
// everything out rather than silently matching everything.
func (f Filter) Matches(value interface{}) bool {
	switch f.Operator {
	case "=", "==":
		return fmt.Sprint(value) == fmt.Sprint(f.Value)
	case "!=":
		return fmt.Sprint(value) != fmt.Sprint(f.Value)
	case ">", "<", ">=", "<=":
		lhs, lok := toFloat(value)
		rhs, rok := toFloat(f.Value)
		if !lok || !rok {
			return false
		}
		switch f.Operator {
		case ">":
			return lhs > rhs
		case "<":
			return lhs < rhs
		case ">=":
			return lhs >= rhs
		default:
			return lhs <= rhs
		}
	case "contains":
		return strings.Contains(fmt.Sprint(value), fmt.Sprint(f.Value))
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Query is one parsed KNIRVQL statement.
type Query struct {
	Type    QueryType
	MapName string
	Key     string
	Value   string
	Filters []Filter
	Limit   int
}

// CoordinatorFilter adapts q's WHERE clauses into a coordinator.Filter: a
// key/value pair passes only if every clause matches (conjunction), mapping
// each WHERE term's Key against the record's own key and (for the special
// key "value") against its stored value.
func (q *Query) CoordinatorFilter() coordinator.Filter {
	if len(q.Filters) == 0 {
		return nil
	}
	return func(key string, value interface{}) bool {
		for _, f := range q.Filters {
			target := value
			if f.Key != "value" {
				target = key
			}
			if !f.Matches(target) {
				return false
			}
		}
		return true
	}
}

// Execute runs q against coord, dispatching GET to Coordinator.Query (with
// q.Limit applied to the returned keys), SET to a PUT, and DELETE to a
// REMOVE.
func (q *Query) Execute(ctx context.Context, coord *coordinator.Coordinator) (interface{}, error) {
	switch q.Type {
	case QueryGet:
		sub, err := coord.Query(q.MapName, q.CoordinatorFilter())
		if err != nil {
			return nil, err
		}
		defer sub.Dispose()
		keys := sub.Keys()
		if q.Limit > 0 && len(keys) > q.Limit {
			keys = keys[:q.Limit]
		}
		return keys, nil
	case QuerySet:
		_, err := coord.ProcessLocalOp(ctx, q.MapName, q.Key, q.Value, types.OpPut, coordinator.WriteOptions{})
		return nil, err
	case QueryDelete:
		_, err := coord.ProcessLocalOp(ctx, q.MapName, q.Key, nil, types.OpRemove, coordinator.WriteOptions{})
		return nil, err
	default:
		return nil, fmt.Errorf("unsupported query type")
	}
}
