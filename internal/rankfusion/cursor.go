package rankfusion

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is an opaque pagination marker over a ranked result set (§4.2):
// it carries just enough state (the query and how far into the fused
// ordering the client has already consumed) to resume a Rank call without
// the client ever inspecting or constructing it by hand.
type Cursor struct {
	Query  string `json:"q"`
	Offset int    `json:"o"`
}

// Encode serializes c into an opaque string token.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token previously produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("rankfusion: malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("rankfusion: malformed cursor payload: %w", err)
	}
	return c, nil
}

// Page slices ranked (a full fused ordering) into the page starting at
// cursor's offset, returning the page and a cursor for the next page (nil
// once the ranking is exhausted).
func Page(ranked []string, cursor Cursor, pageSize int) (page []string, next *Cursor) {
	if pageSize <= 0 {
		pageSize = len(ranked)
	}
	start := cursor.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(ranked) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(ranked) {
		end = len(ranked)
	}
	page = ranked[start:end]
	if end < len(ranked) {
		next = &Cursor{Query: cursor.Query, Offset: end}
	}
	return page, next
}
