package search

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BulkOperation is one action in a bulk request.
type BulkOperation struct {
	Action  string // "index" or "delete"
	Index   string
	ID      string
	Routing string
	Doc     any // nil for deletes
}

// BulkRequest accumulates index and delete operations for a single _bulk
// call. It keeps the operations structured so callers can inspect them and
// renders the NDJSON body only when the request is executed.
type BulkRequest struct {
	ops []BulkOperation
}

// NewBulkRequest returns an empty bulk request.
func NewBulkRequest() *BulkRequest {
	return &BulkRequest{}
}

// Index appends an index operation. Indexing an existing document id
// replaces the document.
func (b *BulkRequest) Index(index, id string, doc any) {
	b.ops = append(b.ops, BulkOperation{Action: "index", Index: index, ID: id, Doc: doc})
}

// IndexWithRouting appends an index operation with explicit routing, used
// for child documents that must land on their parent's shard.
func (b *BulkRequest) IndexWithRouting(index, id, routing string, doc any) {
	b.ops = append(b.ops, BulkOperation{Action: "index", Index: index, ID: id, Routing: routing, Doc: doc})
}

// Delete appends a delete operation.
func (b *BulkRequest) Delete(index, id string) {
	b.ops = append(b.ops, BulkOperation{Action: "delete", Index: index, ID: id})
}

// DeleteWithRouting appends a delete operation with explicit routing.
func (b *BulkRequest) DeleteWithRouting(index, id, routing string) {
	b.ops = append(b.ops, BulkOperation{Action: "delete", Index: index, ID: id, Routing: routing})
}

// Len returns the number of accumulated operations.
func (b *BulkRequest) Len() int {
	return len(b.ops)
}

// Operations returns the accumulated operations in order.
func (b *BulkRequest) Operations() []BulkOperation {
	return b.ops
}

// Body renders the NDJSON payload for the _bulk endpoint.
func (b *BulkRequest) Body() ([]byte, error) {
	var buf bytes.Buffer
	for _, op := range b.ops {
		meta := map[string]map[string]string{
			op.Action: {"_index": op.Index, "_id": op.ID},
		}
		if op.Routing != "" {
			meta[op.Action]["routing"] = op.Routing
		}
		line, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')

		if op.Action == "index" {
			doc, err := json.Marshal(op.Doc)
			if err != nil {
				return nil, fmt.Errorf("failed to encode document %s: %w", op.ID, err)
			}
			buf.Write(doc)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}
