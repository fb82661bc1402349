// Package docstore defines the document-store collaborator consumed by the
// compliance core: key-value documents addressed by collection and id,
// queryable by equality and range predicates.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist. Callers rely on
// this to distinguish "no matching record" from a failed store call.
var ErrNotFound = errors.New("docstore: document not found")

// Document is a schemaless record as stored
type Document map[string]interface{}

// Op is a query predicate operator
type Op string

const (
	OpEq  Op = "=="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Filter is a single field predicate
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// Query describes a filtered, ordered, bounded collection scan
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where appends an equality or range predicate to the query
func (q Query) Where(field string, op Op, value interface{}) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Store is the document-store contract. An ambiguous transport failure is
// reported as an error and must never be conflated with ErrNotFound.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Put(ctx context.Context, collection, id string, doc Document) error
	// PutBatch writes all documents atomically: either every document in the
	// batch is persisted or none is.
	PutBatch(ctx context.Context, collection string, docs map[string]Document) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
}

// Marshal converts a typed value into a Document via its JSON form
func Marshal(v interface{}) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}

	return doc, nil
}

// Unmarshal converts a Document back into a typed value
func Unmarshal(doc Document, v interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return nil
}
