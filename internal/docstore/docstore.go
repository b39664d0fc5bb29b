// Package docstore is a small document database API: collections of JSON
// documents addressed by id, equality/range filters, collection-group queries
// and atomic write batches.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxBatchWrites is the largest number of operations a single batch accepts.
const MaxBatchWrites = 500

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrBatchTooLarge = fmt.Errorf("docstore: batch exceeds %d writes", MaxBatchWrites)
	ErrInvalidPath   = errors.New("docstore: invalid collection path")
)

type sentinel string

// ServerTimestamp is replaced by the store clock when the document is written.
var ServerTimestamp = sentinel("serverTimestamp")

// DeleteField removes the field when passed to Update.
var DeleteField = sentinel("deleteField")

type Op string

const (
	OpEq            Op = "=="
	OpLt            Op = "<"
	OpLte           Op = "<="
	OpGt            Op = ">"
	OpGte           Op = ">="
	OpArrayContains Op = "array-contains"
	OpIn            Op = "in"

	// OpExists matches documents where the field is present and not null;
	// the filter value is ignored.
	OpExists Op = "exists"
)

type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

func Where(field string, op Op, value interface{}) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func Exists(field string) Filter {
	return Filter{Field: field, Op: OpExists}
}

// Store is implemented by the postgres and memory backends.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// QueryGroup queries every collection whose last path segment is group.
	QueryGroup(ctx context.Context, group string, filters ...Filter) ([]Document, error)
	Set(ctx context.Context, collection, id string, data map[string]interface{}) error
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error
	Delete(ctx context.Context, collection, id string) error
	NewBatch() Batch
}

// Batch collects writes that are committed atomically.
type Batch interface {
	Set(collection, id string, data map[string]interface{})
	Update(collection, id string, fields map[string]interface{})
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

// Sub returns the path of a sub-collection below parent/id.
func Sub(parent, id, child string) string {
	return parent + "/" + id + "/" + child
}

// Group returns the collection-group name of a collection path.
func Group(collection string) string {
	if idx := strings.LastIndex(collection, "/"); idx >= 0 {
		return collection[idx+1:]
	}
	return collection
}

func validPath(collection string) bool {
	if collection == "" {
		return false
	}
	parts := strings.Split(collection, "/")
	if len(parts)%2 == 0 {
		return false
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return false
		}
	}
	return true
}

type writeKind int

const (
	writeSet writeKind = iota
	writeUpdate
	writeDelete
)

type write struct {
	kind       writeKind
	collection string
	id         string
	data       map[string]interface{}
}

func checkWrites(writes []write) error {
	if len(writes) > MaxBatchWrites {
		return ErrBatchTooLarge
	}
	for _, w := range writes {
		if !validPath(w.collection) || w.id == "" {
			return fmt.Errorf("%w: %q/%q", ErrInvalidPath, w.collection, w.id)
		}
	}
	return nil
}
