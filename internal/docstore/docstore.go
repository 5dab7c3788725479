// Package docstore defines the document store every coordination engine writes
// through: create, get, filtered queries, conditional updates, atomic sections
// and live subscriptions delivering whole re-derived result sets.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("docstore: not found")
	ErrAlreadyExists      = errors.New("docstore: already exists")
	ErrPreconditionFailed = errors.New("docstore: precondition failed")
	ErrUnavailable        = errors.New("docstore: unavailable")
	ErrInvalidQuery       = errors.New("docstore: invalid query")
)

// Fields is a JSON object body. Values are normalised to what encoding/json
// produces when decoding into any.
type Fields map[string]any

// Document is one stored record.
type Document struct {
	ID        string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    Fields
}

// Reader is the read half of the store contract.
type Reader interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
}

// Writer is the write half of the store contract.
type Writer interface {
	// Create inserts doc. An empty ID is assigned. ErrAlreadyExists on a clash.
	Create(ctx context.Context, collection string, doc Document) (Document, error)
	// ConditionalUpdate merges patch into the top level of the record only if every
	// key in expected currently holds the given value; otherwise ErrPreconditionFailed.
	ConditionalUpdate(ctx context.Context, collection, id string, expected, patch Fields) (Document, error)
}

// Tx is the view handed to an atomic section.
type Tx interface {
	Reader
	Writer
}

// Store is a complete document store backend.
type Store interface {
	Tx
	// Subscribe returns once the first snapshot of q is ready on the subscription.
	Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error)
	// Atomically runs fn so that all its reads and writes commit together, serialised
	// against other sections using the same key. Writes are discarded if fn errors.
	Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
