package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/jnst/tender-ledger/internal/model"
)

const memoryTable = "documents"

type memoryDocument struct {
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// MemoryRepository is a Repository kept in a go-memdb database. Aggregates
// are stored encoded, so callers never share memory with the store.
type MemoryRepository[T any] struct {
	db  *memdb.MemDB
	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository[T any]() (*MemoryRepository[T], error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			memoryTable: {
				Name: memoryTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}

	return &MemoryRepository[T]{db: db, now: time.Now}, nil
}

// Get retrieves an aggregate by id.
func (r *MemoryRepository[T]) Get(_ context.Context, id string) (T, error) {
	var aggregate T

	txn := r.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(memoryTable, "id", id)
	if err != nil {
		return aggregate, fmt.Errorf("failed to get %s: %w", id, err)
	}

	if raw == nil {
		return aggregate, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}

	if err := json.Unmarshal(raw.(*memoryDocument).Data, &aggregate); err != nil {
		return aggregate, fmt.Errorf("failed to decode %s: %w", id, err)
	}

	return aggregate, nil
}

// Save overwrites the aggregate stored under id.
func (r *MemoryRepository[T]) Save(_ context.Context, id string, aggregate T, _ SaveOptions) error {
	data, err := json.Marshal(aggregate)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", id, err)
	}

	txn := r.db.Txn(true)
	defer txn.Abort()

	doc := &memoryDocument{
		ID:        id,
		Data:      data,
		UpdatedAt: r.now(),
	}

	if err := txn.Insert(memoryTable, doc); err != nil {
		return fmt.Errorf("failed to save %s: %w", id, err)
	}

	txn.Commit()

	return nil
}

// Len returns the number of stored aggregates.
func (r *MemoryRepository[T]) Len() int {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(memoryTable, "id")
	if err != nil {
		return 0
	}

	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}

	return n
}
