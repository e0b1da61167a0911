// Package ident hands out identifiers for scheduled announcements.
package ident

import (
	"context"
	"errors"
	"fmt"

	"github.com/koorzenb/announcement-scheduler/internal/storage"
)

// maxProbe bounds how many sequence values are skipped when they collide
// with entries already in the store.
const maxProbe = 64

// Sequence is the slice of storage.Store the allocator needs.
type Sequence interface {
	NextID(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (storage.Entry, error)
}

// Allocator returns identifiers that are unique among live entries and
// never reused after a restart. Safe for concurrent use.
type Allocator struct {
	seq Sequence
}

func New(seq Sequence) *Allocator { return &Allocator{seq: seq} }

// Allocate reserves a fresh identifier.
func (a *Allocator) Allocate(ctx context.Context) (int64, error) {
	for i := 0; i < maxProbe; i++ {
		id, err := a.seq.NextID(ctx)
		if err != nil {
			return 0, fmt.Errorf("reserve id: %w", err)
		}
		_, err = a.seq.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return 0, fmt.Errorf("check id %d: %w", id, err)
		}
	}
	return 0, fmt.Errorf("reserve id: %d consecutive collisions", maxProbe)
}
