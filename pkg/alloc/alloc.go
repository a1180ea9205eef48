// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package alloc provides the buffer allocators injected into the endpoint
// engine. Constrained deployments bound the bytes held by the resource store
// and outgoing payloads with a Budget.
package alloc

import (
	"sync"

	nerrors "github.com/absmach/mendpoint/pkg/errors"
)

// Allocator hands out and takes back byte buffers.
type Allocator interface {
	// Alloc returns a zeroed buffer of exactly n bytes.
	Alloc(n int) ([]byte, error)

	// Free returns a buffer obtained from Alloc.
	Free(b []byte)
}

// Heap allocates from the Go heap without limit.
type Heap struct{}

var _ Allocator = Heap{}

func (Heap) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, nerrors.ErrInvalidArgument
	}
	if n == 0 {
		return nil, nil
	}
	return make([]byte, n), nil
}

func (Heap) Free([]byte) {}

// Budget caps the number of bytes outstanding at any time.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

var _ Allocator = (*Budget)(nil)

// NewBudget creates an allocator that fails once limit bytes are in use.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Alloc returns ErrAllocationFailure if n bytes would exceed the budget.
func (b *Budget) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, nerrors.ErrInvalidArgument
	}
	if n == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.used+n > b.limit {
		return nil, nerrors.ErrAllocationFailure
	}
	b.used += n
	return make([]byte, n), nil
}

// Free releases len(buf) bytes back to the budget.
func (b *Budget) Free(buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used -= len(buf)
	if b.used < 0 {
		b.used = 0
	}
}

// Used returns the bytes currently outstanding.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Copy allocates a buffer from a and copies src into it.
func Copy(a Allocator, src []byte) ([]byte, error) {
	buf, err := a.Alloc(len(src))
	if err != nil {
		return nil, err
	}
	copy(buf, src)
	return buf, nil
}
