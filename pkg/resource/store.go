// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"sync/atomic"

	"github.com/absmach/mendpoint/pkg/alloc"
	"github.com/absmach/mendpoint/pkg/coap"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	memdb "github.com/hashicorp/go-memdb"
)

// SearchMode selects how Search matches a path.
type SearchMode uint8

const (
	// Exact matches the path itself.
	Exact SearchMode = iota
	// Subresource matches any strict "/"-delimited descendant of the path.
	Subresource
)

// Cursor is a restartable position in the store traversal. The zero Cursor
// starts from the first resource.
type Cursor struct {
	next uint64
}

// Store owns the resource tree. Created resources are traversed before older
// ones.
type Store struct {
	db    *memdb.MemDB
	alloc alloc.Allocator
	seq   atomic.Uint64
}

// NewStore creates an empty store whose value buffers come from a.
func NewStore(a alloc.Allocator) (*Store, error) {
	if a == nil {
		a = alloc.Heap{}
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource store: %w", err)
	}
	return &Store{db: db, alloc: a}, nil
}

// Create stores a deep copy of r. The copy starts NotRegistered.
func (s *Store) Create(r *Resource) error {
	path := coap.TrimPath(r.Path)
	if path == "" {
		return nerrors.New("create", r.Path, nerrors.ErrInvalidPath)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(resourceTable, pathIndex, path); err != nil {
		return nerrors.New("create", path, err)
	} else if existing != nil {
		return nerrors.New("create", path, nerrors.ErrAlreadyExists)
	}

	value, err := alloc.Copy(s.alloc, r.Value)
	if err != nil {
		return nerrors.New("create", path, err)
	}

	res := *r
	res.Path = path
	res.Value = value
	res.Registered = NotRegistered
	res.external = false

	if err := s.insert(txn, &res); err != nil {
		s.alloc.Free(value)
		return nerrors.New("create", path, err)
	}
	txn.Commit()
	return nil
}

// Put stores r itself without copying. The caller keeps ownership of the
// value buffer and must keep r alive while it is stored. r.Path is
// normalized in place.
func (s *Store) Put(r *Resource) error {
	path := coap.TrimPath(r.Path)
	if path == "" {
		return nerrors.New("put", r.Path, nerrors.ErrInvalidPath)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(resourceTable, pathIndex, path); err != nil {
		return nerrors.New("put", path, err)
	} else if existing != nil {
		return nerrors.New("put", path, nerrors.ErrAlreadyExists)
	}

	r.Path = path
	r.Registered = NotRegistered
	r.external = true

	if err := s.insert(txn, r); err != nil {
		return nerrors.New("put", path, err)
	}
	txn.Commit()
	return nil
}

// Search looks a path up. It returns ErrNotFound when nothing matches.
func (s *Store) Search(path string, mode SearchMode) (*Resource, error) {
	path = coap.TrimPath(path)
	if path == "" {
		return nil, nerrors.New("search", path, nerrors.ErrInvalidPath)
	}

	txn := s.db.Txn(false)
	var (
		obj interface{}
		err error
	)
	switch mode {
	case Subresource:
		obj, err = txn.First(resourceTable, pathIndex+"_prefix", path+"/")
	default:
		obj, err = txn.First(resourceTable, pathIndex, path)
	}
	if err != nil {
		return nil, nerrors.New("search", path, err)
	}
	if obj == nil {
		return nil, nerrors.New("search", path, nerrors.ErrNotFound)
	}
	return obj.(*entry).Res, nil
}

// Update replaces the value, access, mode and handler of the resource at
// r.Path. The new value is copied; the old one is freed unless externally
// owned. On allocation failure the stored resource is left unchanged.
func (s *Store) Update(r *Resource) error {
	res, err := s.Search(r.Path, Exact)
	if err != nil {
		return nerrors.New("update", r.Path, nerrors.ErrNotFound)
	}
	if err := s.replaceValue(res, r.Value); err != nil {
		return nerrors.New("update", res.Path, err)
	}
	res.Access = r.Access
	res.Mode = r.Mode
	res.Handler = r.Handler
	return nil
}

// SetValue replaces only the value of the resource at path.
func (s *Store) SetValue(path string, value []byte) error {
	res, err := s.Search(path, Exact)
	if err != nil {
		return nerrors.New("set value", path, nerrors.ErrNotFound)
	}
	if err := s.replaceValue(res, value); err != nil {
		return nerrors.New("set value", res.Path, err)
	}
	return nil
}

// Delete removes the resource at path and all of its subresources.
func (s *Store) Delete(path string) error {
	path = coap.TrimPath(path)
	if path == "" {
		return nerrors.New("delete", path, nerrors.ErrInvalidPath)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(resourceTable, pathIndex, path)
	if err != nil {
		return nerrors.New("delete", path, err)
	}
	if obj == nil {
		return nerrors.New("delete", path, nerrors.ErrNotFound)
	}

	victims := []*entry{obj.(*entry)}
	it, err := txn.Get(resourceTable, pathIndex+"_prefix", path+"/")
	if err != nil {
		return nerrors.New("delete", path, err)
	}
	for o := it.Next(); o != nil; o = it.Next() {
		victims = append(victims, o.(*entry))
	}

	for _, e := range victims {
		if err := txn.Delete(resourceTable, e); err != nil {
			return nerrors.New("delete", e.Path, err)
		}
	}
	txn.Commit()

	for _, e := range victims {
		if !e.Res.external {
			s.alloc.Free(e.Res.Value)
		}
	}
	return nil
}

// Next returns the resource at or after c and the cursor following it.
// ok is false once the traversal is exhausted. Resources removed between
// calls are skipped.
func (s *Store) Next(c Cursor) (res *Resource, next Cursor, ok bool) {
	txn := s.db.Txn(false)
	it, err := txn.LowerBound(resourceTable, seqIndex, c.next)
	if err != nil {
		return nil, c, false
	}
	obj := it.Next()
	if obj == nil {
		return nil, c, false
	}
	e := obj.(*entry)
	return e.Res, Cursor{next: e.Seq + 1}, true
}

// All returns every stored resource in traversal order.
func (s *Store) All() []*Resource {
	var all []*Resource
	for res, c, ok := s.Next(Cursor{}); ok; res, c, ok = s.Next(c) {
		all = append(all, res)
	}
	return all
}

// MarkRegistered moves every Registering resource to Registered.
func (s *Store) MarkRegistered() {
	for _, res := range s.All() {
		if res.Registered == Registering {
			res.Registered = Registered
		}
	}
}

// Len returns the number of stored resources.
func (s *Store) Len() int {
	txn := s.db.Txn(false)
	it, err := txn.Get(resourceTable, pathIndex)
	if err != nil {
		return 0
	}
	n := 0
	for o := it.Next(); o != nil; o = it.Next() {
		n++
	}
	return n
}

// Clear removes every resource.
func (s *Store) Clear() {
	for _, res := range s.All() {
		_ = s.Delete(res.Path)
	}
}

func (s *Store) insert(txn *memdb.Txn, r *Resource) error {
	// Sequence numbers count down from the top so newer entries sort first.
	seq := ^s.seq.Add(1)
	return txn.Insert(resourceTable, &entry{Path: r.Path, Seq: seq, Res: r})
}

func (s *Store) replaceValue(res *Resource, value []byte) error {
	buf, err := alloc.Copy(s.alloc, value)
	if err != nil {
		return err
	}
	if !res.external {
		s.alloc.Free(res.Value)
	}
	res.Value = buf
	res.external = false
	return nil
}
