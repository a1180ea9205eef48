// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"encoding/binary"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	resourceTable = "resources"

	pathIndex = "id"
	seqIndex  = "seq"
)

// entry is the stored row. Seq orders traversal; lower values come first.
type entry struct {
	Path string
	Seq  uint64
	Res  *Resource
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			resourceTable: {
				Name: resourceTable,
				Indexes: map[string]*memdb.IndexSchema{
					pathIndex: {
						Name:         pathIndex,
						AllowMissing: false,
						Unique:       true,
						Indexer:      pathIndexer{},
					},
					seqIndex: {
						Name:         seqIndex,
						AllowMissing: false,
						Unique:       true,
						Indexer:      seqIndexer{},
					},
				},
			},
		},
	}
}

// pathIndexer indexes entries by their normalized path.
type pathIndexer struct{}

func (pathIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	e, ok := obj.(*entry)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a resource entry", obj)
	}
	return true, []byte(e.Path + "\x00"), nil
}

func (pathIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	arg, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	return []byte(arg + "\x00"), nil
}

func (p pathIndexer) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	val, err := p.FromArgs(args...)
	if err != nil {
		return nil, err
	}

	// Strip the null terminator, the rest is a prefix
	n := len(val)
	if n > 0 {
		return val[:n-1], nil
	}
	return val, nil
}

// seqIndexer encodes Seq big-endian so radix order matches numeric order.
type seqIndexer struct{}

func (seqIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	e, ok := obj.(*entry)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a resource entry", obj)
	}
	return true, binary.BigEndian.AppendUint64(nil, e.Seq), nil
}

func (seqIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	seq, ok := args[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("argument must be a uint64: %#v", args[0])
	}
	return binary.BigEndian.AppendUint64(nil, seq), nil
}
