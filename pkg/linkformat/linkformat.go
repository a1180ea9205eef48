// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package linkformat serializes the resource store into the CoRE Link Format
// body sent on registration, registration update and discovery.
package linkformat

import (
	"fmt"
	"math"
	"strconv"

	"github.com/absmach/mendpoint/pkg/alloc"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/resource"
)

// Mode selects which resources are listed and how their registration state
// changes.
type Mode uint8

const (
	// Register lists every published resource and marks it Registered.
	Register Mode = iota
	// Update lists published resources not yet Registered and marks them
	// Registering until the directory confirms.
	Update
	// Discovery lists every published resource and changes nothing.
	Discovery
)

func (m Mode) String() string {
	switch m {
	case Register:
		return "register"
	case Update:
		return "update"
	case Discovery:
		return "discovery"
	default:
		return "unknown"
	}
}

const (
	pathOverhead = len("</>")
	attrOverhead = len(`;rt=""`)
	ctOverhead   = len(`;ct=""`)
	obsAttr      = ";obs"
)

// FitsUint16 reports whether neither a+b nor total+a+b exceeds the range of
// a 16-bit counter.
func FitsUint16(total, a, b uint16) bool {
	sum := uint32(a) + uint32(b)
	return sum <= math.MaxUint16 && uint32(total)+sum <= math.MaxUint16
}

// Eligible returns the resources Build lists for mode, in store order.
func Eligible(store *resource.Store, mode Mode) []*resource.Resource {
	var out []*resource.Resource
	for res, c, ok := store.Next(resource.Cursor{}); ok; res, c, ok = store.Next(c) {
		if !res.Publish {
			continue
		}
		if mode == Update && res.Registered == resource.Registered {
			continue
		}
		out = append(out, res)
	}
	return out
}

// Size returns the exact serialized length of resources. It fails with
// ErrSizeOverflow once the length no longer fits 16 bits.
func Size(resources []*resource.Resource) (uint16, error) {
	var (
		total uint16
		err   error
	)
	for i, res := range resources {
		if i > 0 {
			if total, err = grow(total, 1, 0); err != nil {
				return 0, err
			}
		}
		if total, err = grow(total, pathOverhead, len(res.Path)); err != nil {
			return 0, err
		}
		if res.ResourceType != "" {
			if total, err = grow(total, attrOverhead, len(res.ResourceType)); err != nil {
				return 0, err
			}
		}
		if res.Interface != "" {
			if total, err = grow(total, attrOverhead, len(res.Interface)); err != nil {
				return 0, err
			}
		}
		if res.ContentType != 0 {
			if total, err = grow(total, ctOverhead, digits(res.ContentType)); err != nil {
				return 0, err
			}
		}
		if res.Observable {
			if total, err = grow(total, len(obsAttr), 0); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// Build serializes the store for mode into a buffer taken from a. An empty
// body with no error is returned when no resource is eligible.
func Build(store *resource.Store, mode Mode, a alloc.Allocator) ([]byte, error) {
	if a == nil {
		a = alloc.Heap{}
	}

	resources := Eligible(store, mode)
	if len(resources) == 0 {
		return nil, nil
	}

	size, err := Size(resources)
	if err != nil {
		return nil, err
	}

	buf, err := a.Alloc(int(size))
	if err != nil {
		return nil, nerrors.New("build link format", "", err)
	}

	b := buf[:0]
	for i, res := range resources {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, "</"...)
		b = append(b, res.Path...)
		b = append(b, '>')
		if res.ResourceType != "" {
			b = appendAttr(b, "rt", res.ResourceType)
		}
		if res.Interface != "" {
			b = appendAttr(b, "if", res.Interface)
		}
		if res.ContentType != 0 {
			b = appendAttr(b, "ct", strconv.FormatUint(uint64(res.ContentType), 10))
		}
		if res.Observable {
			b = append(b, obsAttr...)
		}
	}
	if len(b) != int(size) {
		a.Free(buf)
		return nil, fmt.Errorf("link format body is %d bytes, expected %d", len(b), size)
	}

	switch mode {
	case Register:
		for _, res := range resources {
			res.Registered = resource.Registered
		}
	case Update:
		for _, res := range resources {
			res.Registered = resource.Registering
		}
	}

	return buf, nil
}

func grow(total uint16, fixed, n int) (uint16, error) {
	if n > math.MaxUint16 || !FitsUint16(total, uint16(fixed), uint16(n)) {
		return 0, nerrors.ErrSizeOverflow
	}
	return total + uint16(fixed) + uint16(n), nil
}

func appendAttr(b []byte, name, value string) []byte {
	b = append(b, ';')
	b = append(b, name...)
	b = append(b, '=', '"')
	b = append(b, value...)
	return append(b, '"')
}

func digits(v uint16) int {
	return len(strconv.FormatUint(uint64(v), 10))
}
