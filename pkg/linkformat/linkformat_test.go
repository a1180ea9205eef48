// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package linkformat

import (
	"math"
	"strings"
	"testing"

	"github.com/absmach/mendpoint/pkg/alloc"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, resources ...*resource.Resource) *resource.Store {
	t.Helper()
	s, err := resource.NewStore(nil)
	require.NoError(t, err)
	for _, r := range resources {
		require.NoError(t, s.Create(r))
	}
	return s
}

func TestBuildSingleResource(t *testing.T) {
	s := newStore(t, &resource.Resource{Path: "sen/temp", ResourceType: "t", Publish: true})

	size, err := Size(Eligible(s, Register))
	require.NoError(t, err)

	body, err := Build(s, Register, nil)
	require.NoError(t, err)
	assert.Equal(t, `</sen/temp>;rt="t"`, string(body))
	assert.Equal(t, int(size), len(body))
}

func TestBuildAttributes(t *testing.T) {
	s := newStore(t,
		&resource.Resource{Path: "a", Publish: true, Interface: "core.s", ContentType: 50, Observable: true},
		&resource.Resource{Path: "hidden", Publish: false},
		&resource.Resource{Path: "b/c", Publish: true, ResourceType: "x", Interface: "y", ContentType: 0},
	)

	resources := Eligible(s, Discovery)
	size, err := Size(resources)
	require.NoError(t, err)

	body, err := Build(s, Discovery, nil)
	require.NoError(t, err)
	assert.Equal(t, `</b/c>;rt="x";if="y",</a>;if="core.s";ct="50";obs`, string(body))
	assert.Equal(t, int(size), len(body))

	for _, r := range resources {
		assert.Equal(t, resource.NotRegistered, r.Registered)
	}
}

func TestBuildEmpty(t *testing.T) {
	s := newStore(t, &resource.Resource{Path: "a"})

	body, err := Build(s, Register, nil)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestUpdateExcludesRegistered(t *testing.T) {
	s := newStore(t, &resource.Resource{Path: "sen/temp", ResourceType: "t", Publish: true})

	body, err := Build(s, Register, nil)
	require.NoError(t, err)
	require.NotEmpty(t, body)

	res, err := s.Search("sen/temp", resource.Exact)
	require.NoError(t, err)
	assert.Equal(t, resource.Registered, res.Registered)

	body, err = Build(s, Update, nil)
	require.NoError(t, err)
	assert.Len(t, body, 0)

	require.NoError(t, s.Create(&resource.Resource{Path: "new", Publish: true}))
	body, err = Build(s, Update, nil)
	require.NoError(t, err)
	assert.Equal(t, "</new>", string(body))

	added, err := s.Search("new", resource.Exact)
	require.NoError(t, err)
	assert.Equal(t, resource.Registering, added.Registered)

	body, err = Build(s, Discovery, nil)
	require.NoError(t, err)
	assert.Equal(t, "</new>,</sen/temp>", string(body))
}

func TestBuildAllocationFailure(t *testing.T) {
	s := newStore(t, &resource.Resource{Path: "sen/temp", Publish: true})

	body, err := Build(s, Register, alloc.NewBudget(4))
	assert.ErrorIs(t, err, nerrors.ErrAllocationFailure)
	assert.Nil(t, body)

	res, err := s.Search("sen/temp", resource.Exact)
	require.NoError(t, err)
	assert.Equal(t, resource.NotRegistered, res.Registered)
}

func TestSizeOverflow(t *testing.T) {
	long := strings.Repeat("p", 40000)
	resources := []*resource.Resource{
		{Path: long, Publish: true},
		{Path: long, Publish: true},
	}

	_, err := Size(resources)
	assert.ErrorIs(t, err, nerrors.ErrSizeOverflow)

	_, err = Size([]*resource.Resource{{Path: strings.Repeat("p", math.MaxUint16+1)}})
	assert.ErrorIs(t, err, nerrors.ErrSizeOverflow)
}

func TestFitsUint16(t *testing.T) {
	tests := []struct {
		total, a, b uint16
		want        bool
	}{
		{0, 0, 0, true},
		{0, math.MaxUint16, 0, true},
		{1, math.MaxUint16, 0, false},
		{0, math.MaxUint16, 1, false},
		{math.MaxUint16, 1, 0, false},
		{100, 200, 300, true},
		{65000, 500, 35, true},
		{65000, 500, 36, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FitsUint16(tt.total, tt.a, tt.b), "%d+%d+%d", tt.total, tt.a, tt.b)
	}

	// Never report ok when the true sum exceeds the range.
	for _, total := range []uint16{0, 1, 255, 32768, 65534, 65535} {
		for _, a := range []uint16{0, 1, 255, 32768, 65535} {
			for _, b := range []uint16{0, 1, 1000, 32767, 65535} {
				sum := int(total) + int(a) + int(b)
				if FitsUint16(total, a, b) {
					assert.LessOrEqual(t, sum, math.MaxUint16)
				} else {
					assert.Greater(t, sum, math.MaxUint16)
				}
			}
		}
	}
}
