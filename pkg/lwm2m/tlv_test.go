// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"testing"

	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTLV(t *testing.T) {
	uri := []byte("coap://1.2.3.4:66")

	tests := []struct {
		name string
		data []byte
		want []TLV
	}{
		{
			name: "resource 0 with 8-bit length",
			data: append([]byte{0xC8, 0x00, byte(len(uri))}, uri...),
			want: []TLV{{Type: ResourceWithValue, ID: 0, Value: uri}},
		},
		{
			name: "inline length",
			data: []byte{0xC1, 0x02, 0x03},
			want: []TLV{{Type: ResourceWithValue, ID: 2, Value: []byte{0x03}}},
		},
		{
			name: "zero length",
			data: []byte{0xC0, 0x00},
			want: []TLV{{Type: ResourceWithValue, ID: 0, Value: []byte{}}},
		},
		{
			name: "16-bit id and 16-bit length",
			data: []byte{0xF0, 0x01, 0x00, 0x00, 0x02, 0xAA, 0xBB},
			want: []TLV{{Type: ResourceWithValue, ID: 256, Value: []byte{0xAA, 0xBB}}},
		},
		{
			name: "24-bit length",
			data: []byte{0xD8, 0x05, 0x00, 0x00, 0x01, 0x7F},
			want: []TLV{{Type: ResourceWithValue, ID: 5, Value: []byte{0x7F}}},
		},
		{
			name: "object instance skipped whole",
			data: []byte{0x03, 0x00, 0xC1, 0x02, 0x01, 0xC1, 0x03, 0x09},
			want: []TLV{
				{Type: ObjectInstance, ID: 0, Value: []byte{0xC1, 0x02, 0x01}},
				{Type: ResourceWithValue, ID: 3, Value: []byte{0x09}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTLV(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTLVTruncated(t *testing.T) {
	for _, data := range [][]byte{
		{0xC8},
		{0xC8, 0x00},
		{0xC8, 0x00, 0x05, 'a'},
		{0xE1, 0x00},
		{0xD0, 0x00, 0x01},
		{0xC3, 0x00, 0x01},
	} {
		_, err := DecodeTLV(data)
		assert.ErrorIs(t, err, nerrors.ErrParseFailure, "%x", data)
	}
}

func TestDecodeTLVInlineZeroLength(t *testing.T) {
	// 0xC0 carries an inline length of zero, so the URI bytes that follow are
	// read as further record headers instead of as the value.
	uri := []byte("coap://1.2.3.4:66")

	got, err := DecodeTLV([]byte{0xC0, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []TLV{{Type: ResourceWithValue, ID: 0, Value: []byte{}}}, got)

	_, err = DecodeTLV(append([]byte{0xC0, 0x00}, uri...))
	assert.ErrorIs(t, err, nerrors.ErrParseFailure)
}

func TestDecodeInt(t *testing.T) {
	tests := []struct {
		in   []byte
		want int64
	}{
		{[]byte{0x03}, 3},
		{[]byte{0xFF}, -1},
		{[]byte{0x01, 0x00}, 256},
		{[]byte{0x00, 0x00, 0x00, 0x02}, 2},
		{[]byte{0, 0, 0, 0, 0, 0, 0x01, 0x00}, 256},
	}
	for _, tt := range tests {
		got, err := DecodeInt(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := DecodeInt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, nerrors.ErrParseFailure)
	_, err = DecodeInt(nil)
	assert.ErrorIs(t, err, nerrors.ErrParseFailure)
}

func TestModeFromValue(t *testing.T) {
	for v, want := range map[int64]Mode{0: ModePSK, 1: ModeRPK, 2: ModeCertificate, 3: ModeNoSecurity} {
		got, err := ModeFromValue(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ModeFromValue(4)
	assert.ErrorIs(t, err, nerrors.ErrParseFailure)
}

func TestSecurityPath(t *testing.T) {
	p, ok := SecurityPath(0)
	assert.True(t, ok)
	assert.Equal(t, SecurityServerURI, p)

	_, ok = SecurityPath(1)
	assert.False(t, ok)
}
