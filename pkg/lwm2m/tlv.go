// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	nerrors "github.com/absmach/mendpoint/pkg/errors"
)

// TLVType is the identifier type carried in bits 7-6 of a TLV header.
type TLVType uint8

const (
	ObjectInstance TLVType = iota
	ResourceInstance
	MultipleResource
	ResourceWithValue
)

func (t TLVType) String() string {
	switch t {
	case ObjectInstance:
		return "object_instance"
	case ResourceInstance:
		return "resource_instance"
	case MultipleResource:
		return "multiple_resource"
	case ResourceWithValue:
		return "resource_with_value"
	default:
		return "unknown"
	}
}

const (
	typeShift    = 6
	idWideBit    = 0x20
	lenTypeShift = 3
	lenTypeMask  = 0x03
	lenInlineMax = 0x07
)

// TLV is one decoded record. Value aliases the input buffer.
type TLV struct {
	Type  TLVType
	ID    uint16
	Value []byte
}

// DecodeTLV splits data into its top-level records. Nested records inside
// object instances are not descended into.
func DecodeTLV(data []byte) ([]TLV, error) {
	var records []TLV
	for len(data) > 0 {
		rec, n, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		data = data[n:]
	}
	return records, nil
}

func decodeRecord(data []byte) (TLV, int, error) {
	hdr := data[0]
	off := 1

	rec := TLV{Type: TLVType(hdr >> typeShift)}

	if hdr&idWideBit != 0 {
		if len(data) < off+2 {
			return TLV{}, 0, truncated()
		}
		rec.ID = uint16(data[off])<<8 | uint16(data[off+1])
		off += 2
	} else {
		if len(data) < off+1 {
			return TLV{}, 0, truncated()
		}
		rec.ID = uint16(data[off])
		off++
	}

	length := 0
	switch lenBytes := int(hdr>>lenTypeShift) & lenTypeMask; lenBytes {
	case 0:
		length = int(hdr & lenInlineMax)
	default:
		if len(data) < off+lenBytes {
			return TLV{}, 0, truncated()
		}
		for i := 0; i < lenBytes; i++ {
			length = length<<8 | int(data[off+i])
		}
		off += lenBytes
	}

	if len(data) < off+length {
		return TLV{}, 0, truncated()
	}
	rec.Value = data[off : off+length]
	return rec, off + length, nil
}

// DecodeInt reads a big-endian signed integer of 1, 2, 4 or 8 bytes.
func DecodeInt(b []byte) (int64, error) {
	switch len(b) {
	case 1, 2, 4, 8:
	default:
		return 0, nerrors.New("decode tlv integer", "", nerrors.ErrParseFailure)
	}
	var v int64
	if b[0]&0x80 != 0 {
		v = -1
	}
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v, nil
}

func truncated() error {
	return nerrors.New("decode tlv", "", nerrors.ErrParseFailure)
}
