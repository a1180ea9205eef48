// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"math"
	"strconv"
	"strings"

	"github.com/absmach/mendpoint/pkg/addr"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
)

// ParseUint parses an unsigned decimal number. Any non-digit fails.
func ParseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, nerrors.New("parse uint", "", nerrors.ErrParseFailure)
	}
	return uint32(v), nil
}

// ParseHex parses an unsigned hexadecimal number without prefix.
func ParseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, nerrors.New("parse hex", "", nerrors.ErrParseFailure)
	}
	return uint32(v), nil
}

// ParseServerURI extracts the server address from an LWM2M server URI such
// as coap://[2001:db8::1]:5684/. The scheme is skipped up to "//". A missing
// port means addr.DefaultPort.
func ParseServerURI(uri string) (addr.Address, error) {
	i := strings.Index(uri, "//")
	if i < 0 {
		return addr.Address{}, parseError(uri)
	}
	rest := uri[i+2:]

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return addr.Address{}, parseError(uri)
		}
		ip, err := parseIPv6(rest[1:end])
		if err != nil {
			return addr.Address{}, parseError(uri)
		}
		port, err := parsePort(rest[end+1:])
		if err != nil {
			return addr.Address{}, parseError(uri)
		}
		return addr.Address{Type: addr.IPv6, Bytes: ip, Port: port}, nil
	}

	// A "/" ends the authority so a trailing slash never reaches the port.
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}

	if strings.Count(rest, ":") >= 2 {
		ip, err := parseIPv6(rest)
		if err != nil {
			return addr.Address{}, parseError(uri)
		}
		return addr.Address{Type: addr.IPv6, Bytes: ip, Port: addr.DefaultPort}, nil
	}

	host := rest
	tail := ""
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		host, tail = rest[:colon], rest[colon:]
	}
	if host == "" {
		return addr.Address{}, parseError(uri)
	}
	port, err := parsePort(tail)
	if err != nil {
		return addr.Address{}, parseError(uri)
	}

	if strings.Count(host, ".") == 3 {
		if ip, ok := parseIPv4(host); ok {
			return addr.Address{Type: addr.IPv4, Bytes: ip, Port: port}, nil
		}
	}
	return addr.Address{Type: addr.Hostname, Bytes: []byte(host), Port: port}, nil
}

// parsePort reads ":digits" up to an optional "/". An empty tail yields the
// default port.
func parsePort(tail string) (uint16, error) {
	if slash := strings.IndexByte(tail, '/'); slash >= 0 {
		tail = tail[:slash]
	}
	if tail == "" {
		return addr.DefaultPort, nil
	}
	if tail[0] != ':' {
		return 0, nerrors.ErrParseFailure
	}
	v, err := ParseUint(tail[1:])
	if err != nil || v > math.MaxUint16 {
		return 0, nerrors.ErrParseFailure
	}
	return uint16(v), nil
}

func parseIPv4(host string) ([]byte, bool) {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil, false
	}
	ip := make([]byte, 4)
	for i, p := range parts {
		v, err := ParseUint(p)
		if err != nil || v > math.MaxUint8 {
			return nil, false
		}
		ip[i] = byte(v)
	}
	return ip, true
}

// parseIPv6 expands eight colon-separated hex groups, one "::" run of zero
// groups allowed.
func parseIPv6(s string) ([]byte, error) {
	head, tail, compressed := strings.Cut(s, "::")
	if compressed && strings.Contains(tail, "::") {
		return nil, nerrors.ErrParseFailure
	}

	front, err := hexGroups(head)
	if err != nil {
		return nil, err
	}
	back, err := hexGroups(tail)
	if err != nil {
		return nil, err
	}

	n := len(front) + len(back)
	switch {
	case compressed && n > 7:
		return nil, nerrors.ErrParseFailure
	case !compressed && n != 8:
		return nil, nerrors.ErrParseFailure
	}

	ip := make([]byte, 16)
	for i, g := range front {
		ip[2*i], ip[2*i+1] = byte(g>>8), byte(g)
	}
	off := 8 - len(back)
	for i, g := range back {
		ip[2*(off+i)], ip[2*(off+i)+1] = byte(g>>8), byte(g)
	}
	return ip, nil
}

func hexGroups(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	groups := make([]uint16, len(parts))
	for i, p := range parts {
		if len(p) == 0 || len(p) > 4 {
			return nil, nerrors.ErrParseFailure
		}
		v, err := ParseHex(p)
		if err != nil {
			return nil, err
		}
		groups[i] = uint16(v)
	}
	return groups, nil
}

func parseError(uri string) error {
	return nerrors.New("parse server uri", uri, nerrors.ErrParseFailure)
}
