// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package addr defines the server address slot used for registration and
// bootstrap servers.
package addr

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Type discriminates the address representation.
type Type uint8

const (
	None Type = iota
	IPv4
	IPv6
	Hostname
)

// String returns a string representation of the address type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case Hostname:
		return "hostname"
	default:
		return "unknown"
	}
}

// DefaultPort is the CoAP default UDP port.
const DefaultPort = 5683

// Address is a server address. Bytes holds 4 bytes for IPv4, 16 for IPv6 and
// the host name text for Hostname.
type Address struct {
	Type  Type
	Bytes []byte
	Port  uint16
}

// FromUDP converts a socket address into an Address.
func FromUDP(a *net.UDPAddr) Address {
	if a == nil {
		return Address{}
	}
	if ip4 := a.IP.To4(); ip4 != nil {
		return Address{Type: IPv4, Bytes: append([]byte(nil), ip4...), Port: uint16(a.Port)}
	}
	return Address{Type: IPv6, Bytes: append([]byte(nil), a.IP.To16()...), Port: uint16(a.Port)}
}

// FromAddrPort converts a netip.AddrPort into an Address.
func FromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		b := ip.As4()
		return Address{Type: IPv4, Bytes: b[:], Port: ap.Port()}
	}
	b := ip.As16()
	return Address{Type: IPv6, Bytes: b[:], Port: ap.Port()}
}

// IsZero reports whether no address is set.
func (a Address) IsZero() bool {
	return a.Type == None
}

// Equal reports whether type, port and raw address bytes all match.
func (a Address) Equal(b Address) bool {
	return a.Type == b.Type && a.Port == b.Port && bytes.Equal(a.Bytes, b.Bytes)
}

// Matches reports whether a datagram from the socket address from can come
// from a. A host name is not resolved here, so it matches any source on the
// same port.
func (a Address) Matches(from Address) bool {
	if a.Type == Hostname {
		return from.Type != None && a.Port == from.Port
	}
	return a.Equal(from)
}

// Clone returns a deep copy so the caller may keep the address after the
// source buffer is reused.
func (a Address) Clone() Address {
	a.Bytes = append([]byte(nil), a.Bytes...)
	return a
}

// Host returns the textual host part.
func (a Address) Host() string {
	switch a.Type {
	case IPv4, IPv6:
		ip, ok := netip.AddrFromSlice(a.Bytes)
		if !ok {
			return ""
		}
		return ip.String()
	case Hostname:
		return string(a.Bytes)
	default:
		return ""
	}
}

// String returns host:port.
func (a Address) String() string {
	if a.Type == None {
		return "none"
	}
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// UDPAddr resolves the address into a socket address. Hostnames are resolved
// through the system resolver.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	switch a.Type {
	case IPv4, IPv6:
		ip, ok := netip.AddrFromSlice(a.Bytes)
		if !ok {
			return nil, fmt.Errorf("malformed %s address of %d bytes", a.Type, len(a.Bytes))
		}
		return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, a.Port)), nil
	case Hostname:
		return net.ResolveUDPAddr("udp", a.String())
	default:
		return nil, fmt.Errorf("address type %s cannot be resolved", a.Type)
	}
}
