// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
)

// Content formats used on the bootstrap interface.
const (
	ContentFormatText message.MediaType = 97
	ContentFormatTLV  message.MediaType = 99
)

// Security object resources written by the bootstrap server.
const (
	SecurityObject = "0"

	SecurityServerURI    = "0/0/0"
	SecurityMode         = "0/0/2"
	SecurityPublicKey    = "0/0/3"
	SecurityServerPubKey = "0/0/4"
	SecuritySecretKey    = "0/0/5"
)

// Device object resources created before bootstrap.
const (
	DeviceReboot    = "3/0/4"
	DeviceErrorCode = "3/0/11"
	DeviceBindings  = "3/0/16"
)

// Mode is the security mode of the LWM2M server connection.
type Mode uint8

const (
	ModeUnset Mode = iota
	ModePSK
	ModeRPK
	ModeCertificate
	ModeNoSecurity
)

func (m Mode) String() string {
	switch m {
	case ModePSK:
		return "psk"
	case ModeRPK:
		return "rpk"
	case ModeCertificate:
		return "certificate"
	case ModeNoSecurity:
		return "no_security"
	default:
		return "unset"
	}
}

// ModeFromValue maps the Security Mode resource value (0 PSK, 1 RPK,
// 2 Certificate, 3 NoSec) to a Mode.
func ModeFromValue(v int64) (Mode, error) {
	if v < 0 || v > 3 {
		return ModeUnset, nerrors.New("security mode", SecurityMode, nerrors.ErrParseFailure)
	}
	return Mode(v + 1), nil
}

// SecurityPath returns the security object path a bootstrap TLV resource id
// is stored at. Only the server URI, mode and key resources are kept.
func SecurityPath(id uint16) (string, bool) {
	switch id {
	case 0:
		return SecurityServerURI, true
	case 2:
		return SecurityMode, true
	case 3:
		return SecurityPublicKey, true
	case 4:
		return SecurityServerPubKey, true
	case 5:
		return SecuritySecretKey, true
	default:
		return "", false
	}
}
