// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Security scheme identifiers offered by the device.
const (
	SecurityNone        uint8 = 1
	SecurityVNC         uint8 = 2
	SecurityUKey        uint8 = 8
	SecurityRSA         uint8 = 9
	SecurityRemote      uint8 = 10
	SecurityCentralized uint8 = 20
)

// Client-to-server message tags.
const (
	TagKeyEvent          uint8 = 4
	TagPointerEvent      uint8 = 5
	TagKeepAlive         uint8 = 101
	TagVideoParamRequest uint8 = 102
	TagAudioParamRequest uint8 = 107
	TagMouseTypeRequest  uint8 = 109
	TagSetMouseType      uint8 = 110
)

// Wire sizes.
const (
	VersionSize          = 12
	ChallengeSize        = 16
	SecurityResultSize   = 4
	ServerInitHeaderSize = 24
	KeyEventSize         = 8
	PointerEventSize     = 6
	MouseTypeSize        = 4
	KeepAliveSize        = 4
	AccountPacketSize    = 17
	AccountUsernameSize  = 16
	authSeparator        = 0xAA
	accountMarker        = 16
)

// ProtocolVersion is the version string the client announces.
var ProtocolVersion = VersionPacket{Major: 3, Minor: 8}

// ButtonMask represents the state of pointer buttons in a pointer event.
type ButtonMask uint8

// Button mask constants for standard mouse buttons and scroll wheel events.
const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	ButtonWheelUp
	ButtonWheelDown
)

// relativeFlag marks a pointer event as carrying signed deltas.
const relativeFlag = 0x80

// MouseMode selects how the device interprets pointer coordinates.
type MouseMode uint8

const (
	// MouseRelative sends signed deltas from the last position.
	MouseRelative MouseMode = 0
	// MouseAbsolute sends device-normalised coordinates in 0..65535.
	MouseAbsolute MouseMode = 1
)

func (m MouseMode) String() string {
	switch m {
	case MouseRelative:
		return "relative"
	case MouseAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Packet is a client-to-server or handshake message. The set of packets is
// closed: every implementation lives in this package.
type Packet interface {
	// Encode returns the exact wire bytes of the packet.
	Encode() []byte
	isPacket()
}

// VersionPacket is the 12-byte "RFB NNN.NNN\n" version string.
type VersionPacket struct {
	Major uint
	Minor uint
}

// Encode renders the version string.
func (p VersionPacket) Encode() []byte {
	return []byte(fmt.Sprintf("RFB %03d.%03d\n", p.Major%1000, p.Minor%1000))
}

func (p VersionPacket) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// DecodeVersion parses a 12-byte version string.
func DecodeVersion(buf []byte) (VersionPacket, int, error) {
	if len(buf) < VersionSize {
		return VersionPacket{}, 0, ErrNeedMore
	}
	raw := string(buf[:VersionSize])
	if err := newInputValidator().ValidateProtocolVersion(raw); err != nil {
		return VersionPacket{}, 0, protocolError("DecodeVersion", "malformed version string", err)
	}
	var p VersionPacket
	if _, err := fmt.Sscanf(raw, "RFB %d.%d\n", &p.Major, &p.Minor); err != nil {
		return VersionPacket{}, 0, protocolError("DecodeVersion", "unparseable version string", err)
	}
	return p, VersionSize, nil
}

// SecurityTypesPacket is the server's list of offered security schemes.
type SecurityTypesPacket struct {
	Types []uint8
}

// Encode renders the count-prefixed scheme list.
func (p SecurityTypesPacket) Encode() []byte {
	out := make([]byte, 1+len(p.Types))
	out[0] = uint8(len(p.Types)) // #nosec G115 - at most 255 schemes on the wire
	copy(out[1:], p.Types)
	return out
}

// DecodeSecurityTypes parses a count byte followed by that many scheme bytes.
// A zero count is a server-side refusal and is reported by the caller.
func DecodeSecurityTypes(buf []byte) (SecurityTypesPacket, int, error) {
	if len(buf) < 1 {
		return SecurityTypesPacket{}, 0, ErrNeedMore
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return SecurityTypesPacket{}, 0, ErrNeedMore
	}
	types := make([]uint8, n)
	copy(types, buf[1:1+n])
	return SecurityTypesPacket{Types: types}, 1 + n, nil
}

// SecuritySelectPacket carries the chosen scheme, an optional centralized
// account block, and the length-prefixed channel path.
type SecuritySelectPacket struct {
	Type    uint8
	Account []byte
	Channel uint8
}

// Encode renders [type][account...][1][channel].
func (p SecuritySelectPacket) Encode() []byte {
	out := make([]byte, 0, 3+len(p.Account))
	out = append(out, p.Type)
	out = append(out, p.Account...)
	out = append(out, 1, p.Channel)
	return out
}

// ChallengePacket is the 16-byte DES challenge.
type ChallengePacket struct {
	Challenge [ChallengeSize]byte
}

// Encode returns the raw challenge bytes.
func (p ChallengePacket) Encode() []byte {
	out := make([]byte, ChallengeSize)
	copy(out, p.Challenge[:])
	return out
}

// DecodeChallenge reads exactly 16 challenge bytes.
func DecodeChallenge(buf []byte) (ChallengePacket, int, error) {
	if len(buf) < ChallengeSize {
		return ChallengePacket{}, 0, ErrNeedMore
	}
	var p ChallengePacket
	copy(p.Challenge[:], buf[:ChallengeSize])
	return p, ChallengeSize, nil
}

// AuthResponsePacket is the DES challenge response:
// [LE32 len][username][0xAA][16 encrypted bytes], len = 16 + len(username) + 1.
type AuthResponsePacket struct {
	Username  string
	Encrypted [ChallengeSize]byte
}

// Encode renders the response.
func (p AuthResponsePacket) Encode() []byte {
	body := ChallengeSize + len(p.Username) + 1
	out := make([]byte, 4, 4+body)
	binary.LittleEndian.PutUint32(out, uint32(body)) // #nosec G115 - username is bounded by validation
	out = append(out, p.Username...)
	out = append(out, authSeparator)
	out = append(out, p.Encrypted[:]...)
	return out
}

// SecurityResultPacket is the 4-byte big-endian status; 0 means success.
type SecurityResultPacket struct {
	Status uint32
}

// Encode renders the status.
func (p SecurityResultPacket) Encode() []byte {
	return binary.BigEndian.AppendUint32(nil, p.Status)
}

// OK reports whether the device accepted the credentials.
func (p SecurityResultPacket) OK() bool { return p.Status == 0 }

// DecodeSecurityResult parses the 4-byte status.
func DecodeSecurityResult(buf []byte) (SecurityResultPacket, int, error) {
	if len(buf) < SecurityResultSize {
		return SecurityResultPacket{}, 0, ErrNeedMore
	}
	return SecurityResultPacket{Status: binary.BigEndian.Uint32(buf)}, SecurityResultSize, nil
}

// ShareFlagPacket is the single byte sent once after authentication.
type ShareFlagPacket struct {
	Shared bool
}

// Encode renders the flag.
func (p ShareFlagPacket) Encode() []byte {
	if p.Shared {
		return []byte{1}
	}
	return []byte{0}
}

// ServerInitPacket carries the negotiated image size, pixel format and
// device name.
type ServerInitPacket struct {
	Width       uint16
	Height      uint16
	PixelFormat PixelFormat
	Name        string
}

// Encode renders w, h, the pixel format block, BE32 name length and the name.
func (p ServerInitPacket) Encode() []byte {
	out := make([]byte, ServerInitHeaderSize, ServerInitHeaderSize+len(p.Name))
	binary.BigEndian.PutUint16(out[0:], p.Width)
	binary.BigEndian.PutUint16(out[2:], p.Height)
	p.PixelFormat.put(out[4:])
	binary.BigEndian.PutUint32(out[20:], uint32(len(p.Name))) // #nosec G115 - test and mock use only
	return append(out, p.Name...)
}

// DecodeServerInit parses the server-init message. The name length is
// bounded so a corrupt field cannot force a large wait.
func DecodeServerInit(buf []byte) (ServerInitPacket, int, error) {
	if len(buf) < ServerInitHeaderSize {
		return ServerInitPacket{}, 0, ErrNeedMore
	}
	nameLen := binary.BigEndian.Uint32(buf[20:])
	if nameLen > MaxDeviceNameLength {
		return ServerInitPacket{}, 0, protocolError("DecodeServerInit",
			fmt.Sprintf("device name length %d exceeds maximum %d", nameLen, MaxDeviceNameLength), nil)
	}
	total := ServerInitHeaderSize + int(nameLen)
	if len(buf) < total {
		return ServerInitPacket{}, 0, ErrNeedMore
	}
	return ServerInitPacket{
		Width:       binary.BigEndian.Uint16(buf[0:]),
		Height:      binary.BigEndian.Uint16(buf[2:]),
		PixelFormat: decodePixelFormat(buf[4:20]),
		Name:        string(buf[ServerInitHeaderSize:total]),
	}, total, nil
}

// KeyEventPacket is [4][down][0 0][BE32 keysym].
type KeyEventPacket struct {
	Keysym uint32
	Down   bool
}

// Encode renders the key event.
func (p KeyEventPacket) Encode() []byte {
	out := make([]byte, KeyEventSize)
	out[0] = TagKeyEvent
	if p.Down {
		out[1] = 1
	}
	binary.BigEndian.PutUint32(out[4:], p.Keysym)
	return out
}

// PointerEventPacket is [5][mask][X][Y]. In absolute mode X/Y are unsigned
// and clamped to 0..65535; in relative mode the mask carries 0x80 and X/Y are
// signed deltas clamped to the int16 range.
type PointerEventPacket struct {
	Mask ButtonMask
	X    int
	Y    int
	Mode MouseMode
}

// Encode renders the pointer event.
func (p PointerEventPacket) Encode() []byte {
	out := make([]byte, PointerEventSize)
	out[0] = TagPointerEvent
	if p.Mode == MouseRelative {
		out[1] = uint8(p.Mask) | relativeFlag
		binary.BigEndian.PutUint16(out[2:], uint16(clampInt16(p.X))) // #nosec G115 - two's complement on the wire
		binary.BigEndian.PutUint16(out[4:], uint16(clampInt16(p.Y))) // #nosec G115 - two's complement on the wire
		return out
	}
	out[1] = uint8(p.Mask) &^ relativeFlag
	binary.BigEndian.PutUint16(out[2:], clampUint16(p.X))
	binary.BigEndian.PutUint16(out[4:], clampUint16(p.Y))
	return out
}

func clampUint16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}

func clampInt16(v int) int16 {
	switch {
	case v < math.MinInt16:
		return math.MinInt16
	case v > math.MaxInt16:
		return math.MaxInt16
	default:
		return int16(v)
	}
}

// SetMouseTypePacket is [110][mode][0 0].
type SetMouseTypePacket struct {
	Mode MouseMode
}

// Encode renders the request.
func (p SetMouseTypePacket) Encode() []byte {
	return []byte{TagSetMouseType, uint8(p.Mode), 0, 0}
}

// MouseTypeRequestPacket asks the device to echo its current mouse mode.
type MouseTypeRequestPacket struct{}

// Encode renders [109 0 0 0].
func (MouseTypeRequestPacket) Encode() []byte { return []byte{TagMouseTypeRequest, 0, 0, 0} }

// KeepAlivePacket is the fixed idle no-op.
type KeepAlivePacket struct{}

// Encode renders [101 0 0 0].
func (KeepAlivePacket) Encode() []byte { return []byte{TagKeepAlive, 0, 0, 0} }

// VideoParamRequestPacket asks the device for its video parameters.
type VideoParamRequestPacket struct{}

// Encode renders [102 0 0 0].
func (VideoParamRequestPacket) Encode() []byte { return []byte{TagVideoParamRequest, 0, 0, 0} }

// AudioParamRequestPacket asks the device for its audio parameters.
type AudioParamRequestPacket struct{}

// Encode renders [107 0 0 0].
func (AudioParamRequestPacket) Encode() []byte { return []byte{TagAudioParamRequest, 0, 0, 0} }

func (VersionPacket) isPacket()           {}
func (SecurityTypesPacket) isPacket()     {}
func (SecuritySelectPacket) isPacket()    {}
func (ChallengePacket) isPacket()         {}
func (AuthResponsePacket) isPacket()      {}
func (SecurityResultPacket) isPacket()    {}
func (ShareFlagPacket) isPacket()         {}
func (ServerInitPacket) isPacket()        {}
func (KeyEventPacket) isPacket()          {}
func (PointerEventPacket) isPacket()      {}
func (SetMouseTypePacket) isPacket()      {}
func (MouseTypeRequestPacket) isPacket()  {}
func (KeepAlivePacket) isPacket()         {}
func (VideoParamRequestPacket) isPacket() {}
func (AudioParamRequestPacket) isPacket() {}

// DecodeClientPacket parses one normal-stage client-to-server packet. It is
// the inverse of the input packets' Encode and is used by device emulators
// and wire captures.
func DecodeClientPacket(buf []byte) (Packet, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMore
	}
	switch buf[0] {
	case TagKeyEvent:
		if len(buf) < KeyEventSize {
			return nil, 0, ErrNeedMore
		}
		return KeyEventPacket{Down: buf[1] != 0, Keysym: binary.BigEndian.Uint32(buf[4:])}, KeyEventSize, nil
	case TagPointerEvent:
		if len(buf) < PointerEventSize {
			return nil, 0, ErrNeedMore
		}
		p := PointerEventPacket{Mode: MouseAbsolute, Mask: ButtonMask(buf[1] &^ relativeFlag)}
		if buf[1]&relativeFlag != 0 {
			p.Mode = MouseRelative
			p.X = int(int16(binary.BigEndian.Uint16(buf[2:]))) // #nosec G115 - signed delta
			p.Y = int(int16(binary.BigEndian.Uint16(buf[4:]))) // #nosec G115 - signed delta
		} else {
			p.X = int(binary.BigEndian.Uint16(buf[2:]))
			p.Y = int(binary.BigEndian.Uint16(buf[4:]))
		}
		return p, PointerEventSize, nil
	case TagSetMouseType, TagMouseTypeRequest, TagKeepAlive, TagVideoParamRequest, TagAudioParamRequest:
		if len(buf) < 4 {
			return nil, 0, ErrNeedMore
		}
		switch buf[0] {
		case TagSetMouseType:
			return SetMouseTypePacket{Mode: MouseMode(buf[1])}, MouseTypeSize, nil
		case TagMouseTypeRequest:
			return MouseTypeRequestPacket{}, 4, nil
		case TagKeepAlive:
			return KeepAlivePacket{}, KeepAliveSize, nil
		case TagVideoParamRequest:
			return VideoParamRequestPacket{}, 4, nil
		default:
			return AudioParamRequestPacket{}, 4, nil
		}
	default:
		return nil, 0, protocolError("DecodeClientPacket", fmt.Sprintf("unknown client tag %d", buf[0]), nil)
	}
}
