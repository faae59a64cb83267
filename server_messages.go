// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Server-to-client message tags seen in the normal stage.
const (
	TagFramebufferUpdate uint8 = 0
	TagSetColorMap       uint8 = 1
	TagBell              uint8 = 2
	TagCutText           uint8 = 3
	TagAudioUpdate       uint8 = 4
	TagVMRead            uint8 = 10
	TagVMWrite           uint8 = 11
	TagVideoParam        uint8 = 102
	TagKeyStatus         uint8 = 103
	TagDeviceInfo        uint8 = 104
	TagAudioParam        uint8 = 105
	TagMouseType         uint8 = 106
	TagVideoLevel        uint8 = 107
	TagBroadcastStatus   uint8 = 201
	TagBroadcastSet      uint8 = 202
)

// Frame-buffer update layout.
const (
	FrameSubtypeHeartbeat uint8 = 0
	FrameSubtypeVideo     uint8 = 1
	FrameSubtypeVideoAlt  uint8 = 2

	// EncodingH264 is the encoding id of an H.264 elementary stream.
	EncodingH264 uint8 = 7

	FrameHeaderSize      = 20
	ResolutionChangeSize = 16

	// MaxVideoPayload is the largest video length accepted before the
	// header is treated as desynchronised.
	MaxVideoPayload = 10_000_000
	// MaxAudioPayload bounds audio updates the same way.
	MaxAudioPayload = 1_000_000
	// MaxAdvisoryPayload bounds cut-text and device-info bodies.
	MaxAdvisoryPayload = 1 << 20

	// minSkip is how far the decoder advances past an unrecognised or corrupt header.
	minSkip = 4

	videoParamSize      = 36
	keyStatusSize       = 5
	audioParamSize      = 8
	videoLevelSize      = 4
	broadcastStatusSize = 68
)

var resolutionSentinel = []byte{0xFF, 0xFF, 0xFF, 0x21}

// ServerMessage is one decoded normal-stage message from the device. The set
// is closed; Session dispatches over it with a type switch.
type ServerMessage interface {
	// Tag returns the leading message-tag byte.
	Tag() uint8
	serverMessage()
}

// FrameHeartbeat is an empty frame-buffer update.
type FrameHeartbeat struct{}

// ResolutionChange announces a new image size.
type ResolutionChange struct {
	Width  uint16
	Height uint16
}

// VideoFrame carries one chunk of the device's video elementary stream.
// Payload aliases the decode buffer and must be copied before the buffer is
// reused.
type VideoFrame struct {
	Subtype  uint8
	Width    uint16
	Height   uint16
	Encoding uint8
	Payload  []byte
}

// ColorMapMessage is a set-colour-map message; only its size matters here.
type ColorMapMessage struct {
	First uint16
	Count uint16
}

// BellMessage is the one-byte bell.
type BellMessage struct{}

// CutTextMessage carries device clipboard text.
type CutTextMessage struct {
	Text string
}

// AudioUpdate carries one audio chunk, which this client discards.
type AudioUpdate struct {
	Size int
}

// VendorMessage is a VM read/write message whose layout is not documented;
// it is consumed as a bare header.
type VendorMessage struct {
	Kind uint8
}

// VideoParamMessage holds the device's video parameter block.
type VideoParamMessage struct {
	Raw []byte
}

// KeyStatusMessage carries lock-key LED state.
type KeyStatusMessage struct {
	Raw []byte
}

// DeviceInfoMessage carries a vendor device-info body.
type DeviceInfoMessage struct {
	Info []byte
}

// AudioParamMessage holds the device's audio parameter block.
type AudioParamMessage struct {
	Raw []byte
}

// MouseTypeMessage echoes the device's current mouse mode.
type MouseTypeMessage struct {
	Mode MouseMode
}

// VideoLevelMessage reports the video quality level.
type VideoLevelMessage struct {
	Level uint8
}

// BroadcastStatusMessage is a fixed-size status broadcast (tags 201 and 202).
type BroadcastStatusMessage struct {
	Kind uint8
	Raw  []byte
}

// UnknownMessage is an unrecognised tag consumed as a minimal header.
type UnknownMessage struct {
	Kind uint8
}

func (FrameHeartbeat) Tag() uint8           { return TagFramebufferUpdate }
func (ResolutionChange) Tag() uint8         { return TagFramebufferUpdate }
func (VideoFrame) Tag() uint8               { return TagFramebufferUpdate }
func (ColorMapMessage) Tag() uint8          { return TagSetColorMap }
func (BellMessage) Tag() uint8              { return TagBell }
func (CutTextMessage) Tag() uint8           { return TagCutText }
func (AudioUpdate) Tag() uint8              { return TagAudioUpdate }
func (m VendorMessage) Tag() uint8          { return m.Kind }
func (VideoParamMessage) Tag() uint8        { return TagVideoParam }
func (KeyStatusMessage) Tag() uint8         { return TagKeyStatus }
func (DeviceInfoMessage) Tag() uint8        { return TagDeviceInfo }
func (AudioParamMessage) Tag() uint8        { return TagAudioParam }
func (MouseTypeMessage) Tag() uint8         { return TagMouseType }
func (VideoLevelMessage) Tag() uint8        { return TagVideoLevel }
func (m BroadcastStatusMessage) Tag() uint8 { return m.Kind }
func (m UnknownMessage) Tag() uint8         { return m.Kind }

func (FrameHeartbeat) serverMessage()         {}
func (ResolutionChange) serverMessage()       {}
func (VideoFrame) serverMessage()             {}
func (ColorMapMessage) serverMessage()        {}
func (BellMessage) serverMessage()            {}
func (CutTextMessage) serverMessage()         {}
func (AudioUpdate) serverMessage()            {}
func (VendorMessage) serverMessage()          {}
func (VideoParamMessage) serverMessage()      {}
func (KeyStatusMessage) serverMessage()       {}
func (DeviceInfoMessage) serverMessage()      {}
func (AudioParamMessage) serverMessage()      {}
func (MouseTypeMessage) serverMessage()       {}
func (VideoLevelMessage) serverMessage()      {}
func (BroadcastStatusMessage) serverMessage() {}
func (UnknownMessage) serverMessage()         {}

// DecodeServerMessage decodes the message at the head of buf and returns it
// with the number of bytes it occupies.
//
// A buffer holding only a prefix yields ErrNeedMore. A corrupt length field
// yields an ErrDesync KVMError wrapping a *DesyncError whose Skip tells the
// caller how far to advance; no allocation proportional to the bad length is
// ever attempted.
func DecodeServerMessage(buf []byte) (ServerMessage, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMore
	}

	tag := buf[0]
	switch tag {
	case TagFramebufferUpdate:
		return decodeFramebufferUpdate(buf)

	case TagSetColorMap:
		if len(buf) < 6 {
			return nil, 0, ErrNeedMore
		}
		count := binary.BigEndian.Uint16(buf[4:])
		total := 6 + int(count)*6
		if len(buf) < total {
			return nil, 0, ErrNeedMore
		}
		return ColorMapMessage{First: binary.BigEndian.Uint16(buf[2:]), Count: count}, total, nil

	case TagBell:
		return BellMessage{}, 1, nil

	case TagCutText:
		if len(buf) < 8 {
			return nil, 0, ErrNeedMore
		}
		n := binary.BigEndian.Uint32(buf[4:])
		if n > MaxAdvisoryPayload {
			return nil, minSkip, desync(tag, fmt.Sprintf("cut-text length %d exceeds ceiling", n))
		}
		total := 8 + int(n)
		if len(buf) < total {
			return nil, 0, ErrNeedMore
		}
		return CutTextMessage{Text: string(buf[8:total])}, total, nil

	case TagAudioUpdate:
		if len(buf) < 8 {
			return nil, 0, ErrNeedMore
		}
		n := binary.BigEndian.Uint32(buf[4:])
		if n > MaxAudioPayload {
			return nil, minSkip, desync(tag, fmt.Sprintf("audio length %d exceeds ceiling", n))
		}
		total := 8 + int(n)
		if len(buf) < total {
			return nil, 0, ErrNeedMore
		}
		return AudioUpdate{Size: int(n)}, total, nil

	case TagVMRead, TagVMWrite:
		if len(buf) < minSkip {
			return nil, 0, ErrNeedMore
		}
		return VendorMessage{Kind: tag}, minSkip, nil

	case TagVideoParam:
		raw, n, err := fixed(buf, videoParamSize)
		if err != nil {
			return nil, 0, err
		}
		return VideoParamMessage{Raw: raw}, n, nil

	case TagKeyStatus:
		raw, n, err := fixed(buf, keyStatusSize)
		if err != nil {
			return nil, 0, err
		}
		return KeyStatusMessage{Raw: raw}, n, nil

	case TagDeviceInfo:
		if len(buf) < 8 {
			return nil, 0, ErrNeedMore
		}
		n := binary.LittleEndian.Uint32(buf[4:])
		if n > MaxAdvisoryPayload {
			return nil, minSkip, desync(tag, fmt.Sprintf("device-info length %d exceeds ceiling", n))
		}
		total := 8 + int(n)
		if len(buf) < total {
			return nil, 0, ErrNeedMore
		}
		return DeviceInfoMessage{Info: buf[8:total]}, total, nil

	case TagAudioParam:
		raw, n, err := fixed(buf, audioParamSize)
		if err != nil {
			return nil, 0, err
		}
		return AudioParamMessage{Raw: raw}, n, nil

	case TagMouseType:
		if len(buf) < MouseTypeSize {
			return nil, 0, ErrNeedMore
		}
		return MouseTypeMessage{Mode: MouseMode(buf[1])}, MouseTypeSize, nil

	case TagVideoLevel:
		if len(buf) < videoLevelSize {
			return nil, 0, ErrNeedMore
		}
		return VideoLevelMessage{Level: buf[1]}, videoLevelSize, nil

	case TagBroadcastStatus, TagBroadcastSet:
		raw, n, err := fixed(buf, broadcastStatusSize)
		if err != nil {
			return nil, 0, err
		}
		return BroadcastStatusMessage{Kind: tag, Raw: raw}, n, nil

	default:
		if len(buf) < minSkip {
			return nil, 0, ErrNeedMore
		}
		return UnknownMessage{Kind: tag}, minSkip, nil
	}
}

func decodeFramebufferUpdate(buf []byte) (ServerMessage, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrNeedMore
	}

	subtype := buf[3]
	switch subtype {
	case FrameSubtypeHeartbeat:
		return FrameHeartbeat{}, 4, nil

	case FrameSubtypeVideo, FrameSubtypeVideoAlt:
		if subtype == FrameSubtypeVideo && len(buf) >= 16 && bytes.Equal(buf[12:16], resolutionSentinel) {
			return ResolutionChange{
				Width:  binary.BigEndian.Uint16(buf[4:]),
				Height: binary.BigEndian.Uint16(buf[6:]),
			}, ResolutionChangeSize, nil
		}
		if len(buf) < FrameHeaderSize {
			return nil, 0, ErrNeedMore
		}
		n := binary.BigEndian.Uint32(buf[16:])
		if n > MaxVideoPayload {
			return nil, minSkip, desync(TagFramebufferUpdate, fmt.Sprintf("video length %d exceeds ceiling", n))
		}
		total := FrameHeaderSize + int(n)
		if len(buf) < total {
			return nil, 0, ErrNeedMore
		}
		return VideoFrame{
			Subtype:  subtype,
			Width:    binary.BigEndian.Uint16(buf[8:]),
			Height:   binary.BigEndian.Uint16(buf[10:]),
			Encoding: buf[15],
			Payload:  buf[FrameHeaderSize:total],
		}, total, nil

	default:
		return UnknownMessage{Kind: TagFramebufferUpdate}, minSkip, nil
	}
}

// EncodeVideoFrame renders a subtype-1 video update. Device emulators use it
// to produce the header the decoder expects.
func EncodeVideoFrame(width, height uint16, encoding uint8, payload []byte) []byte {
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(payload))
	out[0] = TagFramebufferUpdate
	out[3] = FrameSubtypeVideo
	binary.BigEndian.PutUint16(out[8:], width)
	binary.BigEndian.PutUint16(out[10:], height)
	out[15] = encoding
	binary.BigEndian.PutUint32(out[16:], uint32(len(payload))) // #nosec G115 - payloads are bounded by MaxVideoPayload
	return append(out, payload...)
}

// EncodeResolutionChange renders the 16-byte resolution-change update.
func EncodeResolutionChange(width, height uint16) []byte {
	out := make([]byte, ResolutionChangeSize)
	out[0] = TagFramebufferUpdate
	out[3] = FrameSubtypeVideo
	binary.BigEndian.PutUint16(out[4:], width)
	binary.BigEndian.PutUint16(out[6:], height)
	copy(out[12:], resolutionSentinel)
	return out
}

func fixed(buf []byte, size int) ([]byte, int, error) {
	if len(buf) < size {
		return nil, 0, ErrNeedMore
	}
	return buf[1:size], size, nil
}

func desync(tag uint8, reason string) error {
	return desyncError("DecodeServerMessage", "framing violation",
		&DesyncError{Tag: tag, Reason: reason, Skip: minSkip})
}
