// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestServerMessages_VideoFrameHeader(t *testing.T) {
	sizes := []int{0, 1, 19, 20, 4096, 65537}

	for _, size := range sizes {
		payload := bytes.Repeat([]byte{0xAB}, size)
		wire := EncodeVideoFrame(1280, 720, EncodingH264, payload)

		msg, n, err := DecodeServerMessage(wire)
		if err != nil {
			t.Fatalf("size %d: DecodeServerMessage() error = %v", size, err)
		}
		frame, ok := msg.(VideoFrame)
		if !ok {
			t.Fatalf("size %d: got %T, want VideoFrame", size, msg)
		}
		if n-len(frame.Payload) != FrameHeaderSize {
			t.Errorf("size %d: header length = %d, want %d", size, n-len(frame.Payload), FrameHeaderSize)
		}
		declared := binary.BigEndian.Uint32(wire[16:])
		if uint32(len(frame.Payload)) != declared {
			t.Errorf("size %d: payload length %d != declared %d", size, len(frame.Payload), declared)
		}
		if frame.Width != 1280 || frame.Height != 720 || frame.Encoding != EncodingH264 {
			t.Errorf("size %d: header fields = %+v", size, frame)
		}
	}
}

func TestServerMessages_VideoFrameNeedsMore(t *testing.T) {
	wire := EncodeVideoFrame(640, 480, EncodingH264, bytes.Repeat([]byte{1}, 100))

	for _, cut := range []int{1, 3, 4, 12, 19, 20, 119} {
		if _, _, err := DecodeServerMessage(wire[:cut]); !errors.Is(err, ErrNeedMore) {
			t.Errorf("cut %d: error = %v, want ErrNeedMore", cut, err)
		}
	}
}

func TestServerMessages_VideoFrameOversizeIsDesync(t *testing.T) {
	header := EncodeVideoFrame(640, 480, EncodingH264, nil)
	binary.BigEndian.PutUint32(header[16:], MaxVideoPayload+1)

	msg, skip, err := DecodeServerMessage(header)
	if msg != nil {
		t.Errorf("expected no message, got %T", msg)
	}
	if !IsKVMError(err, ErrDesync) {
		t.Fatalf("error = %v, want ErrDesync", err)
	}
	if skip != 4 {
		t.Errorf("skip = %d, want 4", skip)
	}
	var de *DesyncError
	if !errors.As(err, &de) || de.Tag != TagFramebufferUpdate {
		t.Errorf("missing DesyncError detail: %v", err)
	}
}

func TestServerMessages_ResolutionChange(t *testing.T) {
	wire := EncodeResolutionChange(1024, 768)
	msg, n, err := DecodeServerMessage(append(wire, 0, 0, 0, 0))
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	rc, ok := msg.(ResolutionChange)
	if !ok {
		t.Fatalf("got %T, want ResolutionChange", msg)
	}
	if n != ResolutionChangeSize || rc.Width != 1024 || rc.Height != 768 {
		t.Errorf("got %+v, %d", rc, n)
	}
}

func TestServerMessages_Heartbeat(t *testing.T) {
	msg, n, err := DecodeServerMessage([]byte{0, 0, 0, 0, 9})
	if err != nil || n != 4 {
		t.Fatalf("got %v, %d, %v", msg, n, err)
	}
	if _, ok := msg.(FrameHeartbeat); !ok {
		t.Errorf("got %T, want FrameHeartbeat", msg)
	}

	msg, n, _ = DecodeServerMessage([]byte{0, 0, 0, 9})
	if _, ok := msg.(UnknownMessage); !ok || n != 4 {
		t.Errorf("unknown subtype = %T, %d", msg, n)
	}
}

func TestServerMessages_Sizes(t *testing.T) {
	le := func(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
	be := func(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
	cat := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

	tests := []struct {
		name string
		wire []byte
		size int
		want interface{}
	}{
		{"color map", cat([]byte{1, 0, 0, 0, 0, 2}, make([]byte, 12)), 18, ColorMapMessage{Count: 2}},
		{"bell", []byte{2}, 1, BellMessage{}},
		{"cut text", cat([]byte{3, 0, 0, 0}, be(2), []byte("hi")), 10, CutTextMessage{Text: "hi"}},
		{"audio", cat([]byte{4, 0, 0, 0}, be(3), []byte{1, 2, 3}), 11, AudioUpdate{Size: 3}},
		{"vm read", []byte{10, 0, 0, 0}, 4, VendorMessage{Kind: 10}},
		{"vm write", []byte{11, 0, 0, 0}, 4, VendorMessage{Kind: 11}},
		{"video param", cat([]byte{102}, make([]byte, 35)), 36, nil},
		{"key status", []byte{103, 1, 0, 1, 0}, 5, nil},
		{"device info", cat([]byte{104, 0, 0, 0}, le(3), []byte{7, 8, 9}), 11, nil},
		{"audio param", cat([]byte{105}, make([]byte, 7)), 8, nil},
		{"mouse type", []byte{106, 1, 0, 0}, 4, MouseTypeMessage{Mode: MouseAbsolute}},
		{"video level", []byte{107, 5, 0, 0}, 4, VideoLevelMessage{Level: 5}},
		{"broadcast status", cat([]byte{201}, make([]byte, 67)), 68, nil},
		{"broadcast set", cat([]byte{202}, make([]byte, 67)), 68, nil},
		{"unknown", []byte{77, 1, 2, 3, 4}, 4, UnknownMessage{Kind: 77}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, n, err := DecodeServerMessage(tt.wire)
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if n != tt.size {
				t.Errorf("size = %d, want %d", n, tt.size)
			}
			if msg.Tag() != tt.wire[0] {
				t.Errorf("Tag() = %d, want %d", msg.Tag(), tt.wire[0])
			}
			if tt.want != nil && msg != tt.want {
				t.Errorf("message = %+v, want %+v", msg, tt.want)
			}
			if n > 1 {
				if _, _, err := DecodeServerMessage(tt.wire[:n-1]); !errors.Is(err, ErrNeedMore) {
					t.Errorf("truncated error = %v, want ErrNeedMore", err)
				}
			}
		})
	}
}

func TestServerMessages_LengthCeilings(t *testing.T) {
	be := func(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
	le := func(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

	tests := []struct {
		name string
		wire []byte
	}{
		{"audio", append([]byte{4, 0, 0, 0}, be(MaxAudioPayload+1)...)},
		{"cut text", append([]byte{3, 0, 0, 0}, be(MaxAdvisoryPayload+1)...)},
		{"device info", append([]byte{104, 0, 0, 0}, le(0xFFFFFFFF)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, skip, err := DecodeServerMessage(tt.wire)
			if !IsKVMError(err, ErrDesync) || skip != 4 {
				t.Errorf("got skip %d, err %v; want skip 4 and ErrDesync", skip, err)
			}
		})
	}
}

func TestServerMessages_StreamOfMixedMessages(t *testing.T) {
	var stream []byte
	stream = append(stream, 2)
	stream = append(stream, []byte{106, 0, 0, 0}...)
	stream = append(stream, EncodeVideoFrame(800, 600, EncodingH264, []byte{0, 0, 0, 1, 0x65, 1, 2})...)
	stream = append(stream, []byte{0, 0, 0, 0}...)

	var kinds []string
	for len(stream) > 0 {
		msg, n, err := DecodeServerMessage(stream)
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		switch msg.(type) {
		case BellMessage:
			kinds = append(kinds, "bell")
		case MouseTypeMessage:
			kinds = append(kinds, "mouse")
		case VideoFrame:
			kinds = append(kinds, "video")
		case FrameHeartbeat:
			kinds = append(kinds, "heartbeat")
		default:
			t.Fatalf("unexpected %T", msg)
		}
		stream = stream[n:]
	}

	want := []string{"bell", "mouse", "video", "heartbeat"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}
