// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"time"

	"golang.org/x/time/rate"
)

// H.264 NAL unit types handled by the reassembler.
const (
	NALSlice = 1
	NALIDR   = 5
	NALSPS   = 7
	NALPPS   = 8
)

// Reassembler defaults.
const (
	DefaultGOPLimit       = 100 * 1024
	DefaultVideoRateLimit = 100 * time.Millisecond
	MinGOPSize            = 50
)

// NALUnit is one unit found in an Annex B byte stream. Data includes the
// leading start code and aliases the scanned buffer.
type NALUnit struct {
	Type   uint8
	Offset int
	Data   []byte
}

// ScanNALUnits finds every 3- or 4-byte start code in data and returns the
// units between them in order. Bytes before the first start code are not
// part of any returned unit.
func ScanNALUnits(data []byte) []NALUnit {
	type mark struct{ pos, codeLen int }
	var marks []mark

	for i := 0; i+3 <= len(data); {
		if data[i] == 0 && data[i+1] == 0 {
			if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
				marks = append(marks, mark{i, 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				marks = append(marks, mark{i, 3})
				i += 3
				continue
			}
		}
		i++
	}

	units := make([]NALUnit, 0, len(marks))
	for idx, m := range marks {
		hdr := m.pos + m.codeLen
		if hdr >= len(data) {
			continue
		}
		end := len(data)
		if idx+1 < len(marks) {
			end = marks[idx+1].pos
		}
		units = append(units, NALUnit{
			Type:   data[hdr] & 0x1F,
			Offset: m.pos,
			Data:   data[m.pos:end],
		})
	}
	return units
}

// destination of the most recent unit, used to attach continuation bytes
// that arrive at the start of the next payload.
type nalDest uint8

const (
	destNone nalDest = iota
	destSPS
	destPPS
	destGOP
)

// FrameReassembler turns device video payloads into decoder-ready H.264
// access units: SPS, PPS and the current group of pictures concatenated
// with their start codes.
//
// A FrameReassembler is not safe for concurrent use. The client confines it
// to the receive loop.
type FrameReassembler struct {
	sps      []byte
	pps      []byte
	gop      []byte
	keyframe bool
	last     nalDest

	decodeAttempts uint64
	decoded        uint64
	overflows      uint64

	gopLimit int
	limiter  *rate.Limiter
	now      func() time.Time
	logger   Logger
}

// ReassemblerOption configures a FrameReassembler.
type ReassemblerOption func(*FrameReassembler)

// WithReassemblerGOPLimit bounds the GOP buffer. Values <= 0 keep the default.
func WithReassemblerGOPLimit(n int) ReassemblerOption {
	return func(r *FrameReassembler) {
		if n > 0 {
			r.gopLimit = n
		}
	}
}

// WithReassemblerRateLimit sets the minimum spacing between emissions.
// Zero disables the limit.
func WithReassemblerRateLimit(d time.Duration) ReassemblerOption {
	return func(r *FrameReassembler) {
		r.limiter = newEmissionLimiter(d)
	}
}

// WithReassemblerClock overrides the time source for rate limiting.
func WithReassemblerClock(now func() time.Time) ReassemblerOption {
	return func(r *FrameReassembler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReassemblerLogger sets the logger.
func WithReassemblerLogger(logger Logger) ReassemblerOption {
	return func(r *FrameReassembler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func newEmissionLimiter(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

// NewFrameReassembler creates an empty reassembler.
func NewFrameReassembler(opts ...ReassemblerOption) *FrameReassembler {
	r := &FrameReassembler{
		gopLimit: DefaultGOPLimit,
		limiter:  newEmissionLimiter(DefaultVideoRateLimit),
		now:      time.Now,
		logger:   &NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Feed processes one video payload. When a decodable unit is ready and the
// emission limiter allows it, Feed returns a freshly allocated copy of
// SPS+PPS+GOP and true.
func (r *FrameReassembler) Feed(payload []byte) ([]byte, bool) {
	units := ScanNALUnits(payload)

	lead := len(payload)
	if len(units) > 0 {
		lead = units[0].Offset
	}
	if lead > 0 {
		r.appendContinuation(payload[:lead])
	}

	for _, u := range units {
		r.apply(u)
	}

	if len(r.gop) > r.gopLimit {
		r.overflows++
		r.logger.Warn("GOP buffer exceeded limit, waiting for next keyframe",
			Field{Key: "gop_size", Value: len(r.gop)},
			Field{Key: "limit", Value: r.gopLimit})
		r.gop = r.gop[:0]
		r.keyframe = false
		r.last = destNone
		return nil, false
	}

	if !r.Ready() {
		return nil, false
	}
	if !r.limiter.AllowN(r.now(), 1) {
		return nil, false
	}

	r.decodeAttempts++
	out := make([]byte, 0, len(r.sps)+len(r.pps)+len(r.gop))
	out = append(out, r.sps...)
	out = append(out, r.pps...)
	out = append(out, r.gop...)
	return out, true
}

func (r *FrameReassembler) apply(u NALUnit) {
	switch u.Type {
	case NALSPS:
		r.sps = append(r.sps[:0], u.Data...)
		r.gop = r.gop[:0]
		r.keyframe = false
		r.last = destSPS
		r.logger.Debug("Stored SPS", Field{Key: "size", Value: len(u.Data)})
	case NALPPS:
		r.pps = append(r.pps[:0], u.Data...)
		r.last = destPPS
		r.logger.Debug("Stored PPS", Field{Key: "size", Value: len(u.Data)})
	case NALIDR:
		r.gop = append(r.gop[:0], u.Data...)
		r.keyframe = true
		r.last = destGOP
	case NALSlice:
		if !r.keyframe {
			r.last = destNone
			return
		}
		r.gop = append(r.gop, u.Data...)
		r.last = destGOP
	default:
		r.last = destNone
	}
}

func (r *FrameReassembler) appendContinuation(b []byte) {
	switch r.last {
	case destSPS:
		r.sps = append(r.sps, b...)
	case destPPS:
		r.pps = append(r.pps, b...)
	case destGOP:
		r.gop = append(r.gop, b...)
	}
}

// Ready reports whether both parameter sets, a keyframe and a non-trivial
// GOP are present. It ignores the emission limiter.
func (r *FrameReassembler) Ready() bool {
	return len(r.sps) > 0 && len(r.pps) > 0 && r.keyframe && len(r.gop) >= MinGOPSize
}

// MarkDecoded records a successful decoder hand-off. The GOP and keyframe
// flag are cleared; parameter sets are kept.
func (r *FrameReassembler) MarkDecoded() {
	r.decoded++
	r.gop = r.gop[:0]
	r.keyframe = false
	r.last = destNone
}

// DropGOP discards the current GOP, keeping parameter sets. Used when the
// device announces a new resolution.
func (r *FrameReassembler) DropGOP() {
	r.gop = r.gop[:0]
	r.keyframe = false
	r.last = destNone
}

// Reset clears all reassembly state, including parameter sets and counters.
// Buffers are kept for reuse.
func (r *FrameReassembler) Reset() {
	r.sps = r.sps[:0]
	r.pps = r.pps[:0]
	r.gop = r.gop[:0]
	r.keyframe = false
	r.last = destNone
	r.decodeAttempts = 0
	r.decoded = 0
	r.overflows = 0
}

// HasKeyframe reports whether a keyframe was seen since the last reset.
func (r *FrameReassembler) HasKeyframe() bool { return r.keyframe }

// GOPSize returns the number of buffered GOP bytes.
func (r *FrameReassembler) GOPSize() int { return len(r.gop) }

// DecodeAttempts returns how many units have been emitted.
func (r *FrameReassembler) DecodeAttempts() uint64 { return r.decodeAttempts }

// Decoded returns how many emissions were acknowledged with MarkDecoded.
func (r *FrameReassembler) Decoded() uint64 { return r.decoded }

// Overflows returns how many times the GOP limit was exceeded.
func (r *FrameReassembler) Overflows() uint64 { return r.overflows }
