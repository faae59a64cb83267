// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle stage of a protocol session.
type State int

// Session states, in handshake order.
const (
	StateUninitialised State = iota
	StateVersionExchange
	StateSecurityTypes
	StateCentralizedSubtype
	StateSecurity
	StateSecurityResult
	StateInitialisation
	StateNormal
	StateClosed
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateVersionExchange:
		return "version exchange"
	case StateSecurityTypes:
		return "security types"
	case StateCentralizedSubtype:
		return "centralized subtype"
	case StateSecurity:
		return "security"
	case StateSecurityResult:
		return "security result"
	case StateInitialisation:
		return "initialisation"
	case StateNormal:
		return "normal"
	case StateClosed:
		return "closed"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateInvalid
}

// Device-info prefix detection. The block follows the version string and
// carries its payload length at the start of a fixed header.
const (
	deviceInfoHeaderSize = 53
	deviceInfoBlockSize  = deviceInfoHeaderSize - VersionSize
	deviceInfoLenOffset  = 0
	maxDeviceInfoSize    = 1 << 20
	maxReasonLength      = 64 * 1024
)

// DefaultMaxConsecutiveDesyncs bounds back-to-back framing recoveries.
const DefaultMaxConsecutiveDesyncs = 32

// sessionHooks connects a session to its owner. All calls happen on the
// goroutine that calls Feed.
type sessionHooks interface {
	// writePacket writes handshake bytes directly to the device.
	writePacket(data []byte) error
	emit(ev Event)
	emitVideo(unit VideoUnit)
}

type sessionConfig struct {
	id            string
	creds         Credentials
	channel       uint8
	registry      *AuthRegistry
	preferredAuth []uint8
	detectDevInfo bool
	maxDesyncs    int
	reassembler   *FrameReassembler
	logger        Logger
	metrics       MetricsCollector
	stats         *Stats
	now           func() time.Time
}

// sessionInfo is a copy of the negotiated fields, published to other
// goroutines after every Feed.
type sessionInfo struct {
	state        State
	securityType uint8
	width        uint16
	height       uint16
	name         string
	pixelFormat  PixelFormat
	mouseMode    MouseMode
	version      VersionPacket
	deviceInfo   []byte
}

// session is the byte-driven protocol state machine. It performs no I/O of
// its own: inbound bytes arrive through Feed and outbound handshake bytes
// leave through the hooks. A session is confined to one goroutine.
type session struct {
	cfg   sessionConfig
	hooks sessionHooks

	state State
	buf   []byte
	err   error

	auth         Authenticator
	securityType uint8
	version      VersionPacket
	width        uint16
	height       uint16
	name         string
	pixelFormat  PixelFormat
	mouseMode    MouseMode
	deviceInfo   []byte
	reachedReady bool

	devInfoChecked bool

	consecutiveDesyncs int
	videoSeq           uint64
}

func newSession(cfg sessionConfig, hooks sessionHooks) *session {
	if cfg.registry == nil {
		cfg.registry = NewAuthRegistry()
	}
	if cfg.maxDesyncs <= 0 {
		cfg.maxDesyncs = DefaultMaxConsecutiveDesyncs
	}
	if cfg.reassembler == nil {
		cfg.reassembler = NewFrameReassembler()
	}
	if cfg.logger == nil {
		cfg.logger = &NoOpLogger{}
	}
	if cfg.metrics == nil {
		cfg.metrics = &NoOpMetrics{}
	}
	if cfg.stats == nil {
		cfg.stats = &Stats{}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &session{cfg: cfg, hooks: hooks, mouseMode: MouseAbsolute}
}

// start announces the client version and enters VersionExchange.
func (s *session) start() error {
	if s.state != StateUninitialised {
		return protocolError("session.start", "session already started", nil)
	}
	s.transition(StateVersionExchange)
	if err := s.hooks.writePacket(ProtocolVersion.Encode()); err != nil {
		return s.fail(err)
	}
	return nil
}

// feed appends inbound bytes and runs the state machine until it needs more
// input. A non-nil return is terminal: the session is Invalid.
func (s *session) feed(data []byte) error {
	if s.state.Terminal() {
		if s.err != nil {
			return s.err
		}
		return notConnectedError("session.feed", s.state)
	}

	s.buf = append(s.buf, data...)
	off := 0
	for off < len(s.buf) && !s.state.Terminal() {
		n, err := s.step(s.buf[off:])
		if errors.Is(err, ErrNeedMore) {
			break
		}
		if err != nil {
			return s.fail(err)
		}
		off += n
	}

	if off > 0 {
		s.buf = s.buf[:copy(s.buf, s.buf[off:])]
	}
	if s.state.Terminal() {
		return s.err
	}
	return nil
}

func (s *session) step(buf []byte) (int, error) {
	switch s.state {
	case StateVersionExchange:
		return s.handleVersion(buf)
	case StateSecurityTypes:
		return s.handleSecurityTypes(buf)
	case StateCentralizedSubtype:
		return s.handleCentralizedSubtype(buf)
	case StateSecurity:
		return s.handleChallenge(buf)
	case StateSecurityResult:
		return s.handleSecurityResult(buf)
	case StateInitialisation:
		return s.handleServerInit(buf)
	case StateNormal:
		return s.handleNormal(buf)
	default:
		return 0, protocolError("session.step", "no handler for state "+s.state.String(), nil)
	}
}

func (s *session) handleVersion(buf []byte) (int, error) {
	v, n, err := DecodeVersion(buf)
	if err != nil {
		return 0, err
	}
	s.version = v
	s.cfg.logger.Info("Device version received", Field{Key: "version", Value: v.String()})

	s.transition(StateSecurityTypes)
	return n, nil
}

// deviceInfoPrefix returns how many bytes of device-info block start buf,
// which holds whatever followed the version string. It returns ErrNeedMore
// while the bytes could still be either a block or a security-type list.
func (s *session) deviceInfoPrefix(buf []byte) (int, error) {
	switch {
	case plausibleSecurityTypes(buf):
		return 0, nil
	case buf[0] == 0:
		// A zero count is a security failure unless a whole block is
		// already buffered.
		if n, ok := s.captureDeviceInfo(buf); ok {
			return n, nil
		}
		return 0, nil
	case partialSecurityTypes(buf):
		return 0, ErrNeedMore
	case len(buf) == 1+int(buf[0]) && offersKnownType(buf[1:]):
		// A complete list with some unknown codes and nothing after it.
		return 0, nil
	}

	if len(buf) < deviceInfoLenOffset+4 {
		return 0, ErrNeedMore
	}
	length := binary.LittleEndian.Uint32(buf[deviceInfoLenOffset:])
	if length > maxDeviceInfoSize {
		return 0, nil
	}
	n, ok := s.captureDeviceInfo(buf)
	if !ok {
		return 0, ErrNeedMore
	}
	return n, nil
}

// captureDeviceInfo stores a complete block from the start of buf.
func (s *session) captureDeviceInfo(buf []byte) (int, bool) {
	if len(buf) < deviceInfoBlockSize {
		return 0, false
	}
	length := binary.LittleEndian.Uint32(buf[deviceInfoLenOffset:])
	if length > maxDeviceInfoSize {
		return 0, false
	}
	total := deviceInfoBlockSize + int(length)
	if len(buf) < total {
		return 0, false
	}

	s.deviceInfo = append(s.deviceInfo[:0], buf[:total]...)
	s.cfg.logger.Info("Skipped device info block", Field{Key: "length", Value: length})
	return total, true
}

// plausibleSecurityTypes reports whether buf begins with a security-type
// count followed by that many known scheme codes.
func plausibleSecurityTypes(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	n := int(buf[0])
	if n == 0 || len(buf) < 1+n {
		return false
	}
	for _, t := range buf[1 : 1+n] {
		if !knownSecurityType(t) {
			return false
		}
	}
	return true
}

func offersKnownType(types []byte) bool {
	for _, t := range types {
		if knownSecurityType(t) {
			return true
		}
	}
	return false
}

// partialSecurityTypes reports whether buf is a truncated security-type
// list whose codes so far are all known.
func partialSecurityTypes(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	n := int(buf[0])
	if n == 0 || len(buf) >= 1+n {
		return false
	}
	for _, t := range buf[1:] {
		if !knownSecurityType(t) {
			return false
		}
	}
	return true
}

func (s *session) handleSecurityTypes(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrNeedMore
	}

	if s.cfg.detectDevInfo && !s.devInfoChecked {
		n, err := s.deviceInfoPrefix(buf)
		if err != nil {
			return 0, err
		}
		s.devInfoChecked = true
		if n > 0 {
			return n, nil
		}
	}

	if buf[0] == 0 {
		return 0, s.securityFailureReason(buf)
	}

	pkt, n, err := DecodeSecurityTypes(buf)
	if err != nil {
		return 0, err
	}
	s.cfg.logger.Debug("Security types offered", Field{Key: "types", Value: pkt.Types})

	auth, chosen, err := s.cfg.registry.NegotiateAuth(pkt.Types, s.cfg.preferredAuth, s.cfg.creds)
	if err != nil {
		return 0, err
	}
	s.auth = auth
	s.securityType = chosen

	sel, err := auth.Select(s.cfg.channel)
	if err != nil {
		return 0, err
	}
	if err := s.hooks.writePacket(sel); err != nil {
		return 0, err
	}

	switch chosen {
	case SecurityNone:
		s.transition(StateSecurityResult)
	case SecurityCentralized:
		s.transition(StateCentralizedSubtype)
	default:
		s.transition(StateSecurity)
	}
	return n, nil
}

// securityFailureReason reads the BE32-prefixed reason that follows a
// zero-length security type list.
func (s *session) securityFailureReason(buf []byte) error {
	if len(buf) < 5 {
		return ErrNeedMore
	}
	length := binary.BigEndian.Uint32(buf[1:])
	if length > maxReasonLength {
		return protocolError("session.securityTypes", "device offered no security types", nil)
	}
	if len(buf) < 5+int(length) {
		return ErrNeedMore
	}
	reason := newInputValidator().SanitizeText(string(buf[5 : 5+length]))
	return protocolError("session.securityTypes", "device offered no security types: "+reason, nil)
}

func (s *session) handleCentralizedSubtype(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrNeedMore
	}
	switch buf[0] {
	case SecurityNone:
		s.transition(StateSecurityResult)
	case SecurityVNC:
		s.transition(StateSecurity)
	default:
		return 0, unsupportedError("session.centralizedSubtype",
			fmt.Sprintf("unsupported centralized subtype %d", buf[0]), nil)
	}
	return 1, nil
}

func (s *session) handleChallenge(buf []byte) (int, error) {
	ch, n, err := DecodeChallenge(buf)
	if err != nil {
		return 0, err
	}
	resp, err := s.auth.Respond(ch.Challenge[:])
	sm := &SecureMemory{}
	sm.ClearBytes(ch.Challenge[:])
	sm.ClearBytes(buf[:n])
	if err != nil {
		return 0, err
	}
	if err := s.hooks.writePacket(resp); err != nil {
		return 0, err
	}
	s.transition(StateSecurityResult)
	return n, nil
}

func (s *session) handleSecurityResult(buf []byte) (int, error) {
	res, n, err := DecodeSecurityResult(buf)
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, authenticationError("session.securityResult", "device rejected credentials",
			&AuthFailedError{Status: res.Status})
	}

	s.cfg.logger.Info("Authentication succeeded", Field{Key: "method", Value: s.auth.String()})
	s.hooks.emit(s.event(EventAuthSucceeded))

	if err := s.hooks.writePacket(ShareFlagPacket{Shared: true}.Encode()); err != nil {
		return 0, err
	}
	s.transition(StateInitialisation)
	return n, nil
}

func (s *session) handleServerInit(buf []byte) (int, error) {
	init, n, err := DecodeServerInit(buf)
	if err != nil {
		return 0, err
	}

	iv := newInputValidator()
	if err := iv.ValidateImageDimensions(init.Width, init.Height); err != nil {
		return 0, protocolError("session.serverInit", "invalid dimensions", err)
	}
	if err := iv.ValidateDeviceName(init.Name); err != nil {
		return 0, protocolError("session.serverInit", "invalid device name", err)
	}

	s.width, s.height, s.name = init.Width, init.Height, init.Name
	s.pixelFormat = init.PixelFormat
	s.transition(StateNormal)
	s.reachedReady = true

	s.cfg.logger.Info("Session ready",
		Field{Key: "width", Value: s.width},
		Field{Key: "height", Value: s.height},
		Field{Key: "name", Value: s.name},
		Field{Key: "pixel_format", Value: s.pixelFormat})

	ev := s.event(EventReady)
	ev.Width, ev.Height, ev.Name = s.width, s.height, s.name
	s.hooks.emit(ev)
	return n, nil
}

func (s *session) handleNormal(buf []byte) (int, error) {
	msg, n, err := DecodeServerMessage(buf)
	if errors.Is(err, ErrNeedMore) {
		return 0, err
	}
	if err != nil {
		return s.recoverDesync(n, err)
	}
	s.consecutiveDesyncs = 0

	switch m := msg.(type) {
	case VideoFrame:
		s.handleVideo(m)
	case ResolutionChange:
		s.resize(m.Width, m.Height)
		s.cfg.reassembler.DropGOP()
	case MouseTypeMessage:
		s.mouseMode = m.Mode
		s.cfg.logger.Debug("Mouse mode reported", Field{Key: "mode", Value: m.Mode.String()})
		ev := s.event(EventMouseMode)
		ev.Mode = m.Mode
		s.hooks.emit(ev)
	case DeviceInfoMessage:
		s.deviceInfo = append(s.deviceInfo[:0], m.Info...)
	case UnknownMessage:
		s.cfg.stats.UnknownTags.Add(1)
		s.cfg.metrics.Counter(MetricUnknownTags, 1, Field{Key: "tag", Value: m.Kind})
		s.cfg.logger.Warn("Skipped unknown message tag", Field{Key: "tag", Value: m.Kind})
	case FrameHeartbeat:
	default:
		s.cfg.logger.Debug("Discarded server message",
			Field{Key: "tag", Value: msg.Tag()},
			Field{Key: "type", Value: fmt.Sprintf("%T", msg)})
	}
	return n, nil
}

func (s *session) recoverDesync(skip int, err error) (int, error) {
	if !IsKVMError(err, ErrDesync) || skip <= 0 {
		return 0, err
	}

	s.consecutiveDesyncs++
	s.cfg.stats.Desyncs.Add(1)
	s.cfg.metrics.Counter(MetricDesyncs, 1)
	s.cfg.logger.Warn("Stream desynchronized, skipping bytes",
		Field{Key: "skip", Value: skip},
		Field{Key: "consecutive", Value: s.consecutiveDesyncs},
		Field{Key: "error", Value: err})

	if s.consecutiveDesyncs > s.cfg.maxDesyncs {
		return 0, desyncError("session.normal",
			fmt.Sprintf("%d consecutive desyncs", s.consecutiveDesyncs), err)
	}
	return skip, nil
}

func (s *session) handleVideo(f VideoFrame) {
	if f.Width > 0 && f.Height > 0 && (f.Width != s.width || f.Height != s.height) {
		s.resize(f.Width, f.Height)
	}
	if f.Encoding != EncodingH264 {
		s.cfg.logger.Debug("Ignoring non-H.264 video payload", Field{Key: "encoding", Value: f.Encoding})
		return
	}

	data, ok := s.cfg.reassembler.Feed(f.Payload)
	if !ok {
		return
	}

	s.videoSeq++
	s.cfg.stats.VideoUnits.Add(1)
	s.cfg.metrics.Counter(MetricVideoUnits, 1)
	s.cfg.metrics.Histogram(MetricVideoUnitBytes, float64(len(data)))
	s.hooks.emitVideo(VideoUnit{
		Data:      data,
		Width:     s.width,
		Height:    s.height,
		Encoding:  f.Encoding,
		Seq:       s.videoSeq,
		Timestamp: s.cfg.now(),
	})
}

func (s *session) resize(w, h uint16) {
	if err := newInputValidator().ValidateImageDimensions(w, h); err != nil {
		s.cfg.logger.Warn("Ignoring invalid resolution", Field{Key: "error", Value: err})
		return
	}
	s.width, s.height = w, h
	s.cfg.logger.Info("Resolution changed", Field{Key: "width", Value: w}, Field{Key: "height", Value: h})

	ev := s.event(EventResolutionChanged)
	ev.Width, ev.Height = w, h
	s.hooks.emit(ev)
}

// fail moves the session to Invalid and emits exactly one failure event.
// Later calls return the first error unchanged.
func (s *session) fail(err error) error {
	if s.state.Terminal() {
		if s.err != nil {
			return s.err
		}
		return err
	}
	s.err = err
	s.transition(StateInvalid)

	if code, ok := AuthStatus(err); ok {
		s.cfg.logger.Error("Authentication failed", Field{Key: "status", Value: code})
		ev := s.event(EventAuthFailed)
		ev.Code = code
		ev.Reason = (&AuthFailedError{Status: code}).Error()
		ev.Err = err
		s.hooks.emit(ev)
	} else {
		s.cfg.logger.Error("Session failed", Field{Key: "error", Value: err})
		ev := s.event(EventError)
		ev.Err = err
		s.hooks.emit(ev)
	}

	if s.reachedReady {
		s.hooks.emit(s.event(EventClosed))
	}
	return err
}

// close ends a healthy session.
func (s *session) close() {
	if s.state.Terminal() {
		return
	}
	s.transition(StateClosed)
	if s.reachedReady {
		s.hooks.emit(s.event(EventClosed))
	}
}

func (s *session) transition(to State) {
	s.cfg.logger.Debug("Session state transition",
		Field{Key: "from", Value: s.state.String()},
		Field{Key: "to", Value: to.String()})
	s.state = to
}

func (s *session) event(kind EventKind) Event {
	return Event{Kind: kind, SessionID: s.cfg.id, Time: s.cfg.now()}
}

func (s *session) info() sessionInfo {
	return sessionInfo{
		state:        s.state,
		securityType: s.securityType,
		width:        s.width,
		height:       s.height,
		name:         s.name,
		pixelFormat:  s.pixelFormat,
		mouseMode:    s.mouseMode,
		version:      s.version,
		deviceInfo:   append([]byte(nil), s.deviceInfo...),
	}
}
