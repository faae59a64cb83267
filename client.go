// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a connection to one KVM device channel. All methods are safe for
// concurrent use. A Client may be connected again after Disconnect or after
// a failed session; each Connect starts a fresh session.
type Client struct {
	cfg         *ClientConfig
	logger      Logger
	registry    *AuthRegistry
	reassembler *FrameReassembler
	stats       Stats

	events *fanout[Event]
	videos *fanout[VideoUnit]

	// connectMu serialises Connect calls. Disconnect never takes it.
	connectMu sync.Mutex

	mu          sync.RWMutex
	conn        *connection
	cancel      context.CancelFunc
	info        sessionInfo
	sessionID   string
	latest      *VideoUnit
	videoNotify chan struct{}
}

// NewClient creates a disconnected client. Options are applied in order over
// the defaults.
//
// Example usage:
//
//	client, err := kvm.NewClient(
//		kvm.WithLogger(kvm.NewSlogLogger(slog.Default())),
//		kvm.WithKeepAliveInterval(3*time.Second),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = client.Connect(ctx, kvm.ConnParams{
//		Host:     "192.168.1.50",
//		Port:     5900,
//		Channel:  1,
//		Username: "admin",
//		Password: "secret12",
//	})
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, option := range options {
		option(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	registry := cfg.AuthRegistry
	if registry == nil {
		registry = NewAuthRegistry()
	}
	registry.SetLogger(cfg.Logger)

	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: registry,
		reassembler: NewFrameReassembler(
			WithReassemblerGOPLimit(cfg.GOPLimit),
			WithReassemblerRateLimit(cfg.VideoRateLimit),
			WithReassemblerClock(cfg.Now),
			WithReassemblerLogger(cfg.Logger),
		),
		events:      newFanout[Event](),
		videos:      newFanout[VideoUnit](),
		info:        sessionInfo{mouseMode: MouseAbsolute},
		videoNotify: make(chan struct{}),
	}, nil
}

// Connect dials the device and runs the handshake until the session reaches
// the Normal state. It returns once the device is ready, or with the error
// that ended the attempt. The attempt is bounded by ctx and by
// params.ConnectTimeout; on any failure the connection is torn down.
func (c *Client) Connect(ctx context.Context, params ConnParams) (err error) {
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return err
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.connected() {
		return protocolError("Connect", "client is already connected", nil)
	}

	id := uuid.NewString()
	logger := c.logger.With(
		Field{Key: "session_id", Value: id},
		Field{Key: "host", Value: params.Host},
		Field{Key: "channel", Value: params.Channel})
	c.stats.Connects.Add(1)

	ctx, end := c.cfg.Tracer.StartSpan(ctx, "kvm.connect",
		Field{Key: "kvm.host", Value: params.Host},
		Field{Key: "kvm.port", Value: params.Port},
		Field{Key: "kvm.channel", Value: params.Channel},
		Field{Key: "kvm.session_id", Value: id})
	started := c.cfg.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = GetErrorCode(err).String()
		}
		c.cfg.Metrics.Counter(MetricConnects, 1, Field{Key: "result", Value: result})
		c.cfg.Metrics.Histogram(MetricConnectSeconds, c.cfg.Now().Sub(started).Seconds())
		end(err, Field{Key: "kvm.security_type", Value: c.SecurityType()})
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	ctx, cancelTimeout := context.WithTimeout(ctx, params.ConnectTimeout)
	defer cancelTimeout()

	logger.Info("Connecting to device", Field{Key: "port", Value: params.Port})

	tr, err := Dial(ctx, params.Host, params.Port, 0,
		WithTransportLogger(logger),
		WithTransportStats(&c.stats),
		WithTransportWriteTimeout(c.cfg.WriteTimeout))
	if err != nil {
		logger.Error("Failed to connect", Field{Key: "error", Value: err})
		return err
	}

	c.reassembler.Reset()
	conn := newConnection(c, id, params, tr, logger)

	c.mu.Lock()
	c.conn = conn
	c.sessionID = id
	c.info = sessionInfo{mouseMode: MouseAbsolute}
	c.latest = nil
	c.mu.Unlock()

	if err := conn.start(c.cfg.ReadBufferSize); err != nil {
		logger.Error("Failed to start session", Field{Key: "error", Value: err})
		return err
	}

	select {
	case err = <-conn.ready:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = timeoutError("Connect", "handshake did not complete within "+params.ConnectTimeout.String(), ctx.Err())
		} else {
			err = networkError("Connect", "connect cancelled", ctx.Err())
		}
	}
	if err != nil {
		conn.shutdown(err)
		logger.Error("Connect failed", Field{Key: "error", Value: err})
		return err
	}

	w, h := c.FrameSize()
	logger.Info("Connected to device",
		Field{Key: "remote_addr", Value: tr.RemoteAddr().String()},
		Field{Key: "name", Value: c.DeviceName()},
		Field{Key: "width", Value: w},
		Field{Key: "height", Value: h})
	return nil
}

// Disconnect closes the current connection. It is safe to call at any time,
// more than once, and concurrently with Connect; a pending Connect fails
// promptly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}

	conn.shutdown(nil)
	conn.logger.Info("Disconnected")
	return nil
}

func (c *Client) connected() bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return false
	}
	select {
	case <-conn.readerDone:
		return false
	default:
		return true
	}
}

// send validates the session state and queues pkt. A full queue drops the
// command silently; the drop is counted in Stats.
func (c *Client) send(op string, pkt Packet) error {
	c.mu.RLock()
	conn, state := c.conn, c.info.state
	c.mu.RUnlock()

	if conn == nil || state != StateNormal {
		return notConnectedError(op, state)
	}
	err := conn.enqueue(pkt.Encode())
	if errors.Is(err, ErrQueueFull) {
		return nil
	}
	return err
}

// SendKey sends a key press (down) or release for an X11 keysym.
func (c *Client) SendKey(keysym uint32, down bool) error {
	if err := newInputValidator().ValidateKeySymbol(keysym); err != nil {
		return err
	}
	return c.send("SendKey", KeyEventPacket{Keysym: keysym, Down: down})
}

// SendKeyPress sends a key down followed by a key up.
func (c *Client) SendKeyPress(keysym uint32) error {
	if err := c.SendKey(keysym, true); err != nil {
		return err
	}
	return c.SendKey(keysym, false)
}

// SendKeyRelease sends a key up.
func (c *Client) SendKeyRelease(keysym uint32) error {
	return c.SendKey(keysym, false)
}

// SendPointer sends a pointer event. In MouseAbsolute mode x and y are
// device-normalised coordinates in 0..65535; in MouseRelative mode they are
// signed deltas. Out-of-range values are clamped.
func (c *Client) SendPointer(x, y int, mask ButtonMask, mode MouseMode) error {
	return c.send("SendPointer", PointerEventPacket{Mask: mask, X: x, Y: y, Mode: mode})
}

// MovePointerPixel sends an absolute pointer event for a pixel position in
// the negotiated frame size.
func (c *Client) MovePointerPixel(px, py int, mask ButtonMask) error {
	w, h := c.FrameSize()
	if w == 0 || h == 0 {
		return notConnectedError("MovePointerPixel", c.State())
	}
	x := px * 65535 / int(w)
	y := py * 65535 / int(h)
	return c.SendPointer(x, y, mask, MouseAbsolute)
}

// SetMouseMode asks the device to switch pointer mode. The device confirms
// with a mouse-type report, visible through MouseMode and EventMouseMode.
func (c *Client) SetMouseMode(mode MouseMode) error {
	if mode != MouseAbsolute && mode != MouseRelative {
		return validationError("SetMouseMode", "unknown mouse mode "+mode.String(), nil)
	}
	return c.send("SetMouseMode", SetMouseTypePacket{Mode: mode})
}

// RequestMouseType asks the device to report its current pointer mode.
func (c *Client) RequestMouseType() error {
	return c.send("RequestMouseType", MouseTypeRequestPacket{})
}

// RequestVideoParams asks the device for its video parameters.
func (c *Client) RequestVideoParams() error {
	return c.send("RequestVideoParams", VideoParamRequestPacket{})
}

// RequestAudioParams asks the device for its audio parameters.
func (c *Client) RequestAudioParams() error {
	return c.send("RequestAudioParams", AudioParamRequestPacket{})
}

// LatestVideoUnit returns a copy of the newest video unit. It reports false
// when no unit has arrived in this session or the newest is older than
// maxAge. A zero maxAge accepts any age.
func (c *Client) LatestVideoUnit(maxAge time.Duration) (VideoUnit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return VideoUnit{}, false
	}
	if maxAge > 0 && c.cfg.Now().Sub(c.latest.Timestamp) > maxAge {
		return VideoUnit{}, false
	}
	return c.latest.Clone(), true
}

// WaitForVideoUnit blocks until a video unit newer than the call arrives or
// ctx is done.
func (c *Client) WaitForVideoUnit(ctx context.Context) (VideoUnit, error) {
	c.mu.RLock()
	notify := c.videoNotify
	c.mu.RUnlock()

	select {
	case <-notify:
	case <-ctx.Done():
		return VideoUnit{}, ctx.Err()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return VideoUnit{}, notConnectedError("WaitForVideoUnit", c.info.state)
	}
	return c.latest.Clone(), nil
}

// MarkDecoded reports that the latest video unit was decoded. The receive
// loop then starts a new group of pictures while keeping the parameter sets.
func (c *Client) MarkDecoded() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.markDecoded()
	}
}

// Subscribe registers ch for lifecycle events. Delivery never blocks: when
// ch is full the event is dropped for this subscriber.
func (c *Client) Subscribe(id string, ch chan<- Event) error {
	return c.events.subscribe(id, ch)
}

// Unsubscribe removes a lifecycle subscriber.
func (c *Client) Unsubscribe(id string) error {
	return c.events.unsubscribe(id)
}

// SubscribeVideo registers ch for decoder-ready video units. Delivery never
// blocks. The unit's Data is shared between video subscribers and must not
// be modified.
func (c *Client) SubscribeVideo(id string, ch chan<- VideoUnit) error {
	return c.videos.subscribe(id, ch)
}

// UnsubscribeVideo removes a video subscriber.
func (c *Client) UnsubscribeVideo(id string) error {
	return c.videos.unsubscribe(id)
}

// EventStats returns delivery counters for lifecycle subscribers.
func (c *Client) EventStats() FanoutStats { return c.events.stats() }

// VideoStats returns delivery counters for video subscribers.
func (c *Client) VideoStats() FanoutStats { return c.videos.stats() }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.state
}

// IsConnected reports whether the session is in the Normal state.
func (c *Client) IsConnected() bool {
	return c.State() == StateNormal
}

// FrameSize returns the negotiated frame dimensions.
func (c *Client) FrameSize() (width, height uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.width, c.info.height
}

// DeviceName returns the name the device sent in server-init.
func (c *Client) DeviceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.name
}

// PixelFormat returns the pixel format block from server-init.
func (c *Client) PixelFormat() PixelFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.pixelFormat
}

// SecurityType returns the negotiated security scheme, or 0 before negotiation.
func (c *Client) SecurityType() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.securityType
}

// MouseMode returns the last pointer mode the device reported.
func (c *Client) MouseMode() MouseMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.mouseMode
}

// DeviceVersion returns the protocol version the device announced.
func (c *Client) DeviceVersion() VersionPacket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.version
}

// DeviceInfo returns a copy of the most recent device-info block, if any.
func (c *Client) DeviceInfo() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.info.deviceInfo...)
}

// SessionID returns the identifier assigned by the most recent Connect.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Stats returns a snapshot of the client's counters. Counters accumulate
// across reconnects.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// publishInfo stores the session fields read by the query methods. Updates
// from a replaced connection are ignored.
func (c *Client) publishInfo(conn *connection, info sessionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.info = info
	}
}

func (c *Client) publishEvent(ev Event) {
	if dropped := c.events.publish(ev); dropped > 0 {
		c.logger.Debug("Event dropped for slow subscribers",
			Field{Key: "kind", Value: ev.Kind.String()},
			Field{Key: "dropped", Value: dropped})
	}
}

func (c *Client) publishVideo(unit VideoUnit) {
	c.mu.Lock()
	latest := unit
	c.latest = &latest
	close(c.videoNotify)
	c.videoNotify = make(chan struct{})
	c.mu.Unlock()

	c.videos.publish(unit)
}
