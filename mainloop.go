// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"sync"
	"time"
)

// connection is one Connect attempt: a transport, the session it drives and
// the goroutines that serve them. A Client creates a new connection for
// every Connect and never reuses one.
//
// Goroutines:
//   - readLoop is the only goroutine that touches the session and the
//     reassembler.
//   - sendLoop drains the bounded outbound queue into the transport.
//   - keepAliveLoop enqueues keep-alives while the session is Normal.
type connection struct {
	client    *Client
	id        string
	params    ConnParams
	transport *Transport
	session   *session
	logger    Logger

	queue   chan []byte
	decoded chan struct{}

	ready     chan error
	readyOnce sync.Once

	stop       chan struct{}
	stopOnce   sync.Once
	stopReason error
	readerDone chan struct{}
	normal     chan struct{}
	normalOnce sync.Once

	wg sync.WaitGroup
}

func newConnection(c *Client, id string, params ConnParams, tr *Transport, logger Logger) *connection {
	conn := &connection{
		client:     c,
		id:         id,
		params:     params,
		transport:  tr,
		logger:     logger,
		queue:      make(chan []byte, c.cfg.SendQueueSize),
		decoded:    make(chan struct{}, 1),
		ready:      make(chan error, 1),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		normal:     make(chan struct{}),
	}

	conn.session = newSession(sessionConfig{
		id:            id,
		creds:         Credentials{Username: params.Username, Password: params.Password},
		channel:       params.Channel,
		registry:      c.registry,
		preferredAuth: c.cfg.PreferredAuth,
		detectDevInfo: c.cfg.DeviceInfoDetection,
		maxDesyncs:    c.cfg.MaxConsecutiveDesyncs,
		reassembler:   c.reassembler,
		logger:        logger,
		metrics:       c.cfg.Metrics,
		stats:         &c.stats,
		now:           c.cfg.Now,
	}, conn)

	// Counted before the Client publishes conn so a concurrent shutdown
	// always waits for the goroutines start launches.
	conn.wg.Add(3)
	return conn
}

// start sends the client version, then launches the goroutines that own
// the session from here on.
func (c *connection) start(readBufferSize int) error {
	if err := c.session.start(); err != nil {
		c.client.publishInfo(c, c.session.info())
		close(c.readerDone)
		_ = c.transport.Close()
		c.wg.Add(-3)
		return err
	}
	c.client.publishInfo(c, c.session.info())

	inbound := c.transport.Start(readBufferSize)

	go c.readLoop(inbound)
	go c.sendLoop()
	go c.keepAliveLoop(c.client.cfg.KeepAliveInterval)
	return nil
}

func (c *connection) readLoop(inbound <-chan []byte) {
	defer c.wg.Done()
	defer close(c.readerDone)

	c.logger.Info("Starting message processing loop")

	for {
		select {
		case chunk, ok := <-inbound:
			if !ok {
				c.finish()
				return
			}
			c.client.cfg.Metrics.Counter(MetricBytesIn, int64(len(chunk)))
			err := c.session.feed(chunk)
			c.client.publishInfo(c, c.session.info())
			if err != nil {
				c.logger.Debug("Message processing loop ended", Field{Key: "error", Value: err})
				c.signalReady(err)
				_ = c.transport.Close()
				return
			}

		case <-c.decoded:
			c.client.reassembler.MarkDecoded()

		case <-c.stop:
			c.finish()
			return
		}
	}
}

// finish ends the session when the reader stops for a reason other than a
// session error: a requested shutdown or a transport failure.
func (c *connection) finish() {
	var reason error
	select {
	case <-c.stop:
		reason = c.stopReason
	default:
		reason = c.transport.Err()
		if reason == nil {
			reason = networkError("connection.read", "connection closed", nil)
		}
	}

	var err error
	if reason != nil {
		err = c.session.fail(reason)
	} else {
		c.session.close()
		err = notConnectedError("Connect", StateClosed)
	}
	c.client.publishInfo(c, c.session.info())
	c.signalReady(err)
	_ = c.transport.Close()
	c.logger.Info("Message processing loop ended", Field{Key: "state", Value: c.session.state.String()})
}

func (c *connection) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.queue:
			if err := c.transport.Send(data); err != nil {
				c.logger.Warn("Failed to send packet", Field{Key: "error", Value: err})
				return
			}
			c.client.stats.PacketsSent.Add(1)
			c.client.cfg.Metrics.Counter(MetricPacketsSent, 1)
			c.client.cfg.Metrics.Counter(MetricBytesOut, int64(len(data)))
		case <-c.transport.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// keepAliveLoop waits for Normal, then enqueues a keep-alive every interval
// until the session leaves Normal.
func (c *connection) keepAliveLoop(interval time.Duration) {
	defer c.wg.Done()

	select {
	case <-c.normal:
	case <-c.readerDone:
		return
	case <-c.transport.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.enqueue(KeepAlivePacket{}.Encode()); err == nil {
				c.client.stats.KeepAlives.Add(1)
				c.client.cfg.Metrics.Counter(MetricKeepAlives, 1)
			}
		case <-c.readerDone:
			return
		case <-c.transport.Done():
			return
		}
	}
}

// enqueue adds data to the outbound queue without blocking. A full queue
// drops data and returns ErrQueueFull.
func (c *connection) enqueue(data []byte) error {
	select {
	case <-c.readerDone:
		return notConnectedError("enqueue", c.client.State())
	default:
	}

	select {
	case c.queue <- data:
		c.client.cfg.Metrics.Gauge(MetricSendQueueDepth, float64(len(c.queue)))
		return nil
	default:
		c.client.stats.CommandsDropped.Add(1)
		c.client.cfg.Metrics.Counter(MetricCommandsDropped, 1)
		c.logger.Warn("Outbound queue full, dropping command", Field{Key: "tag", Value: data[0]})
		return ErrQueueFull
	}
}

// markDecoded asks the reader to clear the reassembler's group of pictures.
func (c *connection) markDecoded() {
	select {
	case c.decoded <- struct{}{}:
	default:
	}
}

// shutdown stops the connection and waits for its goroutines. A nil reason
// is a clean close; otherwise the session fails with reason.
func (c *connection) shutdown(reason error) {
	c.stopOnce.Do(func() {
		c.stopReason = reason
		close(c.stop)
	})
	c.wg.Wait()
	_ = c.transport.Close()
}

func (c *connection) signalReady(err error) {
	c.readyOnce.Do(func() {
		c.ready <- err
	})
}

// writePacket implements sessionHooks. Handshake packets bypass the queue
// so they are ordered with respect to the state machine.
func (c *connection) writePacket(data []byte) error {
	if err := c.transport.Send(data); err != nil {
		return err
	}
	c.client.stats.PacketsSent.Add(1)
	c.client.cfg.Metrics.Counter(MetricPacketsSent, 1)
	c.client.cfg.Metrics.Counter(MetricBytesOut, int64(len(data)))
	return nil
}

// emit implements sessionHooks.
func (c *connection) emit(ev Event) {
	if ev.Kind == EventReady {
		// Info is published before subscribers and Connect learn of Ready.
		c.client.publishInfo(c, c.session.info())
		c.normalOnce.Do(func() { close(c.normal) })
		c.signalReady(nil)
	}
	c.client.publishEvent(ev)
}

// emitVideo implements sessionHooks.
func (c *connection) emitVideo(unit VideoUnit) {
	c.client.publishVideo(unit)
}
