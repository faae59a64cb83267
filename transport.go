// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Transport defaults.
const (
	DefaultReadBufferSize = 64 * 1024
	DefaultWriteTimeout   = 5 * time.Second
)

// Transport owns one TCP connection to the device. Send may be called from
// any goroutine; each call is written whole before the next begins. Inbound
// bytes are delivered as chunks on the channel returned by Start.
type Transport struct {
	conn   net.Conn
	logger Logger
	stats  *Stats

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTransportStats attaches byte counters.
func WithTransportStats(stats *Stats) TransportOption {
	return func(t *Transport) { t.stats = stats }
}

// WithTransportWriteTimeout bounds each Send. Zero disables the deadline.
func WithTransportWriteTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.writeTimeout = d }
}

// Dial opens a TCP connection to host:port with no-delay enabled. The dial
// is bounded by both ctx and timeout.
func Dial(ctx context.Context, host string, port int, timeout time.Duration, opts ...TransportOption) (*Transport, error) {
	if err := newInputValidator().ValidateEndpoint(host, port); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, timeoutError("Dial", "connect to "+addr+" timed out", err)
		}
		return nil, networkError("Dial", "connect to "+addr+" failed", err)
	}

	return NewTransport(conn, opts...), nil
}

// NewTransport wraps an established connection. TCP connections get
// no-delay enabled.
func NewTransport(conn net.Conn, opts ...TransportOption) *Transport {
	t := &Transport{
		conn:         conn,
		logger:       &NoOpLogger{},
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			t.logger.Warn("Failed to disable Nagle's algorithm", Field{Key: "error", Value: err})
		}
	}
	return t
}

// Send writes data as one unit. Concurrent calls never interleave.
func (t *Transport) Send(data []byte) error {
	select {
	case <-t.done:
		return networkError("Transport.Send", "transport closed", t.Err())
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	n, err := t.conn.Write(data)
	if t.stats != nil {
		t.stats.BytesOut.Add(uint64(n)) // #nosec G115 - n is never negative
	}
	if err != nil {
		werr := networkError("Transport.Send", "write failed", err)
		if isTimeout(err) {
			werr = timeoutError("Transport.Send", "write timed out", err)
		}
		t.closeWith(werr)
		return werr
	}
	return nil
}

// Start launches the read pump and returns the inbound chunk channel. The
// channel is closed after the transport closes. Each chunk is a private
// copy. Start must be called at most once.
func (t *Transport) Start(bufSize int) <-chan []byte {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	out := make(chan []byte)

	go func() {
		defer close(out)
		buf := make([]byte, bufSize)
		for {
			n, err := t.conn.Read(buf)
			if n > 0 {
				if t.stats != nil {
					t.stats.BytesIn.Add(uint64(n)) // #nosec G115 - n is never negative
				}
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-t.done:
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					t.closeWith(networkError("Transport.Read", "connection closed by device", err))
				} else {
					t.closeWith(networkError("Transport.Read", "read failed", err))
				}
				return
			}
		}
	}()

	return out
}

// Done is closed exactly once, when the transport closes for any reason.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the reason the transport closed, or nil while it is open or
// after a clean Close.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close closes the connection. It is idempotent and safe for concurrent use.
func (t *Transport) Close() error {
	t.closeWith(nil)
	return nil
}

// closeWith closes the transport recording reason. Only the first call has
// any effect.
func (t *Transport) closeWith(reason error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = reason
		t.errMu.Unlock()

		if err := t.conn.Close(); err != nil {
			t.logger.Debug("Error closing connection", Field{Key: "error", Value: err})
		}
		close(t.done)

		if reason != nil {
			t.logger.Debug("Transport closed", Field{Key: "reason", Value: reason})
		} else {
			t.logger.Debug("Transport closed")
		}
	})
}

// RemoteAddr returns the device address.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
