// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// MockKVMServer is a scripted KVM device for client tests. It accepts TCP
// connections, runs the handshake described by its configuration and then
// records every client packet.
type MockKVMServer struct {
	listener net.Listener
	port     int
	wg       sync.WaitGroup
	stop     chan struct{}

	// Configuration
	SecurityTypes      []uint8
	Username           string
	Password           string
	ResultStatus       uint32
	CentralizedSubtype uint8
	DeviceInfo         []byte
	FrameWidth         uint16
	FrameHeight        uint16
	DeviceName         string
	AfterInit          [][]byte
	StallHandshake     bool

	mu        sync.Mutex
	conns     []net.Conn
	ready     []net.Conn
	packets   []Packet
	selects   [][]byte
	authValid []bool
	accepted  int
}

// NewMockKVMServer creates a mock device offering DES authentication.
func NewMockKVMServer() *MockKVMServer {
	return &MockKVMServer{
		SecurityTypes:      []uint8{SecurityVNC},
		Username:           "admin",
		Password:           "secret12",
		CentralizedSubtype: SecurityVNC,
		FrameWidth:         1920,
		FrameHeight:        1080,
		DeviceName:         "Mock KVM",
		stop:               make(chan struct{}),
	}
}

// Start starts the mock server on a random available port.
func (m *MockKVMServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	m.listener = listener
	m.port = listener.Addr().(*net.TCPAddr).Port

	m.wg.Add(1)
	go m.serve()
	return nil
}

// Stop closes the listener and every connection.
func (m *MockKVMServer) Stop() {
	close(m.stop)
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for _, c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Params returns connection parameters for this server with the configured
// credentials.
func (m *MockKVMServer) Params() ConnParams {
	return ConnParams{
		Host:           "127.0.0.1",
		Port:           m.port,
		Channel:        1,
		Username:       m.Username,
		Password:       m.Password,
		ConnectTimeout: 2 * time.Second,
	}
}

// Send writes data to every connection that completed the handshake.
func (m *MockKVMServer) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return errors.New("no ready connections")
	}
	for _, c := range m.ready {
		if _, err := c.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open connection from the device side.
func (m *MockKVMServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.ready = nil
}

// Packets returns the normal-stage packets received so far.
func (m *MockKVMServer) Packets() []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Packet(nil), m.packets...)
}

// WaitForPackets polls until at least n packets matching keep have arrived.
func (m *MockKVMServer) WaitForPackets(n int, timeout time.Duration, keep func(Packet) bool) []Packet {
	deadline := time.Now().Add(timeout)
	for {
		var out []Packet
		for _, p := range m.Packets() {
			if keep == nil || keep(p) {
				out = append(out, p)
			}
		}
		if len(out) >= n || time.Now().After(deadline) {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// SecuritySelects returns the raw security selection packets received.
func (m *MockKVMServer) SecuritySelects() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.selects...)
}

// AuthResults reports, per DES response, whether it matched the password.
func (m *MockKVMServer) AuthResults() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.authValid...)
}

// Accepted returns the number of connections accepted.
func (m *MockKVMServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *MockKVMServer) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				continue
			}
		}

		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.accepted++
		m.mu.Unlock()

		m.wg.Add(1)
		go m.handleConnection(conn)
	}
}

func (m *MockKVMServer) handleConnection(conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	if err := m.handleVersion(conn); err != nil {
		return
	}
	if m.StallHandshake {
		<-m.stop
		return
	}
	ok, err := m.handleSecurity(conn)
	if err != nil || !ok {
		return
	}
	if err := m.handleInit(conn); err != nil {
		return
	}

	m.mu.Lock()
	m.ready = append(m.ready, conn)
	m.mu.Unlock()

	for _, msg := range m.AfterInit {
		if _, err := conn.Write(msg); err != nil {
			return
		}
	}

	m.handleMessages(conn)
}

func (m *MockKVMServer) handleVersion(conn net.Conn) error {
	out := ProtocolVersion.Encode()
	if m.DeviceInfo != nil {
		block := make([]byte, deviceInfoHeaderSize-VersionSize)
		binary.LittleEndian.PutUint32(block, uint32(len(m.DeviceInfo))) // #nosec G115 - test data
		out = append(out, block...)
		out = append(out, m.DeviceInfo...)
	}
	if _, err := conn.Write(out); err != nil {
		return err
	}

	buf := make([]byte, VersionSize)
	_, err := io.ReadFull(conn, buf)
	return err
}

// handleSecurity reports whether the client was accepted.
func (m *MockKVMServer) handleSecurity(conn net.Conn) (bool, error) {
	offer := SecurityTypesPacket{Types: m.SecurityTypes}.Encode()
	if _, err := conn.Write(offer); err != nil {
		return false, err
	}

	var chosen [1]byte
	if _, err := io.ReadFull(conn, chosen[:]); err != nil {
		return false, err
	}
	sel := []byte{chosen[0]}
	if chosen[0] == SecurityCentralized {
		account := make([]byte, AccountPacketSize)
		if _, err := io.ReadFull(conn, account); err != nil {
			return false, err
		}
		sel = append(sel, account...)
	}
	path := make([]byte, 2)
	if _, err := io.ReadFull(conn, path); err != nil {
		return false, err
	}
	sel = append(sel, path...)

	m.mu.Lock()
	m.selects = append(m.selects, sel)
	m.mu.Unlock()

	needChallenge := chosen[0] == SecurityVNC
	if chosen[0] == SecurityCentralized {
		if _, err := conn.Write([]byte{m.CentralizedSubtype}); err != nil {
			return false, err
		}
		needChallenge = m.CentralizedSubtype == SecurityVNC
	}
	if needChallenge {
		if err := m.handleChallenge(conn); err != nil {
			return false, err
		}
	}

	if _, err := conn.Write(SecurityResultPacket{Status: m.ResultStatus}.Encode()); err != nil {
		return false, err
	}
	return m.ResultStatus == 0, nil
}

func (m *MockKVMServer) handleChallenge(conn net.Conn) error {
	challenge := make([]byte, ChallengeSize)
	for i := range challenge {
		challenge[i] = byte(i)
	}
	if _, err := conn.Write(challenge); err != nil {
		return err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return err
	}
	body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}

	want, err := EncryptVNCChallenge(m.Password, challenge)
	if err != nil {
		return err
	}
	valid := len(body) == len(m.Username)+1+ChallengeSize &&
		string(body[:len(m.Username)]) == m.Username &&
		body[len(m.Username)] == authSeparator &&
		bytes.Equal(body[len(m.Username)+1:], want)

	m.mu.Lock()
	m.authValid = append(m.authValid, valid)
	m.mu.Unlock()
	return nil
}

// mockPixelFormat is 32bpp true color, little-endian, as most devices report.
var mockPixelFormat = PixelFormat{
	BPP: 32, Depth: 24, TrueColor: true,
	RedMax: 255, GreenMax: 255, BlueMax: 255,
	RedShift: 16, GreenShift: 8, BlueShift: 0,
}

func (m *MockKVMServer) handleInit(conn net.Conn) error {
	var shared [1]byte
	if _, err := io.ReadFull(conn, shared[:]); err != nil {
		return err
	}
	init := ServerInitPacket{
		Width:       m.FrameWidth,
		Height:      m.FrameHeight,
		PixelFormat: mockPixelFormat,
		Name:        m.DeviceName,
	}
	_, err := conn.Write(init.Encode())
	return err
}

func (m *MockKVMServer) handleMessages(conn net.Conn) {
	var pending []byte
	buf := make([]byte, 1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				pkt, used, derr := DecodeClientPacket(pending)
				if derr != nil {
					break
				}
				m.mu.Lock()
				m.packets = append(m.packets, pkt)
				m.mu.Unlock()
				pending = pending[used:]
			}
		}
		if err != nil {
			return
		}
	}
}

// StartMockServer is a helper function to start a mock server for testing.
func StartMockServer(configure func(*MockKVMServer)) (*MockKVMServer, error) {
	server := NewMockKVMServer()
	if configure != nil {
		configure(server)
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	return server, nil
}
