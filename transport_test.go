// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func TestTransport_SendAndReceive(t *testing.T) {
	client, server := net.Pipe()
	stats := &Stats{}
	tr := NewTransport(client, WithTransportStats(stats))
	defer tr.Close()

	inbound := tr.Start(16)

	go func() {
		_, _ = server.Write([]byte("hello device"))
	}()

	var got []byte
	for len(got) < len("hello device") {
		select {
		case chunk := <-inbound:
			got = append(got, chunk...)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for inbound bytes")
		}
	}
	if string(got) != "hello device" {
		t.Errorf("received %q", got)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Send([]byte{1, 2, 3}) }()

	buf := make([]byte, 3)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Errorf("server got %v", buf)
	}

	if stats.BytesIn.Load() != 12 || stats.BytesOut.Load() != 3 {
		t.Errorf("stats in=%d out=%d", stats.BytesIn.Load(), stats.BytesOut.Load())
	}
}

func TestTransport_CloseSignalsOnce(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewTransport(client)
	inbound := tr.Start(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Close()
		}()
	}
	wg.Wait()

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	select {
	case _, ok := <-inbound:
		if ok {
			t.Error("unexpected chunk after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound channel not closed")
	}

	if tr.Err() != nil {
		t.Errorf("Err() after clean close = %v", tr.Err())
	}
	if err := tr.Send([]byte{1}); !IsKVMError(err, ErrNetwork) {
		t.Errorf("Send after close error = %v, want network error", err)
	}
}

func TestTransport_RemoteEOF(t *testing.T) {
	client, server := net.Pipe()
	tr := NewTransport(client)
	inbound := tr.Start(0)

	_ = server.Close()

	for range inbound {
	}
	<-tr.Done()
	if !IsKVMError(tr.Err(), ErrNetwork) {
		t.Errorf("Err() = %v, want network error", tr.Err())
	}
}

func TestTransport_ConcurrentSendsDoNotInterleave(t *testing.T) {
	client, server := net.Pipe()
	tr := NewTransport(client)
	defer tr.Close()

	const senders, perSender = 8, 50
	packets := [][]byte{
		KeyEventPacket{Keysym: 0x61, Down: true}.Encode(),
		PointerEventPacket{Mask: ButtonLeft, X: 100, Y: 200, Mode: MouseAbsolute}.Encode(),
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := tr.Send(packets[id%2]); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}(i)
	}

	total := senders / 2 * perSender * (KeyEventSize + PointerEventSize)
	wire := make([]byte, total)
	if _, err := io.ReadFull(server, wire); err != nil {
		t.Fatalf("read: %v", err)
	}
	wg.Wait()

	for len(wire) > 0 {
		pkt, n, err := DecodeClientPacket(wire)
		if err != nil {
			t.Fatalf("decode at %d bytes remaining: %v", len(wire), err)
		}
		if !bytes.Equal(pkt.Encode(), wire[:n]) {
			t.Fatalf("packet bytes corrupted: %x", wire[:n])
		}
		wire = wire[n:]
	}
}

func TestTransport_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr, err := Dial(context.Background(), "127.0.0.1", addr.Port, time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer tr.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
}

func TestTransport_DialErrors(t *testing.T) {
	if _, err := Dial(context.Background(), "", 5900, time.Second); !IsKVMError(err, ErrValidation) {
		t.Errorf("empty host error = %v, want validation", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if _, err := Dial(context.Background(), "127.0.0.1", port, time.Second); !IsKVMError(err, ErrNetwork, ErrTimeout) {
		t.Errorf("refused dial error = %v, want network error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, "127.0.0.1", port, time.Second); err == nil {
		t.Error("cancelled dial succeeded")
	}
}
