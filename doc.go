// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package kvm implements a client for KVM-over-IP devices that speak an
// RFB-derived protocol.
//
// The client performs the version exchange, negotiates none, DES
// challenge-response or centralized-account authentication, and then turns
// the device's fragmented H.264 video stream into decoder-ready units. It
// sends keyboard and pointer input through a bounded queue and keeps the
// session alive while it is idle.
//
// # Basic Usage
//
//	client, err := kvm.NewClient(kvm.WithLogger(kvm.NewSlogLogger(slog.Default())))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	err = client.Connect(ctx, kvm.ConnParams{
//		Host:     "192.168.1.50",
//		Port:     5900,
//		Channel:  1,
//		Username: "admin",
//		Password: "secret12",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Disconnect()
//
// # Video
//
// Units contain SPS, PPS and the current group of pictures with start codes
// preserved, ready for any H.264 decoder:
//
//	units := make(chan kvm.VideoUnit, 4)
//	client.SubscribeVideo("decoder", units)
//
//	for u := range units {
//		if decode(u.Data) == nil {
//			client.MarkDecoded()
//		}
//	}
//
// # Input Events
//
//	client.SendKeyPress(0x0061)                      // 'a'
//	client.SendPointer(32768, 32768, kvm.ButtonLeft, kvm.MouseAbsolute)
//	client.MovePointerPixel(640, 360, 0)             // pixel coordinates
//
// Input sent while the queue is full is dropped and counted in Stats.
//
// # Events
//
//	events := make(chan kvm.Event, 16)
//	client.Subscribe("monitor", events)
//
// Each failed session produces exactly one EventError or EventAuthFailed.
//
// # Error Handling
//
//	if kvm.IsKVMError(err, kvm.ErrAuthentication) {
//		code, _ := kvm.AuthStatus(err)
//		log.Printf("device rejected credentials (status %d)", code)
//	}
package kvm
