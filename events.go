// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a lifecycle event.
type EventKind int

// Lifecycle event kinds.
const (
	EventReady EventKind = iota + 1
	EventAuthSucceeded
	EventAuthFailed
	EventError
	EventClosed
	EventResolutionChanged
	EventMouseMode
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAuthSucceeded:
		return "auth_succeeded"
	case EventAuthFailed:
		return "auth_failed"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventResolutionChanged:
		return "resolution_changed"
	case EventMouseMode:
		return "mouse_mode"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string
	Time      time.Time

	// Code and Reason describe an EventAuthFailed.
	Code   uint32
	Reason string

	// Err is set for EventError and EventAuthFailed.
	Err error

	// Width and Height are set for EventReady and EventResolutionChanged.
	Width  uint16
	Height uint16

	// Name is the device name, set for EventReady.
	Name string

	// Mode is set for EventMouseMode.
	Mode MouseMode
}

// VideoUnit is a decoder-ready H.264 byte stream: SPS, PPS and the current
// group of pictures with start codes preserved. Data is owned by the
// receiver.
type VideoUnit struct {
	Data      []byte
	Width     uint16
	Height    uint16
	Encoding  uint8
	Seq       uint64
	Timestamp time.Time
}

// Clone returns a deep copy of the unit.
func (u VideoUnit) Clone() VideoUnit {
	u.Data = append([]byte(nil), u.Data...)
	return u
}

// Subscription errors.
var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("kvm: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("kvm: subscriber id not found")
)

// SubscriberStats tracks delivery for a single subscriber.
type SubscriberStats struct {
	// Sent is the number of values delivered to this subscriber.
	Sent uint64

	// Dropped is the number of values dropped because the channel was full.
	Dropped uint64
}

// FanoutStats contains global and per-subscriber delivery counters.
type FanoutStats struct {
	Published   uint64
	Sent        uint64
	Dropped     uint64
	Subscribers map[string]SubscriberStats
}

type subscriberCounters struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// fanout distributes values to subscriber channels. Publish never blocks:
// a full channel drops the value for that subscriber only.
type fanout[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- T
	counters    map[string]*subscriberCounters
	published   atomic.Uint64
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{
		subscribers: make(map[string]chan<- T),
		counters:    make(map[string]*subscriberCounters),
	}
}

func (f *fanout[T]) subscribe(id string, ch chan<- T) error {
	if ch == nil {
		return validationError("Subscribe", "subscriber channel cannot be nil", nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	f.subscribers[id] = ch
	f.counters[id] = &subscriberCounters{}
	return nil
}

func (f *fanout[T]) unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(f.subscribers, id)
	delete(f.counters, id)
	return nil
}

// publish returns the number of subscribers that dropped v.
func (f *fanout[T]) publish(v T) int {
	f.published.Add(1)

	f.mu.RLock()
	defer f.mu.RUnlock()

	dropped := 0
	for id, ch := range f.subscribers {
		select {
		case ch <- v:
			f.counters[id].sent.Add(1)
		default:
			f.counters[id].dropped.Add(1)
			dropped++
		}
	}
	return dropped
}

func (f *fanout[T]) stats() FanoutStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := FanoutStats{
		Published:   f.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(f.counters)),
	}
	for id, c := range f.counters {
		sub := SubscriberStats{Sent: c.sent.Load(), Dropped: c.dropped.Load()}
		s.Subscribers[id] = sub
		s.Sent += sub.Sent
		s.Dropped += sub.Dropped
	}
	return s
}
