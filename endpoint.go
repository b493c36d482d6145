/*
 *
 * Copyright 2025 The xshm Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package xshm

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Config selects the channel a Server or Client binds to.
type Config struct {
	// Name is the base name kernel object names derive from.
	Name string

	// BufferBytes is the per-ring capacity; 0 selects the default.
	// Must be a power of two of at least MinRingCapacity.
	BufferBytes uint32

	// GlobalNames switches to the cross-session "Global\" namespace,
	// which needs elevated privileges.
	GlobalNames bool

	// Platform overrides the kernel-object implementation; nil selects
	// DefaultPlatform.
	Platform Platform

	// Logger receives lifecycle and worker diagnostics; nil selects a
	// package-default logger.
	Logger *log.Logger
}

func (c Config) platform() Platform {
	if c.Platform != nil {
		return c.Platform
	}
	return DefaultPlatform()
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default().WithPrefix("xshm")
}

// role is the endpoint side; it fixes which ring the endpoint produces into
// and which control-block state word it owns.
type role uint8

const (
	roleServer role = iota
	roleClient
)

// channel is the state both endpoint kinds share: the mapped view, the event
// set, and the two ring engines seen from this side.
type channel struct {
	role    role
	plat    Platform
	log     *log.Logger
	section Section
	view    *segmentView
	events  *sharedEvents

	tx   *ring // ring this side produces into
	rx   *ring // ring this side consumes from
	txEv channelEvents
	rxEv channelEvents

	connected  atomic.Bool
	generation atomic.Uint32

	stopOnce sync.Once
}

// bindRings wires tx/rx and their events according to the role.
func (ch *channel) bindRings() {
	a := newRing(ch.view.ringA())
	b := newRing(ch.view.ringB())
	if ch.role == roleServer {
		ch.tx, ch.rx = a, b
		ch.txEv, ch.rxEv = ch.events.s2c, ch.events.c2s
	} else {
		ch.tx, ch.rx = b, a
		ch.txEv, ch.rxEv = ch.events.c2s, ch.events.s2c
	}
}

func (ch *channel) ownState() uint32 {
	if ch.role == roleServer {
		return ch.view.serverState()
	}
	return ch.view.clientState()
}

func (ch *channel) setOwnState(s uint32) {
	if ch.role == roleServer {
		ch.view.setServerState(s)
	} else {
		ch.view.setClientState(s)
	}
}

func (ch *channel) peerState() uint32 {
	if ch.role == roleServer {
		return ch.view.clientState()
	}
	return ch.view.serverState()
}

// IsConnected reports whether the handshake completed and no disconnect has
// been observed since.
func (ch *channel) IsConnected() bool { return ch.connected.Load() }

// Generation is the connection epoch recorded at handshake.
func (ch *channel) Generation() uint32 { return ch.generation.Load() }

// sendFrame pushes one frame and signals the data event. Internal form of
// Send that reports the eviction count for overflow accounting.
func (ch *channel) sendFrame(payload []byte) (writeOutcome, error) {
	if !ch.connected.Load() {
		return writeOutcome{}, ErrNotReady
	}
	out, err := ch.tx.push(payload)
	if err != nil {
		return out, err
	}
	if err := ch.txEv.data.Set(); err != nil {
		ch.log.Warn("data event signal failed", "err", err)
	}
	return out, nil
}

// Send enqueues one message (MinMessageSize..MaxMessageSize bytes) into this
// side's producer ring, evicting oldest frames on overflow.
func (ch *channel) Send(payload []byte) error {
	_, err := ch.sendFrame(payload)
	return err
}

// Receive copies the next inbound message into buf and returns its length.
// Returns ErrEmpty when no message is pending and ErrBufferTooSmall, without
// consuming, when buf cannot hold the frame. Frames already in the ring are
// drained before a peer disconnect is reported, so a message sent just
// before the peer went away is not lost.
func (ch *channel) Receive(buf []byte) (int, error) {
	if !ch.connected.Load() {
		return 0, ErrNotReady
	}
	// A stamp from another generation means a stale view: nothing in this
	// ring belongs to the current connection.
	if ch.rx.view.genStamp() == ch.generation.Load() {
		n, err := ch.rx.pop(buf)
		switch {
		case err == nil:
			if ch.rx.spaceAvailable() {
				if serr := ch.rxEv.space.Set(); serr != nil {
					ch.log.Warn("space event signal failed", "err", serr)
				}
			}
			return n, nil
		case errors.Is(err, ErrEmpty):
			// Nothing pending; fall through to the disconnect check.
		default:
			return 0, err
		}
	}
	if ch.peerGone() {
		ch.markDisconnected()
		return 0, ErrNotReady
	}
	return 0, ErrEmpty
}

// peerGone reports a dropped connection: the peer returned its state word to
// idle, or the control block moved to a new generation (the server began a
// fresh accept before this side saw the idle window).
func (ch *channel) peerGone() bool {
	return ch.peerState() == StateIdle || ch.view.generation() != ch.generation.Load()
}

// Poll blocks until inbound data, outbound space, or a connection change is
// signaled, or the timeout elapses (ErrTimeout).
func (ch *channel) Poll(timeout time.Duration) error {
	if !ch.connected.Load() {
		return ErrNotReady
	}
	if !ch.rx.isEmpty() {
		return nil
	}
	idx, err := ch.plat.WaitAny([]Event{ch.rxEv.data, ch.txEv.space, ch.events.conn}, timeout)
	if err != nil {
		return err
	}
	if idx == 2 && ch.peerGone() {
		ch.markDisconnected()
	}
	return nil
}

func (ch *channel) markDisconnected() {
	if ch.connected.CompareAndSwap(true, false) {
		ch.log.Debug("peer disconnected", "role", ch.role)
	}
}

// Disconnect drops the connection: this side's state returns to idle and the
// connection event wakes the peer. Idempotent.
func (ch *channel) Disconnect() error {
	if ch.connected.CompareAndSwap(true, false) {
		ch.setOwnState(StateIdle)
		if ch.events != nil && ch.events.conn != nil {
			ch.events.conn.Set()
		}
	}
	return nil
}

// waitPeerIdle blocks until the peer returns to idle or the timeout elapses.
// The lobby uses this to let a candidate read its reply before recycling.
func (ch *channel) waitPeerIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ch.peerState() == StateIdle {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if remaining > helloRetryDelay {
			remaining = helloRetryDelay
		}
		ch.plat.WaitAny([]Event{ch.events.conn}, remaining)
	}
}

// closeResources releases events and the mapping. Idempotent.
func (ch *channel) closeResources() {
	ch.stopOnce.Do(func() {
		if ch.events != nil {
			ch.events.close()
		}
		if ch.section != nil {
			ch.section.Close()
			ch.section = nil
		}
	})
}
