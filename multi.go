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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// MultiOptions tunes the multi-client server.
type MultiOptions struct {
	// MaxClients is the slot count; default 20.
	MaxClients int
	// PollTimeout bounds each wait in the lobby and slot workers.
	PollTimeout time.Duration
	// RecvBatch caps frames drained per slot wakeup.
	RecvBatch int
}

// DefaultMultiOptions returns the standard multi-server tuning.
func DefaultMultiOptions() MultiOptions {
	return MultiOptions{
		MaxClients:  20,
		PollTimeout: 50 * time.Millisecond,
		RecvBatch:   32,
	}
}

func (o MultiOptions) normalized() MultiOptions {
	def := DefaultMultiOptions()
	if o.MaxClients <= 0 {
		o.MaxClients = def.MaxClients
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.RecvBatch <= 0 {
		o.RecvBatch = def.RecvBatch
	}
	return o
}

// MultiHandlers carries the multi-server callbacks, delivered on slot worker
// goroutines. Errors not tied to a slot are delivered on the lobby goroutine,
// with SlotIDNoSlot as the client ID.
type MultiHandlers struct {
	OnClientConnect    func(clientID uint32)
	OnClientDisconnect func(clientID uint32)
	OnMessage          func(clientID uint32, data []byte)
	OnError            func(clientID uint32, err error)
}

// Slot lifecycle: Free -> Reserved (lobby assignment) -> Occupied (client
// attached) -> Draining (client gone, ring not yet recycled) -> Free.
const (
	slotFree = uint32(iota)
	slotReserved
	slotOccupied
	slotDraining
)

// lobbyHelloTimeout bounds how long a lobby candidate may take to send its
// hello and to pick up the reply.
const lobbyHelloTimeout = 5 * time.Second

// slotReserveTimeout bounds how long a reservation may sit unclaimed before
// the slot returns to the pool.
const slotReserveTimeout = 10 * time.Second

type serverSlot struct {
	id         uint32
	state      atomic.Uint32
	reservedAt atomic.Int64 // unix nanos of the reservation
	auto       *AutoServer
}

// MultiServer serves up to MaxClients clients: a lobby channel on the base
// name assigns slots, and each slot runs a dedicated channel with its own
// worker.
type MultiServer struct {
	base     string
	handlers MultiHandlers
	opts     MultiOptions

	lobby   *Server
	slots   []*serverSlot
	running atomic.Bool
	conns   atomic.Int32

	done     chan struct{}
	stopOnce sync.Once
	log      *log.Logger
}

// StartMultiServer creates the lobby and every slot channel, then starts the
// lobby dispatch loop and one worker per slot.
func StartMultiServer(cfg Config, h MultiHandlers, opts MultiOptions) (*MultiServer, error) {
	if err := validateBaseName(cfg.Name); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	lobby, err := NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("lobby: %w", err)
	}

	m := &MultiServer{
		base:     cfg.Name,
		handlers: h,
		opts:     opts,
		lobby:    lobby,
		done:     make(chan struct{}),
		log:      cfg.logger().With("multi", cfg.Name),
	}
	m.running.Store(true)

	autoOpts := AutoOptions{
		WaitTimeout:  opts.PollTimeout,
		RecvBatch:    opts.RecvBatch,
		MaxSendQueue: DefaultAutoOptions().MaxSendQueue,
	}
	for i := 0; i < opts.MaxClients; i++ {
		slot := &serverSlot{id: uint32(i)}
		slotCfg := cfg
		slotCfg.Name = slotBaseName(cfg.Name, slot.id)
		auto, err := StartAutoServer(slotCfg, m.slotHandlers(slot), autoOpts)
		if err != nil {
			m.teardown()
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		auto.srv.setSlotID(slot.id)
		slot.auto = auto
		m.slots = append(m.slots, slot)
	}

	go m.lobbyLoop()
	return m, nil
}

// slotHandlers adapts a slot's auto-worker callbacks to the multi surface
// and drives the slot state machine.
func (m *MultiServer) slotHandlers(slot *serverSlot) AutoHandlers {
	return AutoHandlers{
		OnConnect: func() {
			slot.state.Store(slotOccupied)
			m.conns.Add(1)
			if m.handlers.OnClientConnect != nil {
				m.handlers.OnClientConnect(slot.id)
			}
		},
		OnDisconnect: func() {
			// The worker recycles the ring on its next accept; the slot
			// returns to the pool once that has happened (see sweep).
			slot.state.Store(slotDraining)
			m.conns.Add(-1)
			if m.handlers.OnClientDisconnect != nil {
				m.handlers.OnClientDisconnect(slot.id)
			}
		},
		OnMessage: func(_ Direction, payload []byte) {
			if m.handlers.OnMessage != nil {
				m.handlers.OnMessage(slot.id, payload)
			}
		},
		OnError: func(err error) {
			if m.handlers.OnError != nil {
				m.handlers.OnError(slot.id, err)
			}
		},
	}
}

func (m *MultiServer) generalError(err error) {
	if m.handlers.OnError != nil {
		m.handlers.OnError(SlotIDNoSlot, err)
	}
}

// sweepSlots promotes drained slots back to Free and reclaims stale
// reservations.
func (m *MultiServer) sweepSlots() {
	now := time.Now().UnixNano()
	for _, slot := range m.slots {
		switch slot.state.Load() {
		case slotDraining:
			// Recycled once the worker republished readiness.
			if slot.auto.Ready() {
				slot.state.CompareAndSwap(slotDraining, slotFree)
			}
		case slotReserved:
			if now-slot.reservedAt.Load() > int64(slotReserveTimeout) {
				slot.state.CompareAndSwap(slotReserved, slotFree)
			}
		}
	}
}

// slotReadyGrace bounds how long a lobby assignment waits for a reserved
// slot's worker to publish readiness.
const slotReadyGrace = 500 * time.Millisecond

// allocateSlot reserves the first free slot whose worker is (or promptly
// becomes) ready to accept. Returns nil when the server is full.
func (m *MultiServer) allocateSlot() *serverSlot {
	m.sweepSlots()
	for _, slot := range m.slots {
		if !slot.state.CompareAndSwap(slotFree, slotReserved) {
			continue
		}
		slot.reservedAt.Store(time.Now().UnixNano())
		if m.awaitSlotReady(slot) {
			return slot
		}
		slot.state.CompareAndSwap(slotReserved, slotFree)
	}
	return nil
}

// awaitSlotReady spins until the slot's channel is published and waiting.
func (m *MultiServer) awaitSlotReady(slot *serverSlot) bool {
	deadline := time.Now().Add(slotReadyGrace)
	for time.Now().Before(deadline) {
		if slot.auto.Ready() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// lobbyLoop accepts one candidate at a time on the base channel, reads the
// hello, replies with a slot assignment, and recycles the lobby.
func (m *MultiServer) lobbyLoop() {
	defer close(m.done)
	buf := make([]byte, MaxMessageSize)
	for m.running.Load() {
		err := m.lobby.WaitForClient(m.opts.PollTimeout)
		if err != nil {
			if !errors.Is(err, ErrTimeout) {
				m.generalError(err)
			}
			m.sweepSlots()
			continue
		}
		m.serveLobbyCandidate(buf)
		m.lobby.Disconnect()
	}
}

func (m *MultiServer) serveLobbyCandidate(buf []byte) {
	n, err := m.receiveWithDeadline(buf, lobbyHelloTimeout)
	if err != nil {
		m.log.Debug("lobby candidate produced no hello", "err", err)
		return
	}
	if _, err := decodeLobbyHello(buf[:n]); err != nil {
		m.generalError(err)
		return
	}

	status, slotID := lobbyStatusRejected, SlotIDNoSlot
	if slot := m.allocateSlot(); slot != nil {
		status, slotID = lobbyStatusOK, slot.id
	}
	if err := m.lobby.Send(encodeLobbyReply(status, slotID)); err != nil {
		m.generalError(err)
		return
	}
	m.log.Debug("lobby assignment", "status", status, "slot", slotID)
	// Let the candidate pick up the reply before the lobby recycles.
	m.lobby.waitPeerIdle(lobbyHelloTimeout)
}

// receiveWithDeadline polls the lobby until one frame arrives.
func (m *MultiServer) receiveWithDeadline(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := m.lobby.Receive(buf)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, ErrEmpty):
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrTimeout
			}
			if remaining > m.opts.PollTimeout {
				remaining = m.opts.PollTimeout
			}
			if perr := m.lobby.Poll(remaining); perr != nil && !errors.Is(perr, ErrTimeout) {
				return 0, perr
			}
		default:
			return 0, err
		}
	}
}

// SendTo queues a message for one connected client.
func (m *MultiServer) SendTo(clientID uint32, data []byte) error {
	if int(clientID) >= len(m.slots) {
		return fmt.Errorf("%w: client %d", ErrInvalidParam, clientID)
	}
	slot := m.slots[clientID]
	if slot.state.Load() != slotOccupied {
		return ErrNotReady
	}
	return slot.auto.Send(data)
}

// Broadcast queues a message for every connected client, in slot order.
// Per-slot failures are isolated; the count of accepting slots is returned.
func (m *MultiServer) Broadcast(data []byte) int {
	sent := 0
	for _, slot := range m.slots {
		if slot.state.Load() != slotOccupied {
			continue
		}
		if slot.auto.Send(data) == nil {
			sent++
		}
	}
	return sent
}

// DisconnectClient drops one client; its slot drains and returns to the
// pool.
func (m *MultiServer) DisconnectClient(clientID uint32) error {
	if int(clientID) >= len(m.slots) {
		return fmt.Errorf("%w: client %d", ErrInvalidParam, clientID)
	}
	m.slots[clientID].auto.Kick()
	return nil
}

// ConnectedCount is the number of attached clients.
func (m *MultiServer) ConnectedCount() int { return int(m.conns.Load()) }

// ConnectedClients lists the attached client IDs in slot order.
func (m *MultiServer) ConnectedClients() []uint32 {
	var ids []uint32
	for _, slot := range m.slots {
		if slot.state.Load() == slotOccupied {
			ids = append(ids, slot.id)
		}
	}
	return ids
}

// IsClientConnected reports whether one client is attached.
func (m *MultiServer) IsClientConnected(clientID uint32) bool {
	return int(clientID) < len(m.slots) && m.slots[clientID].state.Load() == slotOccupied
}

// BaseName is the lobby channel name.
func (m *MultiServer) BaseName() string { return m.base }

func (m *MultiServer) teardown() {
	if m.lobby != nil {
		m.lobby.Stop()
	}
	for _, slot := range m.slots {
		if slot.auto != nil {
			slot.auto.Stop()
		}
	}
}

// Stop shuts down the lobby and every slot worker. Idempotent.
func (m *MultiServer) Stop() error {
	m.stopOnce.Do(func() {
		m.running.Store(false)
		m.lobby.Disconnect()
		if m.lobby.events != nil && m.lobby.events.conn != nil {
			m.lobby.events.conn.Set()
		}
		<-m.done
		m.teardown()
	})
	return nil
}
