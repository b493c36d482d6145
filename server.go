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
	"fmt"
	"sync/atomic"
	"time"
)

// Server owns one shared channel: it creates the section and the event set,
// accepts one client at a time, and produces into the server-to-client ring.
type Server struct {
	channel
	name   string
	slotID atomic.Uint32
}

// NewServer creates the shared section and event objects for a channel and
// leaves the server idle. Call WaitForClient to accept a connection.
func NewServer(cfg Config) (*Server, error) {
	if err := validateBaseName(cfg.Name); err != nil {
		return nil, err
	}
	capacity, err := resolveCapacity(cfg.BufferBytes)
	if err != nil {
		return nil, err
	}
	l := newLayout(capacity)
	plat := cfg.platform()

	section, err := plat.CreateSection(sectionName(cfg.Name, cfg.GlobalNames), int(l.total))
	if err != nil {
		return nil, fmt.Errorf("create segment for %q: %w", cfg.Name, err)
	}
	view := newSegmentView(section.Bytes(), l)
	view.resetControl()
	view.ringA().reset(0)
	view.ringB().reset(0)

	events, err := createEvents(plat, cfg.Name, cfg.GlobalNames)
	if err != nil {
		section.Close()
		return nil, fmt.Errorf("create events for %q: %w", cfg.Name, err)
	}

	s := &Server{name: cfg.Name}
	s.channel = channel{
		role:    roleServer,
		plat:    plat,
		log:     cfg.logger().With("channel", cfg.Name, "role", "server"),
		section: section,
		view:    view,
		events:  events,
	}
	s.bindRings()
	s.log.Debug("segment created", "capacity", capacity, "total", l.total)
	return s, nil
}

// Name is the base name this server was created with.
func (s *Server) Name() string { return s.name }

// setSlotID fixes the slot identifier advertised in the handshake ack.
// Multi-server slot channels carry their slot index; standalone servers
// leave the default of zero.
func (s *Server) setSlotID(id uint32) { s.slotID.Store(id) }

// WaitForClient resets both rings for a fresh generation, publishes
// SERVER_READY, and blocks until a client completes the handshake or the
// timeout elapses.
func (s *Server) WaitForClient(timeout time.Duration) error {
	if s.connected.Load() {
		return fmt.Errorf("%w: already connected", ErrExists)
	}

	// New generation: clean rings first so the client never observes the
	// new epoch with stale positions.
	gen := s.view.generation() + 1
	s.view.ringA().reset(gen)
	s.view.ringB().reset(gen)
	s.view.setGeneration(gen)
	s.view.setClientState(StateIdle)
	s.view.setServerState(StateServerReady)

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if _, err := s.plat.WaitAny([]Event{s.events.conn}, remaining); err != nil {
			return err
		}
		// Acknowledge the hello only under the generation posted above;
		// a hello from another epoch is ignored and the wait continues.
		if s.view.clientState() != StateClientHello || s.view.generation() != gen {
			continue
		}
		s.view.setReserved(reservedSlotID, s.slotID.Load())
		s.view.setClientState(StateServerReady)
		s.generation.Store(gen)
		s.connected.Store(true)
		if err := s.events.conn.Set(); err != nil {
			s.log.Warn("handshake ack signal failed", "err", err)
		}
		s.log.Debug("client connected", "generation", gen)
		return nil
	}
}

// EventHandles duplicates the raw data-event handles for callers that wire
// the channel to a kernel driver.
func (s *Server) EventHandles() (EventHandles, error) {
	return s.events.handles()
}

// Stop disconnects and releases the event objects and the mapping. The
// section itself lives until the last process unmaps it. Idempotent.
func (s *Server) Stop() error {
	s.Disconnect()
	s.closeResources()
	return nil
}
