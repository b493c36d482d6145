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
	"time"
)

// helloRetryDelay paces the client's wait for SERVER_READY.
const helloRetryDelay = 5 * time.Millisecond

// Client attaches to a channel a Server created: it opens the section and
// events, performs the handshake, and produces into the client-to-server
// ring.
type Client struct {
	channel
	name   string
	slotID uint32
}

// Connect opens the named channel and completes the handshake within the
// timeout. ErrNotFound means no server has created the channel; ErrProtocol
// means the segment is not a compatible xshm mapping.
func Connect(cfg Config, timeout time.Duration) (*Client, error) {
	if err := validateBaseName(cfg.Name); err != nil {
		return nil, err
	}
	plat := cfg.platform()

	section, err := plat.OpenSection(sectionName(cfg.Name, cfg.GlobalNames))
	if err != nil {
		return nil, fmt.Errorf("open segment for %q: %w", cfg.Name, err)
	}
	l, err := layoutForSize(len(section.Bytes()))
	if err != nil {
		section.Close()
		return nil, err
	}
	view := newSegmentView(section.Bytes(), l)
	if err := view.validate(); err != nil {
		section.Close()
		return nil, fmt.Errorf("segment %q: %w", cfg.Name, err)
	}

	events, err := openEvents(plat, cfg.Name, cfg.GlobalNames)
	if err != nil {
		section.Close()
		return nil, fmt.Errorf("open events for %q: %w", cfg.Name, err)
	}

	c := &Client{name: cfg.Name}
	c.channel = channel{
		role:    roleClient,
		plat:    plat,
		log:     cfg.logger().With("channel", cfg.Name, "role", "client"),
		section: section,
		view:    view,
		events:  events,
	}
	c.bindRings()

	if err := c.handshake(timeout); err != nil {
		c.closeResources()
		return nil, err
	}
	return c, nil
}

// handshake drives the client side of the connection protocol: wait for
// SERVER_READY, post CLIENT_HELLO, and wait for the generation-stamped ack.
func (c *Client) handshake(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Until(deadline) <= 0 {
			return ErrTimeout
		}
		if c.view.serverState() != StateServerReady {
			time.Sleep(helloRetryDelay)
			continue
		}

		gen := c.view.generation()
		c.view.setClientState(StateClientHello)

		for {
			if c.view.clientState() == StateServerReady && c.view.generation() == gen {
				c.slotID = c.view.reserved(reservedSlotID)
				c.generation.Store(gen)
				c.connected.Store(true)
				c.log.Debug("connected", "generation", gen, "slot", c.slotID)
				return nil
			}
			if c.view.generation() != gen {
				// The server advanced to a new epoch before seeing the
				// hello; start over against the current one.
				break
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				c.view.setClientState(StateIdle)
				return ErrTimeout
			}
			if remaining > helloRetryDelay {
				remaining = helloRetryDelay
			}
			// The conn event is shared by both sides; re-signal the hello
			// each round so a signal this side consumed cannot strand the
			// server. The server ignores signals that carry no hello.
			if err := c.events.conn.Set(); err != nil {
				return fmt.Errorf("%w: hello signal: %v", ErrNotReady, err)
			}
			if _, err := c.plat.WaitAny([]Event{c.events.conn}, remaining); err != nil &&
				!errors.Is(err, ErrTimeout) {
				return err
			}
		}
	}
}

// Name is the base name this client connected to.
func (c *Client) Name() string { return c.name }

// SlotID is the slot the server assigned during the handshake; zero for
// standalone channels.
func (c *Client) SlotID() uint32 { return c.slotID }

// Stop disconnects and releases the opened objects. Idempotent.
func (c *Client) Stop() error {
	c.Disconnect()
	c.closeResources()
	return nil
}
