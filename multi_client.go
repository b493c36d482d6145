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

// MultiClientOptions tunes the multi-client connection sequence.
type MultiClientOptions struct {
	// LobbyTimeout bounds the lobby handshake and reply read.
	LobbyTimeout time.Duration
	// SlotTimeout bounds each connect attempt to the assigned slot.
	SlotTimeout time.Duration
	// PollTimeout bounds each wait in the slot worker loop.
	PollTimeout time.Duration
	// RecvBatch caps frames drained per wakeup.
	RecvBatch int
	// MaxSendQueue bounds the outbound queue; zero means direct sends.
	MaxSendQueue int
}

// DefaultMultiClientOptions returns the standard multi-client tuning.
func DefaultMultiClientOptions() MultiClientOptions {
	return MultiClientOptions{
		LobbyTimeout: 5 * time.Second,
		SlotTimeout:  5 * time.Second,
		PollTimeout:  50 * time.Millisecond,
		RecvBatch:    32,
		MaxSendQueue: DefaultAutoOptions().MaxSendQueue,
	}
}

func (o MultiClientOptions) normalized() MultiClientOptions {
	def := DefaultMultiClientOptions()
	if o.LobbyTimeout <= 0 {
		o.LobbyTimeout = def.LobbyTimeout
	}
	if o.SlotTimeout <= 0 {
		o.SlotTimeout = def.SlotTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.RecvBatch <= 0 {
		o.RecvBatch = def.RecvBatch
	}
	return o
}

// MultiClientHandlers carries the multi-client callbacks, delivered on the
// slot worker goroutine.
type MultiClientHandlers struct {
	OnConnect    func(slotID uint32)
	OnDisconnect func()
	OnMessage    func(data []byte)
	OnError      func(err error)
}

// MultiClient is one participant of a multi-client server: it registers
// through the lobby, then holds an auto-mode connection to its assigned
// slot channel.
type MultiClient struct {
	base   string
	slotID uint32
	auto   *AutoClient
}

// ConnectMulti performs the lobby handshake against the multi-server at the
// base name and attaches to the assigned slot. ErrNoSlot reports a rejected
// registration (every slot occupied).
func ConnectMulti(cfg Config, h MultiClientHandlers, opts MultiClientOptions) (*MultiClient, error) {
	if err := validateBaseName(cfg.Name); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	slotID, err := lobbyRegister(cfg, opts)
	if err != nil {
		return nil, err
	}

	slotCfg := cfg
	slotCfg.Name = slotBaseName(cfg.Name, slotID)
	auto, err := StartAutoClient(slotCfg, AutoHandlers{
		OnConnect: func() {
			if h.OnConnect != nil {
				h.OnConnect(slotID)
			}
		},
		OnDisconnect: h.OnDisconnect,
		OnMessage: func(_ Direction, payload []byte) {
			if h.OnMessage != nil {
				h.OnMessage(payload)
			}
		},
		OnError: h.OnError,
	}, AutoOptions{
		WaitTimeout:    opts.PollTimeout,
		ConnectTimeout: opts.SlotTimeout,
		RecvBatch:      opts.RecvBatch,
		MaxSendQueue:   opts.MaxSendQueue,
	})
	if err != nil {
		return nil, err
	}
	return &MultiClient{base: cfg.Name, slotID: slotID, auto: auto}, nil
}

// lobbyRegister runs the single hello/reply exchange on the lobby channel.
func lobbyRegister(cfg Config, opts MultiClientOptions) (uint32, error) {
	lobby, err := Connect(cfg, opts.LobbyTimeout)
	if err != nil {
		return 0, fmt.Errorf("lobby connect: %w", err)
	}
	defer lobby.Stop()

	if err := lobby.Send(encodeLobbyHello(lobbyRevision)); err != nil {
		return 0, fmt.Errorf("lobby hello: %w", err)
	}

	buf := make([]byte, lobbyReplySize)
	deadline := time.Now().Add(opts.LobbyTimeout)
	for {
		n, err := lobby.Receive(buf)
		if err == nil {
			status, slot, derr := decodeLobbyReply(buf[:n])
			if derr != nil {
				return 0, derr
			}
			if status == lobbyStatusRejected {
				return 0, ErrNoSlot
			}
			return slot, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return 0, fmt.Errorf("lobby reply: %w", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		if remaining > opts.PollTimeout {
			remaining = opts.PollTimeout
		}
		if perr := lobby.Poll(remaining); perr != nil &&
			!errors.Is(perr, ErrTimeout) && !errors.Is(perr, ErrNotReady) {
			return 0, perr
		}
	}
}

// Send queues a message for the server on the slot channel.
func (mc *MultiClient) Send(data []byte) error { return mc.auto.Send(data) }

// SlotID is the slot the lobby assigned.
func (mc *MultiClient) SlotID() uint32 { return mc.slotID }

// IsConnected reports whether the slot channel is currently live.
func (mc *MultiClient) IsConnected() bool { return mc.auto.IsConnected() }

// Stats returns the slot worker's counters.
func (mc *MultiClient) Stats() AutoStatsSnapshot { return mc.auto.Stats() }

// Stop shuts down the slot worker. Idempotent.
func (mc *MultiClient) Stop() error { return mc.auto.Stop() }
