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
)

// AutoOptions tunes the background worker.
type AutoOptions struct {
	// WaitTimeout bounds each event wait in the worker loop.
	WaitTimeout time.Duration
	// ReconnectDelay paces client reconnect attempts.
	ReconnectDelay time.Duration
	// ConnectTimeout bounds each client connect attempt.
	ConnectTimeout time.Duration
	// MaxSendQueue bounds the outbound queue; when full the oldest queued
	// message is dropped. Zero means Send writes to the ring directly.
	MaxSendQueue int
	// RecvBatch caps frames drained per wakeup.
	RecvBatch int
}

// DefaultAutoOptions returns the standard worker tuning.
func DefaultAutoOptions() AutoOptions {
	return AutoOptions{
		WaitTimeout:    50 * time.Millisecond,
		ReconnectDelay: 500 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
		MaxSendQueue:   1024,
		RecvBatch:      32,
	}
}

func (o AutoOptions) normalized() AutoOptions {
	def := DefaultAutoOptions()
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = def.WaitTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.RecvBatch <= 0 {
		o.RecvBatch = def.RecvBatch
	}
	return o
}

// AutoHandlers carries the callback set an auto endpoint delivers on its
// worker goroutine. Nil fields are skipped. Handlers must not issue blocking
// calls against the same endpoint; that would stall the drain loop.
type AutoHandlers struct {
	OnConnect    func()
	OnDisconnect func()
	// OnMessage receives each inbound payload. The slice is only valid
	// for the duration of the call.
	OnMessage func(dir Direction, payload []byte)
	// OnOverflow reports evicted or skipped frames per direction.
	OnOverflow func(dir Direction, count uint32)
	// OnSpace fires when the peer freed ring space on the send path.
	OnSpace func(dir Direction)
	OnError  func(err error)
}

// AutoStatsSnapshot is a point-in-time copy of the worker counters.
type AutoStatsSnapshot struct {
	SentMessages     uint64
	SendOverflows    uint64
	ReceivedMessages uint64
	ReceiveOverflows uint64
}

type autoStats struct {
	sent          atomic.Uint64
	sendOverflows atomic.Uint64
	received      atomic.Uint64
	recvOverflows atomic.Uint64
}

func (s *autoStats) snapshot() AutoStatsSnapshot {
	return AutoStatsSnapshot{
		SentMessages:     s.sent.Load(),
		SendOverflows:    s.sendOverflows.Load(),
		ReceivedMessages: s.received.Load(),
		ReceiveOverflows: s.recvOverflows.Load(),
	}
}

// sendQueue is the bounded in-process outbound queue. When full, the oldest
// entry is dropped so Send never blocks.
type sendQueue struct {
	mu    sync.Mutex
	items [][]byte
	max   int
}

func newSendQueue(max int) *sendQueue { return &sendQueue{max: max} }

// push appends a copy of data, reporting whether an entry was evicted.
func (q *sendQueue) push(data []byte) bool {
	msg := make([]byte, len(data))
	copy(msg, data)
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	return dropped
}

func (q *sendQueue) popFront() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg
}

func (q *sendQueue) pushFront(msg []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([][]byte{msg}, q.items...)
}

// autoPump is the worker machinery shared by AutoServer and AutoClient: the
// outbound queue, the inbound drain, stats, and callback gating.
type autoPump struct {
	handlers AutoHandlers
	opts     AutoOptions
	queue    *sendQueue
	stats    autoStats
	running  atomic.Bool

	buf      []byte
	dropBase uint32

	txDir Direction
	rxDir Direction
}

func newAutoPump(h AutoHandlers, opts AutoOptions, txDir, rxDir Direction) *autoPump {
	p := &autoPump{
		handlers: h,
		opts:     opts,
		buf:      make([]byte, MaxMessageSize),
		txDir:    txDir,
		rxDir:    rxDir,
	}
	if opts.MaxSendQueue > 0 {
		p.queue = newSendQueue(opts.MaxSendQueue)
	}
	p.running.Store(true)
	return p
}

// Callback gates: nothing is delivered after stop.

func (p *autoPump) onConnect() {
	if p.running.Load() && p.handlers.OnConnect != nil {
		p.handlers.OnConnect()
	}
}

func (p *autoPump) onDisconnect() {
	if p.running.Load() && p.handlers.OnDisconnect != nil {
		p.handlers.OnDisconnect()
	}
}

func (p *autoPump) onMessage(payload []byte) {
	if p.running.Load() && p.handlers.OnMessage != nil {
		p.handlers.OnMessage(p.rxDir, payload)
	}
}

func (p *autoPump) onOverflow(dir Direction, n uint32) {
	if p.running.Load() && p.handlers.OnOverflow != nil {
		p.handlers.OnOverflow(dir, n)
	}
}

func (p *autoPump) onError(err error) {
	if p.running.Load() && p.handlers.OnError != nil {
		p.handlers.OnError(err)
	}
}

func (p *autoPump) onSpace() {
	if p.running.Load() && p.handlers.OnSpace != nil {
		p.handlers.OnSpace(p.txDir)
	}
}

// wait blocks on {inbound data, outbound space, connection change} and
// dispatches the space and disconnect observations.
func (p *autoPump) wait(ch *channel) {
	idx, err := ch.plat.WaitAny([]Event{ch.rxEv.data, ch.txEv.space, ch.events.conn}, p.opts.WaitTimeout)
	if err != nil {
		if !errors.Is(err, ErrTimeout) {
			p.onError(err)
		}
		return
	}
	switch idx {
	case 1:
		p.onSpace()
	case 2:
		if ch.peerGone() {
			ch.markDisconnected()
		}
	}
}

// enqueue is the Send path. With no queue the write is direct.
func (p *autoPump) enqueue(ch *channel, data []byte) error {
	if !p.running.Load() {
		return ErrNotReady
	}
	if len(data) < MinMessageSize || len(data) > MaxMessageSize {
		return ErrInvalidParam
	}
	if p.queue == nil {
		return p.writeFrame(ch, data)
	}
	if p.queue.push(data) {
		p.stats.sendOverflows.Add(1)
	}
	return nil
}

func (p *autoPump) writeFrame(ch *channel, msg []byte) error {
	out, err := ch.sendFrame(msg)
	if err != nil {
		return err
	}
	p.stats.sent.Add(1)
	if out.dropped > 0 {
		p.stats.sendOverflows.Add(uint64(out.dropped))
		p.onOverflow(p.txDir, out.dropped)
	}
	return nil
}

// drainSendQueue pushes queued messages into the ring until it runs dry or
// the endpoint pushes back.
func (p *autoPump) drainSendQueue(ch *channel) {
	if p.queue == nil {
		return
	}
	for {
		msg := p.queue.popFront()
		if msg == nil {
			return
		}
		err := p.writeFrame(ch, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotReady), errors.Is(err, ErrFull):
			p.queue.pushFront(msg)
			return
		default:
			// Unsendable message; surface and move on.
			p.onError(err)
		}
	}
}

// drainInbound delivers up to RecvBatch frames to the message callback.
// Returns false on a fatal channel error.
func (p *autoPump) drainInbound(ch *channel) bool {
	for i := 0; i < p.opts.RecvBatch; i++ {
		n, err := ch.Receive(p.buf)
		switch {
		case err == nil:
			p.stats.received.Add(1)
			p.onMessage(p.buf[:n])
		case errors.Is(err, ErrEmpty), errors.Is(err, ErrNotReady):
			return !errors.Is(err, ErrNotReady)
		case errors.Is(err, ErrBufferTooSmall):
			p.buf = make([]byte, 2*len(p.buf))
		default:
			p.onError(err)
			return !errors.Is(err, ErrProtocol)
		}
	}
	return true
}

// noteReceiveDrops reports the drop_count delta since the last tick.
func (p *autoPump) noteReceiveDrops(ch *channel) {
	d := ch.rx.view.dropCount()
	if delta := d - p.dropBase; delta > 0 {
		p.stats.recvOverflows.Add(uint64(delta))
		p.onOverflow(p.rxDir, delta)
	}
	p.dropBase = d
}

// resetDropBase snapshots drop_count at connection start.
func (p *autoPump) resetDropBase(ch *channel) {
	p.dropBase = ch.rx.view.dropCount()
}

// sleepInterruptible waits d in small slices so stop stays responsive.
func (p *autoPump) sleepInterruptible(d time.Duration) {
	const slice = 10 * time.Millisecond
	deadline := time.Now().Add(d)
	for p.running.Load() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > slice {
			remaining = slice
		}
		time.Sleep(remaining)
	}
}

// AutoServer runs a Server endpoint behind a background worker that accepts
// clients, drains both directions, and reports through callbacks.
type AutoServer struct {
	srv  *Server
	pump *autoPump
	done chan struct{}
	stop sync.Once
}

// StartAutoServer creates the channel and starts the worker.
func StartAutoServer(cfg Config, h AutoHandlers, opts AutoOptions) (*AutoServer, error) {
	srv, err := NewServer(cfg)
	if err != nil {
		return nil, err
	}
	a := &AutoServer{
		srv:  srv,
		pump: newAutoPump(h, opts.normalized(), DirServerToClient, DirClientToServer),
		done: make(chan struct{}),
	}
	go a.worker()
	return a, nil
}

func (a *AutoServer) worker() {
	defer close(a.done)
	p := a.pump
	wasConnected := false
	for p.running.Load() {
		if !a.srv.IsConnected() {
			if wasConnected {
				wasConnected = false
				p.onDisconnect()
			}
			err := a.srv.WaitForClient(p.opts.WaitTimeout)
			if err == nil {
				wasConnected = true
				p.resetDropBase(&a.srv.channel)
				p.onConnect()
			} else if !errors.Is(err, ErrTimeout) {
				p.onError(err)
			}
			continue
		}
		p.drainSendQueue(&a.srv.channel)
		if !p.drainInbound(&a.srv.channel) {
			a.srv.Disconnect()
			continue
		}
		p.noteReceiveDrops(&a.srv.channel)
		p.wait(&a.srv.channel)
	}
	if wasConnected {
		p.onDisconnect()
	}
}

// Send enqueues a message for the connected client.
func (a *AutoServer) Send(data []byte) error {
	return a.pump.enqueue(&a.srv.channel, data)
}

// Stats returns a snapshot of the worker counters.
func (a *AutoServer) Stats() AutoStatsSnapshot { return a.pump.stats.snapshot() }

// IsConnected reports whether a client is currently attached.
func (a *AutoServer) IsConnected() bool { return a.srv.IsConnected() }

// Ready reports whether the channel is published and waiting for a client.
func (a *AutoServer) Ready() bool {
	return !a.srv.IsConnected() && a.srv.view.serverState() == StateServerReady
}

// EventHandles exposes the underlying channel's raw data-event handles.
func (a *AutoServer) EventHandles() (EventHandles, error) { return a.srv.EventHandles() }

// Kick drops the current client, if any, leaving the worker to accept the
// next one.
func (a *AutoServer) Kick() { a.srv.Disconnect() }

// Stop cancels the worker, joins it, and releases the channel. Idempotent;
// no callbacks are delivered after Stop returns.
func (a *AutoServer) Stop() error {
	a.stop.Do(func() {
		a.pump.running.Store(false)
		if a.srv.events != nil && a.srv.events.conn != nil {
			a.srv.events.conn.Set()
		}
		<-a.done
		a.srv.Stop()
	})
	return nil
}

// AutoClient runs a Client endpoint behind a background worker with
// automatic reconnect.
type AutoClient struct {
	cfg  Config
	pump *autoPump
	done chan struct{}
	stop sync.Once

	mu     sync.Mutex
	client *Client
}

// StartAutoClient starts the worker; the first connect happens on the
// worker, so a missing server surfaces through OnError, not here.
func StartAutoClient(cfg Config, h AutoHandlers, opts AutoOptions) (*AutoClient, error) {
	if err := validateBaseName(cfg.Name); err != nil {
		return nil, err
	}
	a := &AutoClient{
		cfg:  cfg,
		pump: newAutoPump(h, opts.normalized(), DirClientToServer, DirServerToClient),
		done: make(chan struct{}),
	}
	go a.worker()
	return a, nil
}

func (a *AutoClient) worker() {
	defer close(a.done)
	p := a.pump
	for p.running.Load() {
		client, err := Connect(a.cfg, p.opts.ConnectTimeout)
		if err != nil {
			p.onError(err)
			p.sleepInterruptible(p.opts.ReconnectDelay)
			continue
		}
		a.setClient(client)
		p.resetDropBase(&client.channel)
		p.onConnect()

		for p.running.Load() && client.IsConnected() {
			p.drainSendQueue(&client.channel)
			if !p.drainInbound(&client.channel) {
				client.Disconnect()
				break
			}
			p.noteReceiveDrops(&client.channel)
			p.wait(&client.channel)
		}

		p.onDisconnect()
		a.setClient(nil)
		client.Stop()
		p.sleepInterruptible(p.opts.ReconnectDelay)
	}
}

func (a *AutoClient) setClient(c *Client) {
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
}

func (a *AutoClient) current() *Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Send enqueues a message for the server.
func (a *AutoClient) Send(data []byte) error {
	c := a.current()
	if c == nil {
		if !a.pump.running.Load() {
			return ErrNotReady
		}
		if a.pump.queue == nil {
			return ErrNotReady
		}
		// Not connected yet; queue for delivery after (re)connect.
		if len(data) < MinMessageSize || len(data) > MaxMessageSize {
			return ErrInvalidParam
		}
		if a.pump.queue.push(data) {
			a.pump.stats.sendOverflows.Add(1)
		}
		return nil
	}
	return a.pump.enqueue(&c.channel, data)
}

// Stats returns a snapshot of the worker counters.
func (a *AutoClient) Stats() AutoStatsSnapshot { return a.pump.stats.snapshot() }

// IsConnected reports whether the client currently holds a live connection.
func (a *AutoClient) IsConnected() bool {
	c := a.current()
	return c != nil && c.IsConnected()
}

// SlotID is the slot assigned by the server, or SlotIDNoSlot when not
// connected.
func (a *AutoClient) SlotID() uint32 {
	c := a.current()
	if c == nil {
		return SlotIDNoSlot
	}
	return c.SlotID()
}

// Stop cancels the worker, joins it, and releases the connection.
// Idempotent; no callbacks are delivered after Stop returns.
func (a *AutoClient) Stop() error {
	a.stop.Do(func() {
		a.pump.running.Store(false)
		if c := a.current(); c != nil {
			c.Disconnect()
		}
		<-a.done
	})
	return nil
}
