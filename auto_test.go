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
	"bytes"
	"sync"
	"testing"
	"time"
)

// capture collects callback activity for assertions.
type capture struct {
	mu       sync.Mutex
	messages [][]byte

	connects    chan struct{}
	disconnects chan struct{}
	received    chan []byte
}

func newCapture() *capture {
	return &capture{
		connects:    make(chan struct{}, 16),
		disconnects: make(chan struct{}, 16),
		received:    make(chan []byte, 256),
	}
}

func (c *capture) handlers() AutoHandlers {
	return AutoHandlers{
		OnConnect:    func() { c.connects <- struct{}{} },
		OnDisconnect: func() { c.disconnects <- struct{}{} },
		OnMessage: func(_ Direction, payload []byte) {
			msg := make([]byte, len(payload))
			copy(msg, payload)
			c.mu.Lock()
			c.messages = append(c.messages, msg)
			c.mu.Unlock()
			c.received <- msg
		},
	}
}

func awaitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func awaitMessage(t *testing.T, c *capture, want []byte) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-c.received:
			if bytes.Equal(msg, want) {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for message %q", want)
		}
	}
}

func fastAutoOptions() AutoOptions {
	return AutoOptions{
		WaitTimeout:    10 * time.Millisecond,
		ReconnectDelay: 30 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		MaxSendQueue:   64,
		RecvBatch:      32,
	}
}

func TestAutoRoundTrip(t *testing.T) {
	cfg := testConfig(uniqueName("auto"), NewPortablePlatform())
	serverSide, clientSide := newCapture(), newCapture()

	srv, err := StartAutoServer(cfg, serverSide.handlers(), fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoServer failed: %v", err)
	}
	defer srv.Stop()

	cli, err := StartAutoClient(cfg, clientSide.handlers(), fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoClient failed: %v", err)
	}
	defer cli.Stop()

	awaitSignal(t, serverSide.connects, "server connect")
	awaitSignal(t, clientSide.connects, "client connect")

	if err := cli.Send([]byte("ping")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}
	awaitMessage(t, serverSide, []byte("ping"))

	if err := srv.Send([]byte("pong")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	awaitMessage(t, clientSide, []byte("pong"))

	ss, cs := srv.Stats(), cli.Stats()
	if ss.SentMessages == 0 || ss.ReceivedMessages == 0 {
		t.Fatalf("server stats: %+v", ss)
	}
	if cs.SentMessages == 0 || cs.ReceivedMessages == 0 {
		t.Fatalf("client stats: %+v", cs)
	}
}

func TestAutoClientReconnects(t *testing.T) {
	plat := NewPortablePlatform()
	cfg := testConfig(uniqueName("auto-rc"), plat)
	serverSide, clientSide := newCapture(), newCapture()

	srv, err := StartAutoServer(cfg, serverSide.handlers(), fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoServer failed: %v", err)
	}

	cli, err := StartAutoClient(cfg, clientSide.handlers(), fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoClient failed: %v", err)
	}
	defer cli.Stop()

	awaitSignal(t, clientSide.connects, "initial connect")
	srv.Stop()
	awaitSignal(t, clientSide.disconnects, "disconnect after server stop")

	// A restarted server picks the client back up.
	serverSide2 := newCapture()
	srv2, err := StartAutoServer(cfg, serverSide2.handlers(), fastAutoOptions())
	if err != nil {
		t.Fatalf("server restart failed: %v", err)
	}
	defer srv2.Stop()

	awaitSignal(t, clientSide.connects, "reconnect")
	if err := cli.Send([]byte("back")); err != nil {
		t.Fatalf("send after reconnect failed: %v", err)
	}
	awaitMessage(t, serverSide2, []byte("back"))
}

func TestAutoEcho(t *testing.T) {
	cfg := testConfig(uniqueName("auto-echo"), NewPortablePlatform())
	clientSide := newCapture()

	var srv *AutoServer
	srv, err := StartAutoServer(cfg, AutoHandlers{
		OnMessage: func(_ Direction, payload []byte) {
			srv.Send(payload)
		},
	}, fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoServer failed: %v", err)
	}
	defer srv.Stop()

	cli, err := StartAutoClient(cfg, clientSide.handlers(), fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoClient failed: %v", err)
	}
	defer cli.Stop()

	awaitSignal(t, clientSide.connects, "connect")
	for i := 0; i < 10; i++ {
		if err := cli.Send([]byte{byte(i), 0xAB}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		awaitMessage(t, clientSide, []byte{byte(i), 0xAB})
	}
}

func TestAutoSendQueueDropsOldest(t *testing.T) {
	// No server exists, so queued messages pile up and the oldest fall out.
	opts := fastAutoOptions()
	opts.MaxSendQueue = 2
	opts.ConnectTimeout = 50 * time.Millisecond

	cli, err := StartAutoClient(testConfig(uniqueName("auto-q"), NewPortablePlatform()),
		AutoHandlers{}, opts)
	if err != nil {
		t.Fatalf("StartAutoClient failed: %v", err)
	}
	defer cli.Stop()

	for i := 0; i < 5; i++ {
		if err := cli.Send([]byte{byte(i), 1}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if got := cli.Stats().SendOverflows; got < 3 {
		t.Fatalf("send overflows = %d, want >= 3", got)
	}
}

func TestAutoSendRejectsBadSizes(t *testing.T) {
	cli, err := StartAutoClient(testConfig(uniqueName("auto-sz"), NewPortablePlatform()),
		AutoHandlers{}, fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoClient failed: %v", err)
	}
	defer cli.Stop()
	if err := cli.Send([]byte{1}); err == nil {
		t.Fatal("1-byte send accepted")
	}
	if err := cli.Send(make([]byte, MaxMessageSize+1)); err == nil {
		t.Fatal("oversize send accepted")
	}
}

func TestAutoStopIdempotent(t *testing.T) {
	cfg := testConfig(uniqueName("auto-stop"), NewPortablePlatform())
	srv, err := StartAutoServer(cfg, AutoHandlers{}, fastAutoOptions())
	if err != nil {
		t.Fatalf("StartAutoServer failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := srv.Stop(); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
	if err := srv.Send([]byte("hi")); err == nil {
		t.Fatal("send accepted after stop")
	}
}
