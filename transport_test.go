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
	"errors"
	"testing"
	"time"
)

func testConfig(name string, plat Platform) Config {
	return Config{Name: name, BufferBytes: MinRingCapacity, Platform: plat}
}

// startPair connects a server and client over the portable platform.
func startPair(t *testing.T) (*Server, *Client) {
	t.Helper()
	cfg := testConfig(uniqueName("chan"), NewPortablePlatform())

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.WaitForClient(5 * time.Second) }()

	cli, err := Connect(cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { cli.Stop() })

	if err := <-waitErr; err != nil {
		t.Fatalf("WaitForClient failed: %v", err)
	}
	return srv, cli
}

type receiver interface {
	Receive(buf []byte) (int, error)
	Poll(timeout time.Duration) error
}

// receiveWithin polls until one message arrives.
func receiveWithin(t *testing.T, r receiver, buf []byte, timeout time.Duration) int {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		n, err := r.Receive(buf)
		if err == nil {
			return n
		}
		if !errors.Is(err, ErrEmpty) {
			t.Fatalf("receive failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("no message within deadline")
		}
		r.Poll(20 * time.Millisecond)
	}
}

func TestPingPong(t *testing.T) {
	srv, cli := startPair(t)

	if err := srv.Send([]byte("ping")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	buf := make([]byte, 64)
	n := receiveWithin(t, cli, buf, 2*time.Second)
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("client received %q", buf[:n])
	}

	if err := cli.Send([]byte("pong")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}
	n = receiveWithin(t, srv, buf, 2*time.Second)
	if !bytes.Equal(buf[:n], []byte("pong")) {
		t.Fatalf("server received %q", buf[:n])
	}
}

func TestHandshakeState(t *testing.T) {
	srv, cli := startPair(t)
	if !srv.IsConnected() || !cli.IsConnected() {
		t.Fatal("both sides should be connected")
	}
	if srv.Generation() != 1 || cli.Generation() != 1 {
		t.Fatalf("generation = %d/%d, want 1", srv.Generation(), cli.Generation())
	}
	if cli.SlotID() != 0 {
		t.Fatalf("standalone slot id = %d", cli.SlotID())
	}
}

func TestSendSizeValidation(t *testing.T) {
	srv, _ := startPair(t)
	if err := srv.Send(make([]byte, 1)); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("1-byte send: %v", err)
	}
	if err := srv.Send(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("oversize send: %v", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	cfg := testConfig(uniqueName("chan"), NewPortablePlatform())
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Stop()
	if err := srv.Send([]byte("hi")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := srv.Receive(make([]byte, 16)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestConnectNoServer(t *testing.T) {
	cfg := testConfig(uniqueName("nobody"), NewPortablePlatform())
	if _, err := Connect(cfg, 100*time.Millisecond); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConnectRejectsForeignSegment(t *testing.T) {
	plat := NewPortablePlatform()
	cfg := testConfig(uniqueName("foreign"), plat)
	l := newLayout(MinRingCapacity)
	sec, err := plat.CreateSection(sectionName(cfg.Name, false), int(l.total))
	if err != nil {
		t.Fatalf("create section: %v", err)
	}
	defer sec.Close()
	// No magic was ever written; the mapping is not an xshm segment.
	if _, err := Connect(cfg, 100*time.Millisecond); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDisconnectObservedByPeer(t *testing.T) {
	srv, cli := startPair(t)
	if err := cli.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("server did not observe disconnect")
		}
		srv.Poll(20 * time.Millisecond)
		srv.Receive(make([]byte, 16))
	}
}

func TestStopIdempotent(t *testing.T) {
	srv, cli := startPair(t)
	for i := 0; i < 2; i++ {
		if err := cli.Stop(); err != nil {
			t.Fatalf("client stop #%d: %v", i+1, err)
		}
		if err := srv.Stop(); err != nil {
			t.Fatalf("server stop #%d: %v", i+1, err)
		}
	}
	if err := srv.Disconnect(); err != nil {
		t.Fatalf("disconnect after stop: %v", err)
	}
}

func TestGenerationIsolation(t *testing.T) {
	cfg := testConfig(uniqueName("gen"), NewPortablePlatform())
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.WaitForClient(5 * time.Second) }()
	cli1, err := Connect(cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if err := <-waitErr; err != nil {
		t.Fatalf("first accept failed: %v", err)
	}

	// A frame left unread when the connection turns over must never reach
	// a consumer from another generation.
	if err := srv.Send([]byte("stale")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	srv.Disconnect()
	cli1.Stop()

	go func() { waitErr <- srv.WaitForClient(5 * time.Second) }()
	cli2, err := Connect(cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	defer cli2.Stop()
	if err := <-waitErr; err != nil {
		t.Fatalf("second accept failed: %v", err)
	}
	if cli2.Generation() != 2 {
		t.Fatalf("second generation = %d", cli2.Generation())
	}
	if _, err := cli2.Receive(make([]byte, 64)); !errors.Is(err, ErrEmpty) {
		t.Fatalf("stale frame leaked across generations: %v", err)
	}
}

func TestPollTimesOutWhenQuiet(t *testing.T) {
	_, cli := startPair(t)
	// Handshake traffic can leave a pending conn signal; it drains within
	// a bounded number of polls, after which quiet polls time out.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := cli.Poll(30 * time.Millisecond)
		if errors.Is(err, ErrTimeout) {
			return
		}
		if err != nil {
			t.Fatalf("poll failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("poll never timed out on a quiet channel")
		}
	}
}

func TestEventHandles(t *testing.T) {
	srv, _ := startPair(t)
	h, err := srv.EventHandles()
	if err != nil {
		t.Fatalf("EventHandles failed: %v", err)
	}
	if h.S2CData == 0 || h.C2SData == 0 {
		t.Fatalf("zero handle: %+v", h)
	}
}

func TestSpaceSignaledAfterDrain(t *testing.T) {
	srv, cli := startPair(t)
	if err := srv.Send([]byte("data")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	buf := make([]byte, 64)
	receiveWithin(t, cli, buf, 2*time.Second)
	// The consumer freed a max frame worth of space; the producer's wait
	// on its space event completes.
	idx, err := srv.plat.WaitAny([]Event{srv.txEv.space}, time.Second)
	if err != nil || idx != 0 {
		t.Fatalf("space event not signaled: idx=%d err=%v", idx, err)
	}
}
