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
	"testing"
	"time"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPortableSectionSharesBytes(t *testing.T) {
	plat := NewPortablePlatform()
	name := uniqueName("sect")

	created, err := plat.CreateSection(name, 4096)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer created.Close()

	opened, err := plat.OpenSection(name)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer opened.Close()

	if len(opened.Bytes()) != 4096 {
		t.Fatalf("opened size %d", len(opened.Bytes()))
	}
	copy(created.Bytes(), []byte("shared"))
	if string(opened.Bytes()[:6]) != "shared" {
		t.Fatal("writes are not visible through the second mapping")
	}
}

func TestPortableSectionNotFound(t *testing.T) {
	plat := NewPortablePlatform()
	if _, err := plat.OpenSection(uniqueName("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPortableEventAutoReset(t *testing.T) {
	plat := NewPortablePlatform()
	ev, err := plat.CreateEvent(uniqueName("evt"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer ev.Close()

	if err := ev.Set(); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	idx, err := plat.WaitAny([]Event{ev}, 100*time.Millisecond)
	if err != nil || idx != 0 {
		t.Fatalf("wait: idx=%d err=%v", idx, err)
	}
	// Auto-reset: the signal was consumed.
	if _, err := plat.WaitAny([]Event{ev}, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout after consume, got %v", err)
	}
	// A second Set while already signaled coalesces into one wake.
	ev.Set()
	ev.Set()
	if _, err := plat.WaitAny([]Event{ev}, 100*time.Millisecond); err != nil {
		t.Fatalf("first wake failed: %v", err)
	}
	if _, err := plat.WaitAny([]Event{ev}, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("signals did not coalesce: %v", err)
	}
}

func TestPortableEventOpenAndWaitAnyIndex(t *testing.T) {
	plat := NewPortablePlatform()
	nameA, nameB := uniqueName("evt-a"), uniqueName("evt-b")

	a, err := plat.CreateEvent(nameA)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	defer a.Close()
	b, err := plat.CreateEvent(nameB)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	defer b.Close()

	opened, err := plat.OpenEvent(nameB)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer opened.Close()

	if err := opened.Set(); err != nil {
		t.Fatalf("set through opened handle: %v", err)
	}
	idx, err := plat.WaitAny([]Event{a, b}, 100*time.Millisecond)
	if err != nil || idx != 1 {
		t.Fatalf("wait: idx=%d err=%v", idx, err)
	}
}

func TestPortableEventNotFound(t *testing.T) {
	plat := NewPortablePlatform()
	if _, err := plat.OpenEvent(uniqueName("missing-evt")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPortableEventReset(t *testing.T) {
	plat := NewPortablePlatform()
	ev, err := plat.CreateEvent(uniqueName("evt-reset"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ev.Close()
	ev.Set()
	if err := ev.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := plat.WaitAny([]Event{ev}, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("signal survived reset: %v", err)
	}
}
