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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
)

// portablePlatform backs sections with memory-mapped files under the temp
// directory and events with process-local channels. Sections cross the
// process boundary; events do not, which is sufficient for tests and for
// hosting both endpoints in one process.
type portablePlatform struct {
	dir string

	mu     sync.Mutex
	events map[string]*portableEvent
	nextID uintptr
}

// NewPortablePlatform returns the file-backed Platform implementation.
func NewPortablePlatform() Platform {
	return &portablePlatform{
		dir:    os.TempDir(),
		events: make(map[string]*portableEvent),
		nextID: 1,
	}
}

// sanitize flattens a kernel object name into a file name.
func sanitize(name string) string {
	r := strings.NewReplacer(`\`, "_", "/", "_")
	return "xshm_" + r.Replace(name)
}

type portableSection struct {
	f       *os.File
	m       mmap.MMap
	creator bool
	path    string
}

func (s *portableSection) Bytes() []byte { return s.m }

func (s *portableSection) Close() error {
	var firstErr error
	if s.m != nil {
		if err := s.m.Unmap(); err != nil {
			firstErr = err
		}
		s.m = nil
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.f = nil
	}
	if s.creator {
		// Unlink semantics: an already-open peer keeps its mapping.
		_ = os.Remove(s.path)
	}
	return firstErr
}

func (p *portablePlatform) CreateSection(name string, size int) (Section, error) {
	path := filepath.Join(p.dir, sanitize(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccess, path)
		}
		return nil, fmt.Errorf("%w: create %s: %v", ErrMemory, path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrMemory, path, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: map %s: %v", ErrMemory, path, err)
	}
	return &portableSection{f: f, m: m, creator: true, path: path}, nil
}

func (p *portablePlatform) OpenSection(name string) (Section, error) {
	path := filepath.Join(p.dir, sanitize(name))
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccess, name)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrMemory, path, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: map %s: %v", ErrMemory, path, err)
	}
	return &portableSection{f: f, m: m, path: path}, nil
}

// portableEvent is an auto-reset event built on a one-slot channel: Set is a
// non-blocking send, a wait consumes the slot.
type portableEvent struct {
	p    *portablePlatform
	name string
	id   uintptr
	ch   chan struct{}
	refs int
}

func (e *portableEvent) Set() error {
	select {
	case e.ch <- struct{}{}:
	default:
	}
	return nil
}

func (e *portableEvent) Reset() error {
	select {
	case <-e.ch:
	default:
	}
	return nil
}

func (e *portableEvent) Handle() uintptr { return e.id }

func (e *portableEvent) Duplicate() (uintptr, error) { return e.id, nil }

func (e *portableEvent) Close() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(e.p.events, e.name)
	}
	return nil
}

func (p *portablePlatform) CreateEvent(name string) (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := p.events[name]; ok {
		ev.refs++
		return ev, nil
	}
	ev := &portableEvent{p: p, name: name, id: p.nextID, ch: make(chan struct{}, 1), refs: 1}
	p.nextID++
	p.events[name] = ev
	return ev, nil
}

func (p *portablePlatform) OpenEvent(name string) (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[name]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, name)
	}
	ev.refs++
	return ev, nil
}

func (p *portablePlatform) WaitAny(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("%w: no events to wait on", ErrInvalidParam)
	}
	cases := make([]reflect.SelectCase, 0, len(events)+1)
	for _, ev := range events {
		pe, ok := ev.(*portableEvent)
		if !ok {
			return 0, fmt.Errorf("%w: foreign event", ErrInvalidParam)
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(pe.ch),
		})
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(timer.C),
	})
	chosen, _, _ := reflect.Select(cases)
	if chosen == len(events) {
		return 0, ErrTimeout
	}
	return chosen, nil
}
