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

//go:build windows

package xshm

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// permissiveSDDL grants GENERIC_ALL to Everyone so endpoints in different
// sessions (services vs. interactive) can open each other's objects.
const permissiveSDDL = "D:(A;;GA;;;WD)"

// windowsPlatform implements Platform on named sections and events.
type windowsPlatform struct{}

// NewWindowsPlatform returns the native Platform implementation.
func NewWindowsPlatform() Platform { return windowsPlatform{} }

func securityAttributes() (*windows.SecurityAttributes, error) {
	sd, err := windows.SecurityDescriptorFromString(permissiveSDDL)
	if err != nil {
		return nil, fmt.Errorf("%w: security descriptor: %v", ErrAccess, err)
	}
	return &windows.SecurityAttributes{
		Length:             uint32(unsafe.Sizeof(windows.SecurityAttributes{})),
		SecurityDescriptor: sd,
	}, nil
}

func mapWinErr(err error, context string) error {
	switch err {
	case windows.ERROR_FILE_NOT_FOUND:
		return fmt.Errorf("%w: %s", ErrNotFound, context)
	case windows.ERROR_ALREADY_EXISTS:
		return fmt.Errorf("%w: %s", ErrExists, context)
	case windows.ERROR_ACCESS_DENIED:
		return fmt.Errorf("%w: %s", ErrAccess, context)
	default:
		return fmt.Errorf("%w: %s: %v", ErrMemory, context, err)
	}
}

type windowsSection struct {
	handle windows.Handle
	addr   uintptr
	mem    []byte
}

func (s *windowsSection) Bytes() []byte { return s.mem }

func (s *windowsSection) Close() error {
	var firstErr error
	if s.addr != 0 {
		if err := windows.UnmapViewOfFile(s.addr); err != nil {
			firstErr = err
		}
		s.addr = 0
		s.mem = nil
	}
	if s.handle != 0 {
		if err := windows.CloseHandle(s.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		s.handle = 0
	}
	return firstErr
}

func (windowsPlatform) CreateSection(name string, size int) (Section, error) {
	sa, err := securityAttributes()
	if err != nil {
		return nil, err
	}
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("%w: section name %q", ErrInvalidParam, name)
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, sa,
		windows.PAGE_READWRITE, uint32(uint64(size)>>32), uint32(size), namePtr)
	// The section surviving from an earlier connection is reused; all
	// other failures are fatal.
	if h == 0 {
		return nil, mapWinErr(err, "create section "+name)
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, mapWinErr(err, "map section "+name)
	}
	return &windowsSection{
		handle: h,
		addr:   addr,
		mem:    unsafe.Slice((*byte)(unsafe.Pointer(addr)), size),
	}, nil
}

func (windowsPlatform) OpenSection(name string) (Section, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("%w: section name %q", ErrInvalidParam, name)
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_WRITE, false, namePtr)
	if err != nil {
		return nil, mapWinErr(err, "open section "+name)
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(h)
		return nil, mapWinErr(err, "map section "+name)
	}
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(h)
		return nil, mapWinErr(err, "query section "+name)
	}
	size := int(info.RegionSize)
	return &windowsSection{
		handle: h,
		addr:   addr,
		mem:    unsafe.Slice((*byte)(unsafe.Pointer(addr)), size),
	}, nil
}

type windowsEvent struct {
	handle windows.Handle
}

func (e *windowsEvent) Set() error   { return windows.SetEvent(e.handle) }
func (e *windowsEvent) Reset() error { return windows.ResetEvent(e.handle) }

func (e *windowsEvent) Handle() uintptr { return uintptr(e.handle) }

func (e *windowsEvent) Duplicate() (uintptr, error) {
	proc := windows.CurrentProcess()
	var dup windows.Handle
	err := windows.DuplicateHandle(proc, e.handle, proc, &dup, 0, false,
		windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return 0, mapWinErr(err, "duplicate event handle")
	}
	return uintptr(dup), nil
}

func (e *windowsEvent) Close() error {
	if e.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(e.handle)
	e.handle = 0
	return err
}

func (windowsPlatform) CreateEvent(name string) (Event, error) {
	sa, err := securityAttributes()
	if err != nil {
		return nil, err
	}
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("%w: event name %q", ErrInvalidParam, name)
	}
	// manualReset=0, initialState=0: auto-reset, unsignaled.
	h, err := windows.CreateEvent(sa, 0, 0, namePtr)
	if h == 0 {
		return nil, mapWinErr(err, "create event "+name)
	}
	return &windowsEvent{handle: h}, nil
}

func (windowsPlatform) OpenEvent(name string) (Event, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("%w: event name %q", ErrInvalidParam, name)
	}
	h, err := windows.OpenEvent(windows.EVENT_MODIFY_STATE|windows.SYNCHRONIZE, false, namePtr)
	if err != nil {
		return nil, mapWinErr(err, "open event "+name)
	}
	return &windowsEvent{handle: h}, nil
}

// maxWaitObjects is the WaitForMultipleObjects handle limit.
const maxWaitObjects = 64

func (windowsPlatform) WaitAny(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 || len(events) > maxWaitObjects {
		return 0, fmt.Errorf("%w: %d wait handles", ErrInvalidParam, len(events))
	}
	handles := make([]windows.Handle, len(events))
	for i, ev := range events {
		handles[i] = windows.Handle(ev.Handle())
	}
	ms := uint32(timeout / time.Millisecond)
	ret, err := windows.WaitForMultipleObjects(handles, false, ms)
	switch {
	case ret < windows.WAIT_OBJECT_0+uint32(len(events)):
		return int(ret - windows.WAIT_OBJECT_0), nil
	case ret == uint32(windows.WAIT_TIMEOUT):
		return 0, ErrTimeout
	default:
		return 0, mapWinErr(err, "wait for events")
	}
}
