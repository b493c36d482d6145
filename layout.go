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

import "fmt"

// Segment layout, fixed offsets:
//
//	0x00  control block   (64 B)
//	0x40  ring header A   (64 B)  server -> client
//	0x80  ring A data     (capacity bytes)
//	      ring header B   (64 B)  client -> server
//	      ring B data     (capacity bytes)
//
// Control block fields (u32 each, little-endian):
//
//	0x00 magic      0x04 version   0x08 generation
//	0x0C server_state    0x10 client_state
//	0x14 reserved[8]     (reserved[0] carries slot_id during hello)
//
// Ring header fields (u32 each):
//
//	0x00 write_pos  0x04 read_pos  0x08 message_count
//	0x0C drop_count 0x10 gen_stamp
const (
	controlBlockSize = 64
	ringHeaderSize   = 64

	offMagic       = 0
	offVersion     = 4
	offGeneration  = 8
	offServerState = 12
	offClientState = 16
	offReserved    = 20

	reservedWords = 8

	// reservedSlotID is the reserved[] index carrying the assigned slot
	// during the multi-client hello.
	reservedSlotID = 0

	offWritePos     = 0
	offReadPos      = 4
	offMessageCount = 8
	offDropCount    = 12
	offGenStamp     = 16
)

// layout holds the resolved byte offsets for one segment.
type layout struct {
	capacity uint32 // per-ring data capacity, power of two

	hdrA  uint32 // ring header A offset
	dataA uint32 // ring A data offset
	hdrB  uint32 // ring header B offset
	dataB uint32 // ring B data offset
	total uint32 // total mapping size
}

func isPowerOfTwo(n uint32) bool {
	return n > 0 && n&(n-1) == 0
}

// resolveCapacity validates a requested per-ring capacity. Zero selects the
// default. The capacity must hold at least one maximum-size frame.
func resolveCapacity(bufferBytes uint32) (uint32, error) {
	if bufferBytes == 0 {
		return RingCapacity, nil
	}
	if !isPowerOfTwo(bufferBytes) {
		return 0, fmt.Errorf("%w: capacity %d is not a power of two", ErrInvalidParam, bufferBytes)
	}
	if bufferBytes < MinRingCapacity {
		return 0, fmt.Errorf("%w: capacity %d is below minimum %d", ErrInvalidParam, bufferBytes, MinRingCapacity)
	}
	return bufferBytes, nil
}

// newLayout computes the segment layout for a per-ring capacity.
func newLayout(capacity uint32) layout {
	l := layout{capacity: capacity}
	l.hdrA = controlBlockSize
	l.dataA = l.hdrA + ringHeaderSize
	l.hdrB = l.dataA + capacity
	l.dataB = l.hdrB + ringHeaderSize
	l.total = l.dataB + capacity
	return l
}

// layoutForSize recovers the per-ring capacity from a mapped segment size.
// Used by the client, which learns the size from the section itself.
func layoutForSize(total int) (layout, error) {
	fixed := controlBlockSize + 2*ringHeaderSize
	if total <= fixed || (total-fixed)%2 != 0 {
		return layout{}, fmt.Errorf("%w: segment size %d does not match layout", ErrProtocol, total)
	}
	capacity := uint32((total - fixed) / 2)
	if !isPowerOfTwo(capacity) || capacity < MinRingCapacity {
		return layout{}, fmt.Errorf("%w: segment ring capacity %d invalid", ErrProtocol, capacity)
	}
	return newLayout(capacity), nil
}
