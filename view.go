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
	"sync/atomic"
	"unsafe"
)

// segmentView is an offset-typed view of a mapped segment. The segment is a
// byte region written concurrently by another process, so every load and
// store goes through sync/atomic on addresses computed from the mapping;
// no Go struct is ever laid over the shared bytes.
type segmentView struct {
	mem []byte
	l   layout
}

func newSegmentView(mem []byte, l layout) *segmentView {
	return &segmentView{mem: mem, l: l}
}

// word returns the address of the u32 at a byte offset. Offsets are 4-byte
// aligned by construction and the mapping itself is page aligned.
func (v *segmentView) word(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&v.mem[off]))
}

// Control block accessors.

func (v *segmentView) magic() uint32          { return atomic.LoadUint32(v.word(offMagic)) }
func (v *segmentView) setMagic(m uint32)      { atomic.StoreUint32(v.word(offMagic), m) }
func (v *segmentView) version() uint32        { return atomic.LoadUint32(v.word(offVersion)) }
func (v *segmentView) setVersion(ver uint32)  { atomic.StoreUint32(v.word(offVersion), ver) }
func (v *segmentView) generation() uint32     { return atomic.LoadUint32(v.word(offGeneration)) }
func (v *segmentView) setGeneration(g uint32) { atomic.StoreUint32(v.word(offGeneration), g) }

func (v *segmentView) serverState() uint32     { return atomic.LoadUint32(v.word(offServerState)) }
func (v *segmentView) setServerState(s uint32) { atomic.StoreUint32(v.word(offServerState), s) }
func (v *segmentView) clientState() uint32     { return atomic.LoadUint32(v.word(offClientState)) }
func (v *segmentView) setClientState(s uint32) { atomic.StoreUint32(v.word(offClientState), s) }

func (v *segmentView) reserved(i int) uint32 {
	return atomic.LoadUint32(v.word(offReserved + uint32(i)*4))
}

func (v *segmentView) setReserved(i int, val uint32) {
	atomic.StoreUint32(v.word(offReserved+uint32(i)*4), val)
}

// resetControl initializes the control block at server creation.
func (v *segmentView) resetControl() {
	v.setMagic(SharedMagic)
	v.setVersion(SharedVersion)
	v.setGeneration(0)
	v.setServerState(StateIdle)
	v.setClientState(StateIdle)
	for i := 0; i < reservedWords; i++ {
		v.setReserved(i, 0)
	}
}

// validate checks magic and version on an opened segment.
func (v *segmentView) validate() error {
	if v.magic() != SharedMagic {
		return ErrProtocol
	}
	if v.version() != SharedVersion {
		return ErrProtocol
	}
	return nil
}

// ringA is the server-to-client ring view; ringB client-to-server.
func (v *segmentView) ringA() *ringView {
	return &ringView{v: v, hdr: v.l.hdrA, data: v.l.dataA, capacity: v.l.capacity}
}

func (v *segmentView) ringB() *ringView {
	return &ringView{v: v, hdr: v.l.hdrB, data: v.l.dataB, capacity: v.l.capacity}
}

// ringView is the offset-typed view of one ring header and its data area.
type ringView struct {
	v        *segmentView
	hdr      uint32
	data     uint32
	capacity uint32
}

func (r *ringView) writePos() uint32      { return atomic.LoadUint32(r.v.word(r.hdr + offWritePos)) }
func (r *ringView) setWritePos(p uint32)  { atomic.StoreUint32(r.v.word(r.hdr+offWritePos), p) }
func (r *ringView) readPos() uint32       { return atomic.LoadUint32(r.v.word(r.hdr + offReadPos)) }
func (r *ringView) setReadPos(p uint32)   { atomic.StoreUint32(r.v.word(r.hdr+offReadPos), p) }
func (r *ringView) genStamp() uint32      { return atomic.LoadUint32(r.v.word(r.hdr + offGenStamp)) }
func (r *ringView) setGenStamp(g uint32)  { atomic.StoreUint32(r.v.word(r.hdr+offGenStamp), g) }
func (r *ringView) messageCount() uint32  { return atomic.LoadUint32(r.v.word(r.hdr + offMessageCount)) }
func (r *ringView) addMessageCount(d int32) uint32 {
	return atomic.AddUint32(r.v.word(r.hdr+offMessageCount), uint32(d))
}
func (r *ringView) dropCount() uint32 { return atomic.LoadUint32(r.v.word(r.hdr + offDropCount)) }
func (r *ringView) addDropCount(d uint32) uint32 {
	return atomic.AddUint32(r.v.word(r.hdr+offDropCount), d)
}

// reset clears the ring state for a new generation.
func (r *ringView) reset(generation uint32) {
	r.setWritePos(0)
	r.setReadPos(0)
	atomic.StoreUint32(r.v.word(r.hdr+offMessageCount), 0)
	atomic.StoreUint32(r.v.word(r.hdr+offDropCount), 0)
	r.setGenStamp(generation)
}

// dataSlice exposes the ring's data arena.
func (r *ringView) dataSlice() []byte {
	return r.v.mem[r.data : r.data+r.capacity]
}
