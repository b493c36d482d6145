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

import "errors"

// The error taxonomy is a closed set. Callers match with errors.Is; the Code
// mapping exists for boundaries that need a numeric code.
var (
	// ErrInvalidParam reports a caller bug: bad payload size, empty or
	// malformed name. The operation has no side effects.
	ErrInvalidParam = errors.New("xshm: invalid parameter")

	// ErrMemory reports a failed allocation or mapping.
	ErrMemory = errors.New("xshm: memory mapping failed")

	// ErrTimeout reports that a bounded wait elapsed. Recoverable.
	ErrTimeout = errors.New("xshm: operation timed out")

	// ErrEmpty reports that a non-blocking receive found no message.
	ErrEmpty = errors.New("xshm: no messages available")

	// ErrBufferTooSmall reports that the caller's buffer cannot hold the
	// next message. The message is not consumed.
	ErrBufferTooSmall = errors.New("xshm: receive buffer too small")

	// ErrExists reports a named-object conflict on creation.
	ErrExists = errors.New("xshm: object already exists")

	// ErrNotFound reports a missing named object on open.
	ErrNotFound = errors.New("xshm: object not found")

	// ErrAccess reports insufficient privileges for a named object.
	ErrAccess = errors.New("xshm: access denied")

	// ErrNotReady reports an operation issued before the handshake
	// completed, or after the peer disconnected. Recoverable once the
	// connection state advances.
	ErrNotReady = errors.New("xshm: endpoint not ready")

	// ErrProtocol reports a magic/version mismatch or corrupt framing.
	// Fatal for the channel; the next accept resets the generation.
	ErrProtocol = errors.New("xshm: protocol violation")

	// ErrFull reports that an outbound queue or ring cannot accept a
	// message and overwrite is disabled. Recoverable.
	ErrFull = errors.New("xshm: queue full")

	// ErrNoSlot reports that the lobby rejected a client because every
	// slot is occupied. Recoverable after a disconnect.
	ErrNoSlot = errors.New("xshm: no free slot")
)

// Code is the numeric form of the error set, for ABI-style boundaries.
type Code uint32

const (
	CodeSuccess Code = iota
	CodeInvalidParam
	CodeMemory
	CodeTimeout
	CodeEmpty
	CodeExists
	CodeNotFound
	CodeAccess
	CodeNotReady
	CodeProtocol
	CodeFull
	CodeNoSlot
)

// CodeOf maps an error returned by this package to its Code.
// ErrBufferTooSmall is a caller sizing bug and maps to CodeInvalidParam.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrInvalidParam), errors.Is(err, ErrBufferTooSmall):
		return CodeInvalidParam
	case errors.Is(err, ErrMemory):
		return CodeMemory
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrEmpty):
		return CodeEmpty
	case errors.Is(err, ErrExists):
		return CodeExists
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAccess):
		return CodeAccess
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrFull):
		return CodeFull
	case errors.Is(err, ErrNoSlot):
		return CodeNoSlot
	default:
		return CodeProtocol
	}
}
