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
	"encoding/binary"
	"fmt"
)

// Lobby wire protocol. The lobby channel carries exactly one exchange per
// candidate: a short hello from the client, a fixed reply from the server.
//
// Hello (2 bytes): client revision, u16 LE.
// Reply (6 bytes): status u8 (0 = OK, 1 = REJECTED), pad u8 = 0,
// slot_id u32 LE (SlotIDNoSlot when rejected).
const (
	lobbyStatusOK       = uint8(0)
	lobbyStatusRejected = uint8(1)

	lobbyHelloSize = 2
	lobbyReplySize = 6

	// lobbyRevision is the hello token the bundled client sends.
	lobbyRevision = uint16(1)
)

func encodeLobbyHello(revision uint16) []byte {
	b := make([]byte, lobbyHelloSize)
	binary.LittleEndian.PutUint16(b, revision)
	return b
}

func decodeLobbyHello(b []byte) (uint16, error) {
	if len(b) < lobbyHelloSize {
		return 0, fmt.Errorf("%w: lobby hello of %d bytes", ErrProtocol, len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

func encodeLobbyReply(status uint8, slot uint32) []byte {
	b := make([]byte, lobbyReplySize)
	b[0] = status
	b[1] = 0
	binary.LittleEndian.PutUint32(b[2:], slot)
	return b
}

func decodeLobbyReply(b []byte) (status uint8, slot uint32, err error) {
	if len(b) != lobbyReplySize {
		return 0, 0, fmt.Errorf("%w: lobby reply of %d bytes", ErrProtocol, len(b))
	}
	if b[1] != 0 {
		return 0, 0, fmt.Errorf("%w: lobby reply pad byte %#x", ErrProtocol, b[1])
	}
	status = b[0]
	if status != lobbyStatusOK && status != lobbyStatusRejected {
		return 0, 0, fmt.Errorf("%w: lobby reply status %d", ErrProtocol, status)
	}
	return status, binary.LittleEndian.Uint32(b[2:]), nil
}
