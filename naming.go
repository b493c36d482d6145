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

// Kernel object names derive deterministically from a user-supplied base.
// The session prefix is "Local\" unless the caller opted into cross-session
// "Global\" names, which require elevated privileges on most systems.

const (
	localPrefix  = `Local\`
	globalPrefix = `Global\`

	// maxBaseNameLen keeps derived names well inside platform limits.
	maxBaseNameLen = 200
)

type eventKind uint8

const (
	eventData eventKind = iota
	eventSpace
	eventConn
)

func (k eventKind) suffix() string {
	switch k {
	case eventData:
		return "data"
	case eventSpace:
		return "space"
	default:
		return "conn"
	}
}

// validateBaseName rejects names the naming scheme cannot represent.
// Names are ASCII graphic characters excluding the path separator.
func validateBaseName(base string) error {
	if base == "" || len(base) > maxBaseNameLen {
		return fmt.Errorf("%w: base name %q", ErrInvalidParam, base)
	}
	for i := 0; i < len(base); i++ {
		c := base[i]
		if c <= 0x20 || c >= 0x7F || c == '\\' || c == '/' {
			return fmt.Errorf("%w: base name %q has invalid character at %d", ErrInvalidParam, base, i)
		}
	}
	return nil
}

func namePrefix(global bool) string {
	if global {
		return globalPrefix
	}
	return localPrefix
}

// sectionName is the shared section: {prefix}{base}_shm.
func sectionName(base string, global bool) string {
	return namePrefix(global) + base + "_shm"
}

// directionEventName is a per-ring event: {prefix}{base}_evt_<role>_<kind>.
func directionEventName(base string, global bool, dir Direction, kind eventKind) string {
	return fmt.Sprintf("%s%s_evt_%s_%s", namePrefix(global), base, dir, kind.suffix())
}

// connEventName is the connection lifecycle event: {prefix}{base}_evt_conn.
func connEventName(base string, global bool) string {
	return namePrefix(global) + base + "_evt_conn"
}

// slotBaseName is the dedicated channel base for a multi-server slot.
func slotBaseName(base string, slot uint32) string {
	return fmt.Sprintf("%s_%d", base, slot)
}
