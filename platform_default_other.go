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

//go:build !windows

package xshm

// DefaultPlatform selects the portable file-backed implementation. Only the
// Windows build has true cross-process events; elsewhere the portable
// limitations documented on NewPortablePlatform apply.
func DefaultPlatform() Platform { return NewPortablePlatform() }
