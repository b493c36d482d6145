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

// Package xshm implements a cross-process, bidirectional IPC transport built
// on a shared-memory segment and named kernel event objects.
//
// Two cooperating processes, a Server and a Client, exchange variable-length
// binary messages (2..65535 bytes) through two independent single-producer
// single-consumer ring buffers held in one shared mapping. Ring coordination
// is lock-free; blocking is event-driven through auto-reset events with
// millisecond timeouts.
//
// On top of the synchronous endpoints, AutoServer and AutoClient run a
// background worker that delivers inbound messages to callbacks and drains an
// outbound queue with overflow accounting; MultiServer and MultiClient layer
// a lobby/slot dispatch protocol over the single-client channel so one server
// can serve many clients, each on a dedicated slot channel.
//
// Kernel objects are reached through the narrow Platform interface. On
// Windows the native implementation uses named sections and events; the
// portable implementation backs sections with memory-mapped files and keeps
// events process-local, which is sufficient for tests and same-process use.
package xshm
