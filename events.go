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

// channelEvents holds the two per-ring events: data signals "bytes became
// available", space signals "a maximum-size frame now fits".
type channelEvents struct {
	data  Event
	space Event
}

// sharedEvents is the full event set of one channel: one pair per direction
// plus the connection lifecycle event.
type sharedEvents struct {
	s2c  channelEvents
	c2s  channelEvents
	conn Event
}

// EventHandles exposes the raw data-event handles for callers that hand them
// to a kernel driver. The handles are duplicated; the receiver owns them.
type EventHandles struct {
	S2CData uintptr
	C2SData uintptr
}

type eventOpener func(name string) (Event, error)

func buildEvents(open eventOpener, base string, global bool) (*sharedEvents, error) {
	var se sharedEvents
	var err error
	if se.s2c.data, err = open(directionEventName(base, global, DirServerToClient, eventData)); err != nil {
		return nil, err
	}
	if se.s2c.space, err = open(directionEventName(base, global, DirServerToClient, eventSpace)); err != nil {
		se.close()
		return nil, err
	}
	if se.c2s.data, err = open(directionEventName(base, global, DirClientToServer, eventData)); err != nil {
		se.close()
		return nil, err
	}
	if se.c2s.space, err = open(directionEventName(base, global, DirClientToServer, eventSpace)); err != nil {
		se.close()
		return nil, err
	}
	if se.conn, err = open(connEventName(base, global)); err != nil {
		se.close()
		return nil, err
	}
	return &se, nil
}

// createEvents creates the event set; server side.
func createEvents(plat Platform, base string, global bool) (*sharedEvents, error) {
	return buildEvents(plat.CreateEvent, base, global)
}

// openEvents opens the event set; client side.
func openEvents(plat Platform, base string, global bool) (*sharedEvents, error) {
	return buildEvents(plat.OpenEvent, base, global)
}

func (se *sharedEvents) close() {
	for _, ev := range []Event{se.s2c.data, se.s2c.space, se.c2s.data, se.c2s.space, se.conn} {
		if ev != nil {
			ev.Close()
		}
	}
	se.s2c = channelEvents{}
	se.c2s = channelEvents{}
	se.conn = nil
}

// handles duplicates the data-event handles for the driver boundary.
func (se *sharedEvents) handles() (EventHandles, error) {
	s2c, err := se.s2c.data.Duplicate()
	if err != nil {
		return EventHandles{}, err
	}
	c2s, err := se.c2s.data.Duplicate()
	if err != nil {
		return EventHandles{}, err
	}
	return EventHandles{S2CData: s2c, C2SData: c2s}, nil
}
