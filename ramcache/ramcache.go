// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ramcache implements the per-stripe front cache of recently
// or frequently used Docs (spec §4.9), in two interchangeable
// policies sharing one interface: a strict LRU (lru.go) and a
// Clocked-LFU-by-Size with admission, compression and a seen filter
// (clfus.go).
package ramcache

import "github.com/stripecache/stripecache/doc"

// Aux is the directory-phase/offset pair a RAM cache entry is keyed
// against, so that an entry can be invalidated once the directory
// slot it was read from has been overwritten with something else
// (spec §4.9: "the RAM cache uses it to invalidate stale entries
// when a Doc has been overwritten in the same directory slot").
type Aux struct {
	Phase  bool
	Offset uint32
}

// Cache is the contract both RAM cache policies implement.
type Cache interface {
	// Get returns the cached buffer for key if present and aux
	// matches, recording a hit or miss for stats.
	Get(key doc.Key, aux Aux) ([]byte, bool)
	// Put inserts or updates key's entry, possibly evicting other
	// entries to stay within budget. If copy is true, buf is cloned
	// before being retained.
	Put(key doc.Key, buf []byte, copy bool, aux Aux)
	// Fixup relocates an entry to a new aux without copying bytes,
	// used when a Doc is rewritten to a new offset (e.g. evacuation)
	// but its bytes are unchanged.
	Fixup(key doc.Key, oldAux, newAux Aux) bool
	// Remove evicts key's entry if present.
	Remove(key doc.Key)
	// Size returns the current number of resident bytes.
	Size() int64
	// Hits and Misses report cumulative access counts.
	Hits() int64
	Misses() int64
}

// seenFilter is a cheap, lossy fingerprint table used by both
// policies to suppress single-touch traffic from polluting the
// cache: on first sighting of a key, Put is refused and only the
// fingerprint is recorded; on second sighting the put proceeds
// (spec §4.9).
type seenFilter struct {
	bits []uint16
}

func newSeenFilter(slots int) *seenFilter {
	if slots < 1 {
		slots = 1
	}
	return &seenFilter{bits: make([]uint16, slots)}
}

func (f *seenFilter) fingerprint(k doc.Key) (slot int, fp uint16) {
	h := uint32(0)
	for _, b := range k {
		h = h*131 + uint32(b)
	}
	slot = int(h) % len(f.bits)
	fp = uint16(h>>16) | 1 // never zero, so zero means "unseen"
	return slot, fp
}

// seen reports whether key has been seen before, and records the
// sighting if not.
func (f *seenFilter) seen(k doc.Key) bool {
	slot, fp := f.fingerprint(k)
	if f.bits[slot] == fp {
		return true
	}
	f.bits[slot] = fp
	return false
}
