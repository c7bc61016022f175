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

package ramcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/stripecache/stripecache/doc"
)

type lruEntry struct {
	key  doc.Key
	aux  Aux
	buf  []byte
	elem *list.Element
}

// LRU is a doubly-linked LRU list fronted by a chained hash table
// (here: a Go map, which already gives us chaining); it evicts from
// the tail until size fits within MaxBytes. See spec §4.9.
type LRU struct {
	mu       sync.Mutex
	ll       *list.List // list.Element.Value is *lruEntry, front = MRU
	byKey    map[doc.Key]*lruEntry
	size     int64
	MaxBytes int64

	seen *seenFilter

	hits, misses int64
}

// NewLRU constructs an LRU policy capped at maxBytes. If
// useSeenFilter is true, single-touch keys are refused admission on
// their first sighting (spec §4.9).
func NewLRU(maxBytes int64, useSeenFilter bool) *LRU {
	l := &LRU{
		ll:       list.New(),
		byKey:    make(map[doc.Key]*lruEntry),
		MaxBytes: maxBytes,
	}
	if useSeenFilter {
		l.seen = newSeenFilter(1 << 16)
	}
	return l
}

func (l *LRU) Get(key doc.Key, aux Aux) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byKey[key]
	if !ok || e.aux != aux {
		atomic.AddInt64(&l.misses, 1)
		return nil, false
	}
	l.ll.MoveToFront(e.elem)
	atomic.AddInt64(&l.hits, 1)
	return e.buf, true
}

func (l *LRU) Put(key doc.Key, buf []byte, cp bool, aux Aux) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen != nil {
		if _, ok := l.byKey[key]; !ok && !l.seen.seen(key) {
			return
		}
	}

	if e, ok := l.byKey[key]; ok {
		l.size -= int64(len(e.buf))
		e.buf = l.storeBuf(buf, cp)
		e.aux = aux
		l.size += int64(len(e.buf))
		l.ll.MoveToFront(e.elem)
	} else {
		ne := &lruEntry{key: key, aux: aux, buf: l.storeBuf(buf, cp)}
		ne.elem = l.ll.PushFront(ne)
		l.byKey[key] = ne
		l.size += int64(len(ne.buf))
	}
	l.evict()
}

func (l *LRU) storeBuf(buf []byte, cp bool) []byte {
	if !cp {
		return buf
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

func (l *LRU) evict() {
	for l.size > l.MaxBytes && l.ll.Len() > 0 {
		back := l.ll.Back()
		e := back.Value.(*lruEntry)
		l.ll.Remove(back)
		delete(l.byKey, e.key)
		l.size -= int64(len(e.buf))
	}
}

func (l *LRU) Fixup(key doc.Key, oldAux, newAux Aux) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byKey[key]
	if !ok || e.aux != oldAux {
		return false
	}
	e.aux = newAux
	return true
}

func (l *LRU) Remove(key doc.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byKey[key]
	if !ok {
		return
	}
	l.ll.Remove(e.elem)
	delete(l.byKey, key)
	l.size -= int64(len(e.buf))
}

func (l *LRU) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *LRU) Hits() int64   { return atomic.LoadInt64(&l.hits) }
func (l *LRU) Misses() int64 { return atomic.LoadInt64(&l.misses) }
