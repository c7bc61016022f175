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
	"bytes"
	"testing"

	"github.com/stripecache/stripecache/doc"
)

func TestLRUPutGetRoundTrip(t *testing.T) {
	l := NewLRU(1<<20, false)
	k := doc.Key{1, 2, 3}
	aux := Aux{Offset: 10}
	l.Put(k, []byte("hello"), true, aux)

	got, ok := l.Get(k, aux)
	if !ok || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Get: ok=%v got=%q", ok, got)
	}
	if l.Hits() != 1 || l.Misses() != 0 {
		t.Fatalf("unexpected stats: hits=%d misses=%d", l.Hits(), l.Misses())
	}

	// a stale aux (entry overwritten in its directory slot) must miss
	if _, ok := l.Get(k, Aux{Offset: 11}); ok {
		t.Fatalf("expected miss on stale aux")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU(30, false) // small enough to force eviction
	put := func(k byte, n int) {
		l.Put(doc.Key{k}, bytes.Repeat([]byte{k}, n), true, Aux{})
	}
	put(1, 10)
	put(2, 10)
	put(3, 10)
	// touch key 1 so key 2 becomes the LRU victim
	l.Get(doc.Key{1}, Aux{})
	put(4, 10)

	if _, ok := l.Get(doc.Key{2}, Aux{}); ok {
		t.Fatalf("expected key 2 to have been evicted")
	}
	if _, ok := l.Get(doc.Key{1}, Aux{}); !ok {
		t.Fatalf("expected recently touched key 1 to survive eviction")
	}
}

func TestLRUSeenFilterRefusesFirstTouch(t *testing.T) {
	l := NewLRU(1<<20, true)
	k := doc.Key{9}
	l.Put(k, []byte("x"), true, Aux{})
	if _, ok := l.Get(k, Aux{}); ok {
		t.Fatalf("first touch should have been refused admission")
	}
	l.Put(k, []byte("x"), true, Aux{})
	if _, ok := l.Get(k, Aux{}); !ok {
		t.Fatalf("second touch should have been admitted")
	}
}

func TestLRUFixupRelocatesWithoutCopy(t *testing.T) {
	l := NewLRU(1<<20, false)
	k := doc.Key{4}
	l.Put(k, []byte("v"), true, Aux{Offset: 1})
	if !l.Fixup(k, Aux{Offset: 1}, Aux{Offset: 2}) {
		t.Fatalf("Fixup should succeed for matching old aux")
	}
	if _, ok := l.Get(k, Aux{Offset: 1}); ok {
		t.Fatalf("old aux should no longer match after Fixup")
	}
	if _, ok := l.Get(k, Aux{Offset: 2}); !ok {
		t.Fatalf("new aux should match after Fixup")
	}
}

func TestLRURemove(t *testing.T) {
	l := NewLRU(1<<20, false)
	k := doc.Key{5}
	l.Put(k, []byte("v"), true, Aux{})
	l.Remove(k)
	if _, ok := l.Get(k, Aux{}); ok {
		t.Fatalf("entry should be gone after Remove")
	}
	if l.Size() != 0 {
		t.Fatalf("expected zero size after removing only entry, got %d", l.Size())
	}
}
