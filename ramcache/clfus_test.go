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

func TestCLFUSPutGetRoundTrip(t *testing.T) {
	c := NewCLFUS(1<<20, false, nil, 0)
	defer c.Close()

	k := doc.Key{1}
	c.Put(k, []byte("payload"), true, Aux{Offset: 1})
	got, ok := c.Get(k, Aux{Offset: 1})
	if !ok || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Get: ok=%v got=%q", ok, got)
	}
	if c.Hits() != 1 {
		t.Fatalf("expected 1 hit, got %d", c.Hits())
	}
}

func TestCLFUSFrequentEntrySurvivesOverRarelyHit(t *testing.T) {
	c := NewCLFUS(40, false, nil, 0)
	defer c.Close()

	hot := doc.Key{1}
	c.Put(hot, bytes.Repeat([]byte{1}, 15), true, Aux{})
	for i := 0; i < 20; i++ {
		if _, ok := c.Get(hot, Aux{}); !ok {
			t.Fatalf("hot key unexpectedly missing before eviction pressure (iter %d)", i)
		}
	}

	// add enough cold entries to force eviction decisions
	for i := 2; i < 10; i++ {
		c.Put(doc.Key{byte(i)}, bytes.Repeat([]byte{byte(i)}, 15), true, Aux{})
	}

	if _, ok := c.Get(hot, Aux{}); !ok {
		t.Fatalf("frequently accessed entry should survive eviction over single-touch cold entries")
	}
}

func TestCLFUSRemoveAndSize(t *testing.T) {
	c := NewCLFUS(1<<20, false, nil, 0)
	defer c.Close()

	k := doc.Key{2}
	c.Put(k, []byte("abc"), true, Aux{})
	if c.Size() != 3 {
		t.Fatalf("expected size 3, got %d", c.Size())
	}
	c.Remove(k)
	if c.Size() != 0 {
		t.Fatalf("expected size 0 after Remove, got %d", c.Size())
	}
	if _, ok := c.Get(k, Aux{}); ok {
		t.Fatalf("entry should be gone after Remove")
	}
}

func TestCLFUSFixup(t *testing.T) {
	c := NewCLFUS(1<<20, false, nil, 0)
	defer c.Close()

	k := doc.Key{3}
	c.Put(k, []byte("v"), true, Aux{Offset: 1})
	if !c.Fixup(k, Aux{Offset: 1}, Aux{Offset: 2}) {
		t.Fatalf("Fixup should succeed")
	}
	if _, ok := c.Get(k, Aux{Offset: 1}); ok {
		t.Fatalf("stale aux must miss after Fixup")
	}
	if _, ok := c.Get(k, Aux{Offset: 2}); !ok {
		t.Fatalf("new aux must hit after Fixup")
	}
}

func TestCLFUSWithS2CompressorRoundTrips(t *testing.T) {
	c := NewCLFUS(1<<20, false, S2Compressor(), 100)
	defer c.Close()

	payload := bytes.Repeat([]byte("compressible-"), 200)
	k := doc.Key{4}
	c.Put(k, payload, true, Aux{})
	c.compressStep() // drive the background step synchronously for a deterministic test

	got, ok := c.Get(k, Aux{})
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("round trip through compression failed: ok=%v len(got)=%d len(want)=%d", ok, len(got), len(payload))
	}
}
