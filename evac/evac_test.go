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

package evac

import (
	"testing"

	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
)

func TestScheduleIsIdempotentForSameOffset(t *testing.T) {
	s := NewSet(64)
	key := doc.Key{1}
	e := directory.Entry{Offset: 10}

	b1 := s.Schedule(key, e, doc.Earliest{})
	b2 := s.Schedule(key, e, doc.Earliest{})
	if b1 != b2 {
		t.Fatalf("Schedule should return the existing block for the same offset")
	}
}

func TestCompleteAndSweepRemovesPastBlocks(t *testing.T) {
	s := NewSet(64)
	e := directory.Entry{Offset: 5}
	blk := s.Schedule(doc.Key{2}, e, doc.Earliest{})
	s.Complete(e.Offset, blk)

	if got := s.InRange(0, 64); len(got) != 0 {
		t.Fatalf("a completed block should not appear in InRange, got %+v", got)
	}

	s.Sweep(100) // write frontier past offset 5
	if got := s.InRange(0, 64); len(got) != 0 {
		t.Fatalf("expected no blocks left after Sweep, got %+v", got)
	}
}

func TestSweepKeepsBlocksNotYetPassed(t *testing.T) {
	s := NewSet(64)
	e := directory.Entry{Offset: 50}
	blk := s.Schedule(doc.Key{3}, e, doc.Earliest{})
	s.Complete(e.Offset, blk)

	s.Sweep(10) // write frontier has not reached offset 50 yet
	// the block is done and thus excluded from InRange regardless, but
	// Sweep should not panic or remove the bucket incorrectly; verify
	// a fresh not-done block in the same bucket still surfaces.
	e2 := directory.Entry{Offset: 51}
	s.Schedule(doc.Key{4}, e2, doc.Earliest{})
	got := s.InRange(0, 64)
	if len(got) != 1 || got[0].OldEntry.Offset != 51 {
		t.Fatalf("expected only the not-done block to surface, got %+v", got)
	}
}

func TestInRangeExcludesDoneBlocks(t *testing.T) {
	s := NewSet(64)
	pending := directory.Entry{Offset: 20}
	blk := s.Schedule(doc.Key{5}, pending, doc.Earliest{})

	got := s.InRange(0, 64)
	if len(got) != 1 {
		t.Fatalf("expected the pending block to be in range, got %+v", got)
	}

	s.Complete(pending.Offset, blk)
	got = s.InRange(0, 64)
	if len(got) != 0 {
		t.Fatalf("expected the completed block to be excluded, got %+v", got)
	}
}

func TestLookasideHoldLookupFixupClear(t *testing.T) {
	s := NewSet(64)
	earliest := doc.Earliest{1, 2, 3}
	pending := directory.Entry{Offset: 7, Head: true}

	if _, ok := s.LookasideLookup(earliest); ok {
		t.Fatalf("expected no lookaside hold before LookasideHold")
	}

	s.LookasideHold(earliest, pending)
	got, ok := s.LookasideLookup(earliest)
	if !ok || got != pending {
		t.Fatalf("LookasideLookup mismatch: ok=%v got=%+v", ok, got)
	}

	dir := directory.New([16]byte{1}, 2, 8)
	key := doc.Key{9}
	if !s.LookasideFixup(dir, key, earliest) {
		t.Fatalf("LookasideFixup should succeed for a held entry")
	}
	if _, ok := s.LookasideLookup(earliest); ok {
		t.Fatalf("expected the hold to be cleared after Fixup")
	}
	found, got2, _ := dir.Probe(key, nil, func(directory.Entry) bool { return true })
	if !found || got2.Offset != pending.Offset {
		t.Fatalf("expected Fixup to install the pending entry into the directory")
	}
}

func TestLookasideFixupFailsWithoutHold(t *testing.T) {
	s := NewSet(64)
	dir := directory.New([16]byte{1}, 2, 8)
	if s.LookasideFixup(dir, doc.Key{1}, doc.Earliest{9, 9}) {
		t.Fatalf("LookasideFixup should fail when there is no held entry")
	}
}

func TestLookasideClearDropsHold(t *testing.T) {
	s := NewSet(64)
	earliest := doc.Earliest{4, 4}
	s.LookasideHold(earliest, directory.Entry{Offset: 1})
	s.LookasideClear(earliest)
	if _, ok := s.LookasideLookup(earliest); ok {
		t.Fatalf("expected the hold to be gone after LookasideClear")
	}
}
