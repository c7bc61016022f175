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

// Package evac implements the bookkeeping for evacuating live Docs
// out of the region about to be overwritten (spec §4.6) and the
// lookaside buffer that withholds a multi-fragment object's first
// directory entry until the whole object has been evacuated.
package evac

import (
	"sync"

	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
)

// Block describes one live Doc scheduled for evacuation: its
// original directory entry, and whether the rewrite has completed.
type Block struct {
	Key      doc.Key
	OldEntry directory.Entry
	Done     bool

	// for multi-fragment objects, Earliest threads the first_key
	// forward so the lookaside buffer can find the pending head
	// entry once the last fragment is rewritten.
	Earliest doc.Earliest
}

// Bucket holds the evacuation blocks whose OldEntry.Offset falls in
// one fixed-width range of the stripe, bucketed by offset the way
// spec §4.6 describes ("bucketed by its offset").
type Bucket struct {
	mu     sync.Mutex
	blocks map[uint32]*Block // keyed by OldEntry.Offset
}

// Set is the full per-stripe evacuation state: one Bucket per
// bucket-width region, plus the lookaside hash.
type Set struct {
	bucketWidth uint32
	mu          sync.Mutex
	buckets     map[uint32]*Bucket

	lookaside struct {
		sync.Mutex
		pending map[doc.Earliest]directory.Entry
	}
}

// NewSet constructs an evacuation set bucketing offsets into ranges
// of bucketWidth blocks.
func NewSet(bucketWidth uint32) *Set {
	s := &Set{bucketWidth: bucketWidth, buckets: make(map[uint32]*Bucket)}
	s.lookaside.pending = make(map[doc.Earliest]directory.Entry)
	return s
}

func (s *Set) bucketFor(offset uint32) *Bucket {
	id := offset / s.bucketWidth
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[id]
	if !ok {
		b = &Bucket{blocks: make(map[uint32]*Block)}
		s.buckets[id] = b
	}
	return b
}

// Schedule creates (or returns the existing) evacuation Block for a
// live entry about to be overwritten.
func (s *Set) Schedule(key doc.Key, e directory.Entry, earliest doc.Earliest) *Block {
	b := s.bucketFor(e.Offset)
	b.mu.Lock()
	defer b.mu.Unlock()
	if blk, ok := b.blocks[e.Offset]; ok {
		return blk
	}
	blk := &Block{Key: key, OldEntry: e, Earliest: earliest}
	b.blocks[e.Offset] = blk
	return blk
}

// Complete marks a block done, called once its re-written Doc has
// been committed via dir_overwrite.
func (s *Set) Complete(offset uint32, blk *Block) {
	b := s.bucketFor(offset)
	b.mu.Lock()
	blk.Done = true
	b.mu.Unlock()
}

// Sweep removes completed blocks whose original offset has already
// passed the write frontier in the new phase, per spec §4.6 ("A
// completed (done) evacuation block whose range has already passed
// the write frontier in the new phase is cleaned up opportunistically").
func (s *Set) Sweep(writePos uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.buckets {
		b.mu.Lock()
		for off, blk := range b.blocks {
			if blk.Done && off < writePos {
				delete(b.blocks, off)
			}
		}
		empty := len(b.blocks) == 0
		b.mu.Unlock()
		if empty {
			delete(s.buckets, id)
		}
	}
}

// InRange returns every scheduled, not-yet-done block with offset in
// [loBlocks, hiBlocks).
func (s *Set) InRange(loBlocks, hiBlocks uint32) []*Block {
	var out []*Block
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := loBlocks / s.bucketWidth; id <= hiBlocks/s.bucketWidth; id++ {
		b, ok := s.buckets[id]
		if !ok {
			continue
		}
		b.mu.Lock()
		for off, blk := range b.blocks {
			if !blk.Done && off >= loBlocks && off < hiBlocks {
				out = append(out, blk)
			}
		}
		b.mu.Unlock()
	}
	return out
}

// LookasideHold withholds the first fragment's new directory entry
// for a multi-fragment object under evacuation, keyed by
// earliest_key, so new readers can still find the object while
// later fragments are still being rewritten (spec §3 "Lookaside
// buffer").
func (s *Set) LookasideHold(earliest doc.Earliest, pending directory.Entry) {
	s.lookaside.Lock()
	defer s.lookaside.Unlock()
	s.lookaside.pending[earliest] = pending
}

// LookasideLookup returns the pending head entry for earliest, if
// any is currently withheld.
func (s *Set) LookasideLookup(earliest doc.Earliest) (directory.Entry, bool) {
	s.lookaside.Lock()
	defer s.lookaside.Unlock()
	e, ok := s.lookaside.pending[earliest]
	return e, ok
}

// LookasideFixup installs the withheld head entry into dir
// atomically and clears the lookaside hold, called once the last
// fragment of a multi-fragment object has been rewritten (spec
// §4.6 "dir_lookaside_fixup").
func (s *Set) LookasideFixup(dir *directory.Directory, key doc.Key, earliest doc.Earliest) bool {
	s.lookaside.Lock()
	pending, ok := s.lookaside.pending[earliest]
	if ok {
		delete(s.lookaside.pending, earliest)
	}
	s.lookaside.Unlock()
	if !ok {
		return false
	}
	return dir.Insert(key, pending) == nil
}

// LookasideClear drops a stale lookaside hold for earliest, used
// during wrap cleanup (spec §4.3 "Wrap also triggers a
// lookaside-cleanup").
func (s *Set) LookasideClear(earliest doc.Earliest) {
	s.lookaside.Lock()
	delete(s.lookaside.pending, earliest)
	s.lookaside.Unlock()
}
