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

// Package directory implements the in-RAM, two-copy-on-disk hash
// table that maps cache keys to Doc locations within a stripe. See
// spec §3 "Directory entry" and §4.2.
package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/stripecache/stripecache/doc"
)

// Depth is D: the number of rows per bucket. Row 0 is the bucket
// head and is never placed on a segment free list; rows 1..D-1 live
// on the free list when empty.
const Depth = 4

// none marks the end of a chain or free list. Row indices
// are 1-based within "next chain" bookkeeping so that 0 can serve as
// both "empty row" and "no next": a head row (row 0) is addressed by
// its bucket directly and never appears as a `next` target, so 0 is
// unambiguous as a sentinel for non-head indices.
const none = 0

// Entry is one fixed-size directory row.
type Entry struct {
	Offset uint32 // blocks from stripe skip; 0 = empty (only valid at bucket head)
	Tag    uint32 // truncated key bits
	Next   uint16 // 1-based index of next row within the segment, or none
	Prev   uint16 // 1-based index of previous row on the free list, or none
	Class  uint8  // approx-size block-shift class
	Size   uint16 // approx-size blocks-of-class minus one
	Phase  bool
	Head   bool
	Pinned bool
	Token  bool
}

func (e Entry) empty() bool { return e.Offset == 0 }

const entryEncodedLen = 4 + 4 + 2 + 2 + 1 + 2 + 1

// Encode serializes an entry into the on-disk fixed layout.
func (e Entry) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], e.Offset)
	binary.LittleEndian.PutUint32(dst[4:], e.Tag)
	binary.LittleEndian.PutUint16(dst[8:], e.Next)
	binary.LittleEndian.PutUint16(dst[10:], e.Prev)
	dst[12] = e.Class
	binary.LittleEndian.PutUint16(dst[13:], e.Size)
	var flags uint8
	if e.Phase {
		flags |= 1
	}
	if e.Head {
		flags |= 2
	}
	if e.Pinned {
		flags |= 4
	}
	if e.Token {
		flags |= 8
	}
	dst[15] = flags
}

// DecodeEntry parses an entry from the on-disk fixed layout.
func DecodeEntry(src []byte) Entry {
	var e Entry
	e.Offset = binary.LittleEndian.Uint32(src[0:])
	e.Tag = binary.LittleEndian.Uint32(src[4:])
	e.Next = binary.LittleEndian.Uint16(src[8:])
	e.Prev = binary.LittleEndian.Uint16(src[10:])
	e.Class = src[12]
	e.Size = binary.LittleEndian.Uint16(src[13:])
	flags := src[15]
	e.Phase = flags&1 != 0
	e.Head = flags&2 != 0
	e.Pinned = flags&4 != 0
	e.Token = flags&8 != 0
	return e
}

// segment is one hash-partition of the directory: buckets*Depth
// rows, plus a free-list head for rows 1..Depth-1 across all
// buckets in the segment.
type segment struct {
	rows     []Entry // len == buckets*Depth
	freeHead uint16  // 1-based index into rows+1, or none
}

// Directory is the whole in-RAM hash table for one stripe, mirrored
// to two on-disk copies by the caller (see stripe/sync.go).
type Directory struct {
	HashID   [16]byte
	Segments int
	Buckets  int
	segs     []segment
}

// New allocates a fully-empty directory sized nseg x nbucket x
// Depth.
func New(hashID [16]byte, nseg, nbucket int) *Directory {
	d := &Directory{HashID: hashID, Segments: nseg, Buckets: nbucket}
	d.segs = make([]segment, nseg)
	for i := range d.segs {
		d.segs[i].rows = make([]Entry, nbucket*Depth)
		d.initFreeList(i)
	}
	return d
}

// initFreeList threads rows 1..Depth-1 of every bucket in segment i
// into one doubly-linked free list, the "free-list-in-next-field
// trick" called out in spec §9.
func (d *Directory) initFreeList(segIdx int) {
	seg := &d.segs[segIdx]
	seg.freeHead = none
	var prev uint16 = none
	for b := 0; b < d.Buckets; b++ {
		base := b * Depth
		for row := 1; row < Depth; row++ {
			idx := uint16(base+row) + 1 // 1-based
			seg.rows[idx-1] = Entry{Prev: prev, Next: none}
			if prev != none {
				seg.rows[prev-1].Next = idx
			} else {
				seg.freeHead = idx
			}
			prev = idx
		}
	}
}

// Sizing computes (segments, buckets) via the fixed-point iteration
// described in spec §3: no segment may exceed 2^16/Depth buckets,
// and total entries should approximate stripeBytes/minAvgObjSize.
// The iteration is stable after three rounds per the spec note.
func Sizing(stripeBytes int64, minAvgObjSize int) (segments, buckets int) {
	if minAvgObjSize <= 0 {
		minAvgObjSize = 8000
	}
	totalEntries := int(stripeBytes / int64(minAvgObjSize))
	if totalEntries < Depth {
		totalEntries = Depth
	}
	maxBucketsPerSeg := (1 << 16) / Depth
	segments = 1
	for round := 0; round < 3; round++ {
		perSeg := totalEntries / segments
		buckets = perSeg / Depth
		if buckets < 1 {
			buckets = 1
		}
		if buckets > maxBucketsPerSeg {
			segments = (totalEntries / Depth / maxBucketsPerSeg) + 1
			buckets = maxBucketsPerSeg
		}
	}
	return segments, buckets
}

// DirLen returns the encoded byte size of one directory copy
// (header+entries+footer rounded to blockSize elsewhere; this
// returns just the entries area).
func (d *Directory) DirLen() int {
	total := 0
	for _, s := range d.segs {
		total += len(s.rows) * entryEncodedLen
	}
	return total
}

func (d *Directory) segBucket(k doc.Key) (int, int) {
	seg := k.Seg(d.HashID, d.Segments)
	buk := k.Bucket(d.HashID, d.Buckets)
	return seg, buk
}

// Cursor lets repeated Probe calls continue past the last match
// within the same bucket chain.
type Cursor struct {
	seg, buk int
	row      uint16 // 1-based row currently pointed at within the chain; none = start at head
}

// Probe walks the bucket chain belonging to key, returning the
// first entry (starting after cur, if non-nil) whose tag matches.
// Invalid entries encountered along the way are lazily deleted.
func (d *Directory) Probe(k doc.Key, cur *Cursor, valid func(Entry) bool) (bool, Entry, Cursor) {
	seg, buk := d.segBucket(k)
	s := &d.segs[seg]
	base := uint16(buk*Depth) + 1 // 1-based index of bucket head

	var start uint16
	if cur != nil && cur.seg == seg && cur.buk == buk && cur.row != none {
		start = s.rows[cur.row-1].Next
	} else {
		start = base
	}

	tag := k.Tag()
	idx := start
	var prevChain uint16 = none
	for idx != none {
		e := s.rows[idx-1]
		if e.empty() {
			idx = e.Next
			continue
		}
		if !valid(e) {
			// lazy delete: splice out of chain
			next := e.Next
			d.unlinkChain(seg, buk, prevChain, idx)
			idx = next
			continue
		}
		if e.Tag == tag {
			return true, e, Cursor{seg: seg, buk: buk, row: idx}
		}
		prevChain = idx
		idx = e.Next
	}
	return false, Entry{}, Cursor{seg: seg, buk: buk, row: none}
}

// unlinkChain removes row idx from its bucket chain (prevChain is
// the preceding row in the chain, or none if idx is the head) and
// returns the row to the segment free list unless it is the head
// row, which is emptied in place but keeps its link to the rest of
// the chain.
func (d *Directory) unlinkChain(seg, buk int, prevChain, idx uint16) {
	s := &d.segs[seg]
	head := uint16(buk*Depth) + 1
	next := s.rows[idx-1].Next
	if idx == head {
		s.rows[idx-1] = Entry{Next: next}
		return
	}
	if prevChain == none {
		// shouldn't happen: non-head row with no predecessor means
		// the chain bookkeeping is wrong; be defensive and scan.
		prevChain = d.findPredecessor(seg, buk, idx)
	}
	if prevChain != none {
		s.rows[prevChain-1].Next = next
	}
	d.pushFree(seg, idx)
}

func (d *Directory) findPredecessor(seg, buk int, target uint16) uint16 {
	s := &d.segs[seg]
	head := uint16(buk*Depth) + 1
	idx := head
	for idx != none {
		n := s.rows[idx-1].Next
		if n == target {
			return idx
		}
		idx = n
	}
	return none
}

func (d *Directory) pushFree(seg int, idx uint16) {
	s := &d.segs[seg]
	s.rows[idx-1] = Entry{Next: s.freeHead, Prev: none}
	if s.freeHead != none {
		s.rows[s.freeHead-1].Prev = idx
	}
	s.freeHead = idx
}

func (d *Directory) popFree(seg int) (uint16, bool) {
	s := &d.segs[seg]
	idx := s.freeHead
	if idx == none {
		return none, false
	}
	next := s.rows[idx-1].Next
	s.freeHead = next
	if next != none {
		s.rows[next-1].Prev = none
	}
	return idx, true
}

// Insert chooses the bucket head if empty, else the first empty
// depth-row, else pops the segment free list, then chains the new
// row onto the bucket head.
func (d *Directory) Insert(k doc.Key, e Entry) error {
	seg, buk := d.segBucket(k)
	s := &d.segs[seg]
	head := uint16(buk*Depth) + 1
	e.Tag = k.Tag()

	if s.rows[head-1].empty() {
		e.Next = s.rows[head-1].Next
		s.rows[head-1] = e
		return nil
	}

	// find an empty row already linked into this bucket's chain
	idx := head
	for idx != none {
		if s.rows[idx-1].empty() && idx != head {
			e.Next = s.rows[head-1].Next
			s.rows[idx-1] = e
			s.rows[head-1].Next = idx
			return nil
		}
		idx = s.rows[idx-1].Next
	}

	row, ok := d.popFree(seg)
	if !ok {
		return fmt.Errorf("directory: segment %d exhausted", seg)
	}
	e.Next = s.rows[head-1].Next
	s.rows[row-1] = e
	s.rows[head-1].Next = row
	return nil
}

// Overwrite locates the exact (tag, offset) match and replaces it in
// place; if must is false and no match is found, it inserts instead.
func (d *Directory) Overwrite(k doc.Key, newEntry, oldEntry Entry, must bool) error {
	seg, buk := d.segBucket(k)
	s := &d.segs[seg]
	head := uint16(buk*Depth) + 1
	tag := k.Tag()

	idx := head
	for idx != none {
		e := s.rows[idx-1]
		if !e.empty() && e.Tag == tag && e.Offset == oldEntry.Offset {
			keepNext := e.Next
			newEntry.Tag = tag
			newEntry.Next = keepNext
			s.rows[idx-1] = newEntry
			return nil
		}
		idx = e.Next
	}
	if must {
		return fmt.Errorf("directory: overwrite target not found")
	}
	return d.Insert(k, newEntry)
}

// Delete locates the exact (tag, offset) match and removes it,
// splicing the chain and returning the slot to the free list.
func (d *Directory) Delete(k doc.Key, e Entry) bool {
	seg, buk := d.segBucket(k)
	s := &d.segs[seg]
	head := uint16(buk*Depth) + 1
	tag := k.Tag()

	var prev uint16 = none
	idx := head
	for idx != none {
		cur := s.rows[idx-1]
		if !cur.empty() && cur.Tag == tag && cur.Offset == e.Offset {
			d.unlinkChain(seg, buk, prev, idx)
			return true
		}
		prev = idx
		idx = cur.Next
	}
	return false
}

// ClearRange zeroes every directory entry whose Offset (in blocks)
// falls within [loBlocks, hiBlocks). Used by recovery and by disk
// offlining. Returns the number of entries cleared.
func (d *Directory) ClearRange(loBlocks, hiBlocks uint32) int {
	cleared := 0
	for si := range d.segs {
		s := &d.segs[si]
		for i := range s.rows {
			e := s.rows[i]
			if e.empty() {
				continue
			}
			if e.Offset >= loBlocks && e.Offset < hiBlocks {
				idx := uint16(i + 1)
				buk := i / Depth
				prev := d.findPredecessor(si, buk, idx)
				d.unlinkChain(si, buk, prev, idx)
				cleared++
			}
		}
	}
	return cleared
}

// ReinitSegment wipes and re-threads the free list for one segment,
// used when corruption (a chain cycle or a free list that refuses
// to advance) is detected. All entries in that segment are lost;
// other segments are untouched.
func (d *Directory) ReinitSegment(seg int) {
	s := &d.segs[seg]
	for i := range s.rows {
		s.rows[i] = Entry{}
	}
	d.initFreeList(seg)
}

// CheckCycle runs a tortoise/hare check over every bucket chain in
// the directory and returns the first (segment, bucket) pair found
// to contain a cycle, or ok=false if none do.
func (d *Directory) CheckCycle() (seg, buk int, ok bool) {
	for si := range d.segs {
		s := &d.segs[si]
		for b := 0; b < d.Buckets; b++ {
			head := uint16(b*Depth) + 1
			slow, fast := head, head
			for {
				fast = s.rows[fast-1].Next
				if fast == none {
					break
				}
				fast = s.rows[fast-1].Next
				if fast == none {
					break
				}
				slow = s.rows[slow-1].Next
				if slow == fast {
					return si, b, true
				}
			}
		}
	}
	return 0, 0, false
}

// FreeListLen reports how many rows are currently on segment seg's
// free list. Neither Stripe.DirCheck nor Stripe.DBCheck calls it.
func (d *Directory) FreeListLen(seg int) int {
	s := &d.segs[seg]
	n := 0
	idx := s.freeHead
	seen := map[uint16]bool{}
	for idx != none {
		if seen[idx] {
			break // corrupt; caller's dir_check will flag via CheckCycle too
		}
		seen[idx] = true
		n++
		idx = s.rows[idx-1].Next
	}
	return n
}

// Walk calls fn for every non-empty entry in the directory along
// with the key tag and offset; used by dir_check/db_check and by
// stripe sync snapshotting.
func (d *Directory) Walk(fn func(seg, row int, e Entry)) {
	for si := range d.segs {
		s := &d.segs[si]
		for i, e := range s.rows {
			if !e.empty() {
				fn(si, i, e)
			}
		}
	}
}

// EncodeInto serializes every segment's rows, in order, into dst.
func (d *Directory) EncodeInto(dst []byte) {
	off := 0
	for _, s := range d.segs {
		for _, e := range s.rows {
			e.Encode(dst[off:])
			off += entryEncodedLen
		}
	}
}

// DecodeFrom populates the directory's rows from a previously
// encoded buffer (the free lists are rebuilt by rescanning for
// empty non-head rows, since the free list itself is not persisted
// -- it is pure RAM bookkeeping, rebuilt from whichever rows happen
// to be empty after the load).
func (d *Directory) DecodeFrom(src []byte) {
	off := 0
	for si := range d.segs {
		s := &d.segs[si]
		for i := range s.rows {
			s.rows[i] = DecodeEntry(src[off:])
			off += entryEncodedLen
		}
		d.rebuildFreeList(si)
	}
}

func (d *Directory) rebuildFreeList(seg int) {
	s := &d.segs[seg]
	s.freeHead = none
	var prev uint16 = none
	for b := 0; b < d.Buckets; b++ {
		base := b * Depth
		for row := 1; row < Depth; row++ {
			idx := uint16(base+row) + 1
			if s.rows[idx-1].empty() {
				s.rows[idx-1].Prev = prev
				s.rows[idx-1].Next = none
				if prev != none {
					s.rows[prev-1].Next = idx
				} else {
					s.freeHead = idx
				}
				prev = idx
			}
		}
	}
}
