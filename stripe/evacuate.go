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

package stripe

import (
	"time"

	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
)

// evacGroup accumulates the fragments, discovered within one
// evacuation pass, belonging to a single multi-fragment object, so
// the head fragment's new entry can be withheld (spec §3 "Lookaside
// buffer") until every sibling fragment found in this pass has also
// been relocated.
type evacGroup struct {
	headEntry directory.Entry
	headNew   directory.Entry
	haveHead  bool
	pending   int
	moved     int
	failed    bool
}

// EvacuateAhead computes the byte range about to be overwritten by the
// next commitLocked (the write frontier plus the evacuation safety
// margin, spec §4.6) and evacuates every live, evacuation-eligible Doc
// found in it. The write path does not call it: HandleWrite and
// wrapLocked advance the frontier without evacuating.
func (s *Stripe) EvacuateAhead() error {
	s.mu.Lock()
	writePos := s.hdr.WritePos + uint64(s.aggBufPos)
	margin := uint64(s.opt.EvacuationSize)
	start, end := s.Start, s.Skip+s.Len
	lo := writePos
	hi := writePos + margin
	wraps := hi > end
	if wraps {
		hi = start + (hi - end)
	}
	s.mu.Unlock()

	if !wraps {
		return s.Evacuate(uint32(lo/doc.BlockSize), uint32(hi/doc.BlockSize))
	}
	if err := s.Evacuate(uint32(lo/doc.BlockSize), uint32(end/doc.BlockSize)); err != nil {
		return err
	}
	return s.Evacuate(uint32(start/doc.BlockSize), uint32(hi/doc.BlockSize))
}

// Evacuate scans the directory for live entries whose block offset
// falls in [loBlocks, hiBlocks) and rewrites each evacuation-eligible
// one ahead of the write frontier (spec §4.6: "A live Doc ... must be
// relocated before the write frontier reaches it, or it is lost").
// Non-pinned, non-hit-evac-eligible entries in the range are left to
// be overwritten, matching a cache's best-effort retention contract.
func (s *Stripe) Evacuate(loBlocks, hiBlocks uint32) error {
	var candidates []directory.Entry
	s.mu.Lock()
	hdr := s.hdr
	s.dir.Walk(func(_, _ int, e directory.Entry) {
		if e.Offset >= loBlocks && e.Offset < hiBlocks && s.dirValid(e, hdr) {
			candidates = append(candidates, e)
		}
	})
	s.mu.Unlock()

	groups := make(map[doc.Key]*evacGroup)

	for _, e := range candidates {
		d, err := s.readEntryDoc(e)
		if err != nil {
			// already gone or corrupt; nothing to evacuate
			continue
		}
		if !s.evacEligible(d, e, loBlocks, hiBlocks) {
			continue
		}

		// dedupe against any other evacuation pass already working this
		// physical offset (e.g. a concurrent wrap-triggered evacuation
		// racing the periodic sweep).
		blk := s.evacSet.Schedule(d.FragKey, e, d.FirstKey)
		if blk.Done {
			continue
		}

		single := d.Single()
		if single {
			if err := s.moveDoc(d, e); err != nil {
				s.log.Warnw("evacuation: move failed", "key", d.FragKey, "err", err)
				continue
			}
			s.evacSet.Complete(e.Offset, blk)
			continue
		}

		g, ok := groups[d.FirstKey]
		if !ok {
			g = &evacGroup{}
			groups[d.FirstKey] = g
		}
		newEntry, err := s.rewriteDoc(d)
		if err != nil {
			g.failed = true
			s.log.Warnw("evacuation: rewrite failed", "key", d.FragKey, "err", err)
			continue
		}
		s.evacSet.Complete(e.Offset, blk)
		if e.Head {
			g.headEntry = e
			g.headNew = newEntry
			g.haveHead = true
			s.evacSet.LookasideHold(d.FirstKey, newEntry)
		} else {
			s.mu.Lock()
			s.dir.Delete(d.FragKey, e)
			s.mu.Unlock()
			g.moved++
		}
	}

	for firstKey, g := range groups {
		if g.failed || !g.haveHead {
			continue
		}
		// publish the head entry now that every sibling fragment found
		// in this pass has been relocated (dir_lookaside_fixup, spec
		// §4.6). Fragments belonging to the same object but discovered
		// in a later evacuation pass are handled by that pass the same
		// way; the head stays withheld until then.
		s.mu.Lock()
		ok := s.evacSet.LookasideFixup(s.dir, firstKey, firstKey)
		if ok {
			s.dir.Delete(firstKey, g.headEntry)
		}
		s.mu.Unlock()
	}
	return nil
}

// evacEligible decides whether a live Doc found in the doomed range
// must be relocated: when PermitPinning is set, pinned objects always
// are (until their pin expires), and otherwise only "hot" objects within the configured
// hit-evacuate window near the frontier are (spec §4.6 "hit_evacuate
// configuration limits evacuation of hot but unpinned objects").
func (s *Stripe) evacEligible(d *doc.Doc, e directory.Entry, loBlocks, hiBlocks uint32) bool {
	if s.opt.PermitPinning && d.PinnedUntil != 0 {
		if uint64(time.Now().Unix()) < d.PinnedUntil {
			return true
		}
		return false
	}
	if !e.Head || s.opt.HitEvacuatePercent <= 0 {
		return false
	}
	if s.opt.HitEvacuateSizeLimit > 0 && int64(d.TotalLen) > s.opt.HitEvacuateSizeLimit {
		return false
	}
	span := hiBlocks - loBlocks
	if span == 0 {
		return false
	}
	window := uint32(int64(span) * int64(s.opt.HitEvacuatePercent) / 100)
	return e.Offset < loBlocks+window
}

// readEntryDoc reads and decodes the Doc at e's physical location.
// Entries scheduled for evacuation are always already committed to
// disk: the doomed range sits ahead of the current write frontier, so
// it cannot still be sitting in the aggregation buffer.
func (s *Stripe) readEntryDoc(e directory.Entry) (*doc.Doc, error) {
	length := doc.ApproxBytes(e.Class, e.Size)
	raw := make([]byte, int(length))
	offsetBytes := int64(e.Offset) * doc.BlockSize
	if _, err := s.Disk.PReadAt(raw, offsetBytes); err != nil {
		return nil, err
	}
	return doc.Decode(raw, s.opt.EnableChecksum, s.opt.EnableStrongChecksum)
}

// moveDoc relocates a single-fragment Doc to the current write
// frontier and deletes the old directory entry once the new one is
// staged in the aggregation buffer.
func (s *Stripe) moveDoc(d *doc.Doc, oldEntry directory.Entry) error {
	newEntry, err := s.rewriteDoc(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.dir.Delete(d.FragKey, oldEntry)
	s.mu.Unlock()
	_ = newEntry
	return nil
}

// rewriteDoc appends a fresh copy of d via the normal aggregation
// path, preserving its identity and pin state, and returns the new
// directory entry HandleWrite published for it.
func (s *Stripe) rewriteDoc(d *doc.Doc) (directory.Entry, error) {
	return s.HandleWrite(WriteRequest{
		FirstKey:        d.FirstKey,
		FragKey:         d.FragKey,
		DocType:         d.DocType,
		AltVector:       d.AltVector,
		Body:            d.Body,
		TotalLen:        d.TotalLen,
		FragmentOffsets: d.FragmentOffsets,
		Pinned:          d.PinnedUntil != 0,
		PinUntilUnix:    d.PinnedUntil,
	})
}
