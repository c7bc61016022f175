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
	"errors"

	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/ramcache"
)

// ErrNoDoc is NO_DOC from spec §7: directory miss or scan exhausted
// without a match.
var ErrNoDoc = errors.New("stripe: no such document")

// ErrBadMetaData is BAD_META_DATA from spec §7: the on-disk record
// failed magic/version/checksum validation.
var ErrBadMetaData = errors.New("stripe: bad on-disk metadata")

// dirValid reports whether e's offset lies within the live region
// relative to the stripe's current (write_pos, phase), considering
// one phase's worth of wrap (spec §4.2 dir_valid).
func (s *Stripe) dirValid(e directory.Entry, hdr header) bool {
	if e.Offset == 0 && !e.Head {
		return false
	}
	offsetBytes := uint64(e.Offset) * doc.BlockSize
	if offsetBytes < s.Skip || offsetBytes >= s.Skip+s.Len {
		return false
	}
	if e.Phase == hdr.Phase {
		// same generation: valid as long as it is behind (or inside)
		// the current write frontier, i.e. it has actually been
		// written at some point this lap.
		return offsetBytes < hdr.WritePos+uint64(s.aggBufPos)
	}
	// previous generation: valid only until the write frontier
	// catches up and overwrites it.
	return offsetBytes >= hdr.WritePos
}

// dirAggValid additionally requires that e's bytes have left the
// aggregation buffer and landed on disk (spec §4.2 dir_agg_valid).
func (s *Stripe) dirAggValid(e directory.Entry, hdr header) bool {
	if !s.dirValid(e, hdr) {
		return false
	}
	offsetBytes := uint64(e.Offset) * doc.BlockSize
	return offsetBytes < hdr.WritePos
}

// ReadResult is the decoded Doc plus the directory entry it was
// found under, returned by Read.
type ReadResult struct {
	Doc   *doc.Doc
	Entry directory.Entry
}

// readRaw probes the directory for key and returns whatever Doc is
// filed there -- from the RAM cache, the aggregation buffer, or disk
// -- without deciding which embedded field the caller should validate
// against key. Read checks FragKey (per-fragment identity); Deref
// checks FirstKey instead, since a link record is filed under an
// alias key that deliberately does not match its own FragKey (spec §6
// "link"/"deref", grounded on iocore/cache/CacheRead.cc's
// openReadMain vs CacheLink.cc's CacheVC::derefRead, which validate
// different fields of the same Doc record). cached reports whether
// raw came from the RAM cache, so callers can skip re-populating it
// and skip deleting a directory entry over a cache-local corruption.
func (s *Stripe) readRaw(key doc.Key) (raw []byte, e directory.Entry, cached bool, err error) {
	s.mu.Lock()
	hdr := s.hdr
	found, e, _ := s.dir.Probe(key, nil, func(e directory.Entry) bool { return s.dirValid(e, hdr) })
	if !found {
		s.mu.Unlock()
		return nil, directory.Entry{}, false, ErrNoDoc
	}
	aux := ramcache.Aux{Phase: e.Phase, Offset: e.Offset}
	if buf, ok := s.ram.Get(key, aux); ok {
		s.mu.Unlock()
		return buf, e, true, nil
	}

	offsetBytes := uint64(e.Offset) * doc.BlockSize
	inAgg := offsetBytes >= hdr.WritePos && offsetBytes < hdr.WritePos+uint64(s.aggBufPos)
	if inAgg {
		start := offsetBytes - hdr.WritePos
		length := int(doc.ApproxBytes(e.Class, e.Size))
		if int(start)+length > len(s.aggBuf) {
			length = len(s.aggBuf) - int(start)
		}
		raw = append([]byte(nil), s.aggBuf[start:int(start)+length]...)
		s.mu.Unlock()
		return raw, e, false, nil
	}
	length := int(doc.ApproxBytes(e.Class, e.Size))
	s.mu.Unlock()
	raw = make([]byte, length)
	if _, err := s.Disk.PReadAt(raw, int64(offsetBytes)); err != nil {
		return nil, directory.Entry{}, false, err
	}
	return raw, e, false, nil
}

// Read probes the directory for key, fetches the Doc from the RAM
// cache, the aggregation buffer or disk, and returns it decoded
// (spec §2 "Data flow for a read").
func (s *Stripe) Read(key doc.Key) (*ReadResult, error) {
	raw, e, cached, err := s.readRaw(key)
	if err != nil {
		return nil, err
	}
	d, err := doc.Decode(raw, s.opt.EnableChecksum, s.opt.EnableStrongChecksum)
	if err != nil {
		if !cached {
			s.mu.Lock()
			s.dir.Delete(key, e)
			s.mu.Unlock()
		}
		return nil, ErrBadMetaData
	}
	if !cached {
		if d.FragKey != key {
			s.mu.Lock()
			s.dir.Delete(key, e)
			s.mu.Unlock()
			return nil, ErrBadMetaData
		}
		if len(raw) > 0 {
			s.ram.Put(key, raw[:d.Len], true, ramcache.Aux{Phase: e.Phase, Offset: e.Offset})
		}
	}
	return &ReadResult{Doc: d, Entry: e}, nil
}

// ReadChain follows the fragment-key successor chain starting at
// firstKey, decoding and concatenating bodies until total_len bytes
// have been gathered. Used by readers of large, multi-fragment
// objects (spec §3 "key ... next(prev.key)").
func (s *Stripe) ReadChain(firstKey doc.Key) ([]byte, error) {
	head, err := s.Read(firstKey)
	if err != nil {
		return nil, err
	}
	if head.Doc.Single() {
		return head.Doc.Body, nil
	}
	out := make([]byte, 0, head.Doc.TotalLen)
	out = append(out, head.Doc.Body...)
	key := firstKey
	for uint64(len(out)) < head.Doc.TotalLen {
		key = key.Next()
		r, err := s.Read(key)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Doc.Body...)
	}
	return out, nil
}

// Pread reads n bytes at the given absolute offset within a
// (possibly multi-fragment) object identified by firstKey, without
// materializing the whole object (spec §8 scenario 4).
func (s *Stripe) Pread(firstKey doc.Key, offset int64, n int) ([]byte, error) {
	head, err := s.Read(firstKey)
	if err != nil {
		return nil, err
	}
	if head.Doc.Single() {
		if offset < 0 || offset+int64(n) > int64(len(head.Doc.Body)) {
			return nil, errors.New("stripe: pread out of range")
		}
		return head.Doc.Body[offset : offset+int64(n)], nil
	}
	// walk the fragment-key chain from firstKey, reading each fragment
	// in turn until one contains the requested offset; the Doc's
	// FragmentOffsets table is not consulted.
	key := firstKey
	var fragStart int64
	for i := 0; ; i++ {
		r, err := s.Read(key)
		if err != nil {
			return nil, err
		}
		fragEnd := fragStart + int64(len(r.Doc.Body))
		if offset >= fragStart && offset < fragEnd {
			lo := offset - fragStart
			if lo+int64(n) <= fragEnd-fragStart {
				return r.Doc.Body[lo : lo+int64(n)], nil
			}
			// range spans fragments; gather across the boundary.
			out := make([]byte, 0, n)
			out = append(out, r.Doc.Body[lo:]...)
			k := key
			for int64(len(out)) < int64(n) {
				k = k.Next()
				nr, err := s.Read(k)
				if err != nil {
					return nil, err
				}
				need := int64(n) - int64(len(out))
				if need >= int64(len(nr.Doc.Body)) {
					out = append(out, nr.Doc.Body...)
				} else {
					out = append(out, nr.Doc.Body[:need]...)
				}
			}
			return out, nil
		}
		fragStart = fragEnd
		key = key.Next()
		if r.Doc.Single() {
			return nil, errors.New("stripe: pread out of range")
		}
	}
}
