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
	"fmt"

	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
)

// ErrAggOverflow is AIO_SOFT_FAILURE from spec §4.3/§7: HandleWrite
// returns it only when a single encoded Doc is larger than the whole
// aggregation buffer. Staged bytes reaching agg_write_backlog do not
// produce it; HandleWrite commits the buffer instead.
var ErrAggOverflow = errors.New("stripe: aggregation buffer backlog exceeded")

// ErrDocTooLarge is returned when a fragment exceeds MaxFragSize or
// the configured max_doc_size.
var ErrDocTooLarge = errors.New("stripe: document exceeds maximum fragment size")

// WriteRequest describes one Doc to be appended via HandleWrite.
type WriteRequest struct {
	FirstKey        doc.Key
	FragKey         doc.Key
	DocType         uint8
	AltVector       []byte
	Body            []byte
	TotalLen        uint64
	FragmentOffsets []uint64
	Pinned          bool
	PinUntilUnix    uint64
	ForceSync       bool // SYNC marker or explicit caller-requested fsync-to-directory

	// AliasDirKey is consulted only when DocType is doc.TypeAliasLink:
	// it files the directory entry under this key instead of FragKey,
	// so a lookup of AliasDirKey resolves (via Deref) to FragKey's
	// existing data without copying it (spec §6 "link", grounded on
	// iocore/cache/CacheLink.cc's Cache::link, which writes the
	// directory entry under first_key while the record's embedded key
	// is earliest_key).
	AliasDirKey doc.Key
}

// HandleWrite stages req's bytes into the aggregation buffer,
// publishing a tentative directory entry once the bytes have been
// appended (spec §4.3: "publishes directory entries only when a
// Doc's bytes have been appended to the buffer"). It may trigger a
// synchronous commit (physical write) if the high-water mark is
// reached, the buffer lacks room, or ForceSync is set.
func (s *Stripe) HandleWrite(req WriteRequest) (directory.Entry, error) {
	d := &doc.Doc{
		Header: doc.Header{
			TotalLen:    req.TotalLen,
			FirstKey:    req.FirstKey,
			FragKey:     req.FragKey,
			DocType:     req.DocType,
			SyncSerial:  0,
			PinnedUntil: req.PinUntilUnix,
		},
		FragmentOffsets: req.FragmentOffsets,
		AltVector:       req.AltVector,
		Body:            req.Body,
	}
	if len(d.Body) > doc.MaxFragSize {
		return directory.Entry{}, ErrDocTooLarge
	}
	if s.opt.MaxDocSize > 0 && len(d.Body) > s.opt.MaxDocSize {
		return directory.Entry{}, ErrDocTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d.SyncSerial = s.hdr.SyncSerial
	d.WriteSerial = s.hdr.WriteSerial
	encoded := d.Encode(nil, s.opt.EnableChecksum, s.opt.EnableStrongChecksum)
	rounded := doc.RoundBlocks(len(encoded)) * doc.BlockSize
	if rounded > len(s.aggBuf) {
		// a single Doc that can never fit in the aggregation buffer is
		// the AIO_SOFT_FAILURE case from spec §4.3/§7, not a MaxDocSize
		// policy rejection.
		return directory.Entry{}, ErrAggOverflow
	}

	if s.aggBufPos+rounded > len(s.aggBuf) {
		if err := s.commitLocked(); err != nil {
			return directory.Entry{}, err
		}
	}

	// wrap if this write (plus the evacuation safety margin) would
	// run past the end of the stripe (spec §4.3 "Wrap").
	if s.hdr.WritePos+uint64(s.aggBufPos+rounded+s.opt.EvacuationSize) > s.Skip+s.Len {
		if err := s.commitLocked(); err != nil {
			return directory.Entry{}, err
		}
		s.wrapLocked()
	}

	offsetBytes := s.hdr.WritePos + uint64(s.aggBufPos)
	class, size := doc.ApproxSize(len(encoded))
	key := req.FragKey
	if req.DocType == doc.TypeAliasLink {
		key = req.AliasDirKey
	}

	e := directory.Entry{
		Offset: uint32(offsetBytes / doc.BlockSize),
		Class:  class,
		Size:   size,
		Phase:  s.hdr.Phase,
		Head:   req.DocType == doc.TypeHTTPHeadline,
		Pinned: req.Pinned,
	}

	copy(s.aggBuf[s.aggBufPos:], encoded)
	for i := len(encoded); i < rounded; i++ {
		s.aggBuf[s.aggBufPos+i] = 0
	}
	s.aggBufPos += rounded

	hdr := s.hdr
	found, old, _ := s.dir.Probe(key, nil, func(o directory.Entry) bool { return s.dirValid(o, hdr) })
	var err error
	if found {
		// a newer Doc for the same key replaces the older one's entry
		err = s.dir.Overwrite(key, e, old, true)
	} else {
		err = s.dir.Insert(key, e)
	}
	if err != nil {
		return directory.Entry{}, fmt.Errorf("stripe: directory insert: %w", err)
	}
	s.writeQ = append(s.writeQ, &pendingWrite{
		key: key, entry: e, offsetBytes: offsetBytes, length: rounded,
	})

	backlog := s.opt.AggWriteBacklog
	if backlog <= 0 || backlog > len(s.aggBuf) {
		backlog = (len(s.aggBuf) * 3) / 4
	}
	if req.ForceSync || s.aggBufPos >= backlog {
		if err := s.commitLocked(); err != nil {
			return directory.Entry{}, err
		}
	}
	return e, nil
}

type pendingWrite struct {
	key         doc.Key
	entry       directory.Entry
	offsetBytes uint64
	length      int
}

// commitLocked issues the single outstanding physical write for
// everything currently staged, under s.mu (spec §4.3: "at most one
// outstanding physical write per stripe"). On success it advances
// write_pos/write_serial; on failure it deletes every tentatively
// inserted directory entry in the failed range and bumps the disk
// error counter.
func (s *Stripe) commitLocked() error {
	if s.aggBufPos == 0 {
		return nil
	}
	writeAt := s.hdr.WritePos
	n := s.aggBufPos
	_, err := s.Disk.PWriteAt(s.aggBuf[:n], int64(writeAt))
	if err != nil {
		loBlocks := uint32(writeAt / doc.BlockSize)
		hiBlocks := uint32((writeAt + uint64(n)) / doc.BlockSize)
		s.dir.ClearRange(loBlocks, hiBlocks)
		s.aggBufPos = 0
		s.writeQ = s.writeQ[:0]
		return fmt.Errorf("stripe: commit write at %d: %w", writeAt, err)
	}
	s.hdr.LastWritePos = s.hdr.WritePos
	s.hdr.WritePos += uint64(n)
	s.hdr.WriteSerial++
	s.aggBufPos = 0
	s.writeQ = s.writeQ[:0]
	s.opendirWake()
	return nil
}

// opendirWake does nothing: read-while-write readers blocked on the
// open-directory table are woken by package vc instead.
func (s *Stripe) opendirWake() {
	// the open-directory table's entries are looked up and woken by
	// the vc package, which holds the Entry handle directly; Stripe
	// does not enumerate entries itself to avoid an extra lock
	// coupling. See vc/write.go.
}

// wrapLocked resets the write frontier to the start of the data
// region, flips the phase, bumps cycle, and sweeps completed
// evacuation blocks (spec §4.3 "Wrap"). It does not clear lookaside
// holds or directory entries for the region that is about to be
// reused.
func (s *Stripe) wrapLocked() {
	s.hdr.WritePos = s.Start
	s.hdr.LastWritePos = s.Start
	s.hdr.Phase = !s.hdr.Phase
	s.hdr.Cycle++
	s.evacSet.Sweep(uint32(s.Start / doc.BlockSize))
	s.log.Infow("stripe wrapped", "cycle", s.hdr.Cycle, "phase", s.hdr.Phase)
}

// Flush forces any staged bytes out to disk immediately, used by
// the directory sync task before it snapshots the directory (spec
// §4.4).
func (s *Stripe) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

// CurrentPhase and WritePosition expose read-only header state needed by
// the directory-validity predicates and by callers outside the
// stripe mutex's normal critical sections (e.g. selector weighting).
func (s *Stripe) CurrentPhase() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdr.Phase
}

func (s *Stripe) WritePosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdr.WritePos
}
