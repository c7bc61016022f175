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
	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
)

// recover implements spec §4.1/§4.7: starting from the adopted
// directory's recorded write_pos, scan forward re-discovering any
// Docs that were physically written after the last directory sync
// but before a crash, re-inserting their directory entries; stop at
// the first torn record or sync_serial regression and clear any
// directory entry pointing into the resulting danger zone.
func (s *Stripe) recover() error {
	hdr := s.hdr
	pos := hdr.WritePos
	lastSyncSerial := hdr.SyncSerial
	highest := lastSyncSerial
	end := s.Skip + s.Len
	wrapped := false

	scanBuf := make([]byte, s.opt.RecoverySize)

	for {
		remaining := end - pos
		if remaining == 0 {
			if wrapped {
				break
			}
			pos = s.Start
			wrapped = true
			continue
		}
		chunkLen := int64(s.opt.RecoverySize)
		if int64(remaining) < chunkLen {
			chunkLen = int64(remaining)
		}
		buf := scanBuf[:chunkLen]
		if _, err := s.Disk.PReadAt(buf, int64(pos)); err != nil {
			break
		}

		advanced := false
		off := 0
		for off+doc.FixedHeaderSize <= len(buf) {
			d, err := doc.Decode(buf[off:], false, false)
			if err != nil {
				break
			}
			if d.SyncSerial < lastSyncSerial || d.SyncSerial > hdr.SyncSerial+1 {
				break
			}
			if d.SyncSerial > highest {
				highest = d.SyncSerial
			}
			class, size := doc.ApproxSize(int(d.Len))
			e := directory.Entry{
				Offset: uint32(pos+uint64(off)) / doc.BlockSize,
				Class:  class,
				Size:   size,
				Phase:  hdr.Phase,
				Head:   d.DocType == doc.TypeHTTPHeadline,
				Pinned: d.PinnedUntil != 0,
			}
			rounded := doc.RoundBlocks(int(d.Len)) * doc.BlockSize
			_ = s.dir.Insert(d.FragKey, e)
			off += rounded
			advanced = true
		}
		pos += uint64(off)
		if !advanced || off < len(buf) {
			break
		}
	}

	if highest > hdr.SyncSerial {
		hdr.SyncSerial = highest
	}

	recoverPos := pos
	loBlocks := uint32(recoverPos / doc.BlockSize)
	hiBlocks := uint32((recoverPos + uint64(s.opt.EvacuationSize)) / doc.BlockSize)
	s.dir.ClearRange(loBlocks, hiBlocks)

	// bump sync_serial to a parity different from the one we just
	// adopted, so the next directory sync writes the *other* on-disk
	// copy and does not clobber the still-good one we just read
	// (spec §4.1 "Recovery after adoption").
	if hdr.SyncSerial%2 == s.hdr.SyncSerial%2 {
		hdr.SyncSerial++
	}
	hdr.WritePos = recoverPos
	hdr.LastWritePos = recoverPos
	s.hdr = hdr

	return s.persistDirectory(false)
}
