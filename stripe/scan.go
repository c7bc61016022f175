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

import "github.com/stripecache/stripecache/doc"

// scanChunk bounds how much of the stripe Scan reads into memory at
// once.
const scanChunk = 1 << 16

// Scan sequentially walks every Doc physically present between the
// stripe's data-region start and the current write frontier, invoking
// fn for each one with its absolute physical byte offset. It is used
// by the administrative scan operation and by DBCheck to cross-
// validate the in-RAM directory against what is actually on disk
// (spec §6 "scan"). fn returning false stops the scan early.
func (s *Stripe) Scan(fn func(d *doc.Doc, physicalOffset uint64) bool) error {
	s.mu.Lock()
	writePos := s.hdr.WritePos
	start := s.Start
	end := s.Skip + s.Len
	s.mu.Unlock()

	pos := start
	for pos < writePos {
		length := end - pos
		if length > scanChunk {
			length = scanChunk
		}
		buf := make([]byte, length)
		if _, err := s.Disk.PReadAt(buf, int64(pos)); err != nil {
			return err
		}
		off := 0
		for off+doc.FixedHeaderSize <= len(buf) {
			d, err := doc.Decode(buf[off:], s.opt.EnableChecksum, s.opt.EnableStrongChecksum)
			if err != nil {
				break
			}
			if !fn(d, pos+uint64(off)) {
				return nil
			}
			off += doc.RoundBlocks(int(d.Len)) * doc.BlockSize
		}
		if off == 0 {
			break
		}
		pos += uint64(off)
	}
	return nil
}
