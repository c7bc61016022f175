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

// DirCheckReport summarizes a DirCheck pass.
type DirCheckReport struct {
	CyclesFound    int
	CycleLocations [][2]int // (segment, bucket) pairs, one per repaired cycle
}

// DirCheck walks every bucket chain looking for cycles (corruption
// that would otherwise spin Probe forever) and repairs any segment it
// finds one in by reinitializing it, per SUPPLEMENTED FEATURES'
// dir_check admin operation (grounded on iocore/cache CacheTest.cc's
// directory consistency checks).
func (s *Stripe) DirCheck() DirCheckReport {
	var rep DirCheckReport
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		seg, buk, ok := s.dir.CheckCycle()
		if !ok {
			break
		}
		rep.CyclesFound++
		rep.CycleLocations = append(rep.CycleLocations, [2]int{seg, buk})
		s.dir.ReinitSegment(seg)
	}
	return rep
}

// DBCheckReport summarizes a DBCheck pass.
type DBCheckReport struct {
	ScannedDocs           int
	MissingDirEntries     int
	MismatchedDirEntries  int
}

// DBCheck scans the physical data region and, for every live Doc it
// finds, confirms the directory holds a matching entry pointing at
// the same offset -- the db_check admin operation from SUPPLEMENTED
// FEATURES (spec SUPPLEMENTED FEATURES, grounded on
// iocore/cache CacheTest.cc). It does not repair mismatches; callers
// decide whether to re-insert or clear based on the report.
func (s *Stripe) DBCheck() (DBCheckReport, error) {
	var rep DBCheckReport
	err := s.Scan(func(d *doc.Doc, offset uint64) bool {
		rep.ScannedDocs++
		s.mu.Lock()
		hdr := s.hdr
		found, e, _ := s.dir.Probe(d.FragKey, nil, func(e directory.Entry) bool { return s.dirValid(e, hdr) })
		s.mu.Unlock()
		switch {
		case !found:
			rep.MissingDirEntries++
		case uint64(e.Offset)*doc.BlockSize != offset:
			rep.MismatchedDirEntries++
		}
		return true
	})
	return rep, err
}

// ClearAll wipes every directory entry in the stripe, used by
// mark_storage_offline (SUPPLEMENTED FEATURES) when the underlying
// disk has failed and reads against it should fail fast rather than
// hang waiting on a dead device.
func (s *Stripe) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir.ClearRange(0, ^uint32(0))
}
