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

package disk

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestDisk(t *testing.T) *Disk {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk0.img")
	d, err := Open(path, 4<<20, 0, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenInitializesHeaderOnFreshFile(t *testing.T) {
	d := openTestDisk(t)
	if len(d.Extents()) != 0 {
		t.Fatalf("expected no extents on a fresh disk, got %v", d.Extents())
	}
	if d.State() != StateOnline {
		t.Fatalf("expected fresh disk to start online, got %v", d.State())
	}
}

func TestAddExtentPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk0.img")
	d, err := Open(path, 4<<20, 0, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := Extent{Number: 1, Offset: uint64(SectorSize), Length: 1 << 20}
	if err := d.AddExtent(e); err != nil {
		t.Fatalf("AddExtent: %v", err)
	}
	d.Close()

	d2, err := Open(path, 0, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	got := d2.Extents()
	if len(got) != 1 || got[0] != e {
		t.Fatalf("extent did not survive reopen: got %+v want %+v", got, e)
	}
}

func TestPReadAtPWriteAtRoundTrip(t *testing.T) {
	d := openTestDisk(t)
	payload := []byte("disk payload bytes")
	if _, err := d.PWriteAt(payload, 4096); err != nil {
		t.Fatalf("PWriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := d.PReadAt(got, 4096); err != nil {
		t.Fatalf("PReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestNoteErrorTripsFailingThenOffline(t *testing.T) {
	d := openTestDisk(t)
	d.maxErrors = 2
	for i := 0; i < 3; i++ {
		d.noteError(errTest{})
	}
	if d.State() != StateOffline {
		t.Fatalf("expected disk to transition to offline after exceeding maxErrors, got %v", d.State())
	}
	if d.ErrorCount() != 3 {
		t.Fatalf("expected error count 3, got %d", d.ErrorCount())
	}
}

func TestMarkOfflineIdempotent(t *testing.T) {
	d := openTestDisk(t)
	d.MarkOffline()
	d.MarkOffline()
	if d.State() != StateOffline {
		t.Fatalf("expected offline state, got %v", d.State())
	}
}

type errTest struct{}

func (errTest) Error() string { return "synthetic disk error" }
