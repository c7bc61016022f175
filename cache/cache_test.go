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

package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stripecache/stripecache/config"
	"github.com/stripecache/stripecache/doc"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cfg := config.Default()
	cfg.MinAverageObjSize = 512
	cfg.TargetFragmentSize = 64 << 10
	cfg.DirSyncFrequencySeconds = 3600 // keep the background sync loop quiet during tests

	// use an absolute volume size rather than a percentage: ResolveSize
	// rounds percentages down to 128 MiB multiples, which would carve a
	// zero-length stripe against a disk this small.
	vf := config.VolumeFile{Volumes: []config.VolumeRecord{{Number: 1, Scheme: config.SchemeHTTP, Size: "2M"}}}
	specs := []DiskSpec{{Path: filepath.Join(t.TempDir(), "disk0.img"), Size: 4 << 20}}

	c, err := Open(cfg, vf, specs, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheOpenWriteReadRemove(t *testing.T) {
	c := openTestCache(t)
	key := doc.Key{1, 2, 3}
	body := []byte("cache facade round trip")

	w, err := c.OpenWrite("", key, uint64(len(body)), nil)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment(body, false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	if !c.Lookup("", key) {
		t.Fatalf("expected key to be found after write")
	}

	r, err := c.OpenRead(context.Background(), "", key)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	if !bytes.Equal(r.Doc.Body, body) {
		t.Fatalf("body mismatch: got %q want %q", r.Doc.Body, body)
	}

	if err := c.Remove("", key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Lookup("", key) {
		t.Fatalf("expected key gone after Remove")
	}
}

func TestCacheFindByPathAndMarkStorageOffline(t *testing.T) {
	c := openTestCache(t)
	path := c.disks[0].Path

	d, ok := c.FindByPath(path)
	if !ok || d != c.disks[0] {
		t.Fatalf("FindByPath failed to return the configured disk")
	}

	key := doc.Key{4, 5, 6}
	w, err := c.OpenWrite("", key, 5, nil)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment([]byte("hello"), false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	c.MarkStorageOffline(d)
	if d.State().String() != "offline" {
		t.Fatalf("expected disk to be marked offline, got %v", d.State())
	}
	if c.Lookup("", key) {
		t.Fatalf("expected directory entries cleared after marking storage offline")
	}
}

func TestCacheDirCheckAndDBCheckAreClean(t *testing.T) {
	c := openTestCache(t)
	key := doc.Key{7, 8, 9}
	w, err := c.OpenWrite("", key, 5, nil)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment([]byte("world"), false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}
	for _, sh := range c.stripes {
		if err := sh.Stripe.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	for _, rep := range c.DirCheck() {
		if rep.CyclesFound != 0 {
			t.Fatalf("unexpected directory cycles: %+v", rep)
		}
	}
	reps, err := c.DBCheck()
	if err != nil {
		t.Fatalf("DBCheck: %v", err)
	}
	for _, rep := range reps {
		if rep.MissingDirEntries != 0 || rep.MismatchedDirEntries != 0 {
			t.Fatalf("db_check found inconsistency: %+v", rep)
		}
	}
}
