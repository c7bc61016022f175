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

package vc

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stripecache/stripecache/disk"
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/ramcache"
	"github.com/stripecache/stripecache/stripe"
)

func openTestStripe(t *testing.T) *stripe.Stripe {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stripe0.img")
	d, err := disk.Open(path, int64(disk.SectorSize)+(2<<20), 0, nil)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	s, err := stripe.Open(d, uint64(disk.SectorSize), 2<<20, true, stripe.Options{
		AggSize:           64 << 10,
		EvacuationSize:    8 << 10,
		MinAverageObjSize: 512,
		RAMCache:          ramcache.NewLRU(1<<20, false),
	})
	if err != nil {
		t.Fatalf("stripe.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenWriteThenOpenRead(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{1, 1, 1}
	body := []byte("open_write then open_read")

	w, err := OpenWrite(s, od, key, uint64(len(body)), nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment(body, false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	r, err := OpenRead(context.Background(), s, od, key, ReadOptions{})
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	if !bytes.Equal(r.Doc.Body, body) {
		t.Fatalf("body mismatch: got %q want %q", r.Doc.Body, body)
	}
	if !Lookup(s, key) {
		t.Fatalf("Lookup should report the key present")
	}
}

func TestOpenWriteSecondWriterRejectedWithoutAllowMultiple(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{2, 2, 2}

	w1, err := OpenWrite(s, od, key, 4, nil, false, 1)
	if err != nil {
		t.Fatalf("first OpenWrite: %v", err)
	}
	defer w1.Close()

	if _, err := OpenWrite(s, od, key, 4, nil, false, 1); err != ErrWriterLimitExceeded {
		t.Fatalf("expected ErrWriterLimitExceeded for a second writer, got %v", err)
	}
}

func TestOpenReadWithoutReadWhileWriterMissesImmediately(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{3, 3, 3}

	// register a writer but never publish any fragment; a reader with
	// read-while-writer disabled must not wait on it.
	w, err := OpenWrite(s, od, key, 4, nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	defer w.Close()

	_, err = OpenRead(context.Background(), s, od, key, ReadOptions{EnableReadWhileWriter: false})
	if err != stripe.ErrNoDoc {
		t.Fatalf("expected ErrNoDoc with read-while-writer disabled, got %v", err)
	}
}

func TestOpenReadWhileWriterParksThenSucceeds(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{4, 4, 4}
	body := []byte("arrives while a reader waits")

	w, err := OpenWrite(s, od, key, uint64(len(body)), nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}

	type result struct {
		r   *stripe.ReadResult
		err error
	}
	readDone := make(chan result, 1)
	go func() {
		r, err := OpenRead(context.Background(), s, od, key, ReadOptions{
			EnableReadWhileWriter: true,
			MaxRetries:            50,
			RetryDelay:            2 * time.Millisecond,
		})
		readDone <- result{r, err}
	}()

	// give the reader a moment to park on the open-directory entry
	// before the writer publishes anything, exercising the wait path
	// rather than a race that happens to read after the write lands.
	time.Sleep(5 * time.Millisecond)

	if err := w.WriteFragment(body, false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	select {
	case res := <-readDone:
		if res.err != nil {
			t.Fatalf("OpenRead: %v", res.err)
		}
		if !bytes.Equal(res.r.Doc.Body, body) {
			t.Fatalf("body mismatch: got %q want %q", res.r.Doc.Body, body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for read-while-writer to observe the published fragment")
	}
}

func TestOpenReadWhileWriterExhaustsRetries(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{5, 5, 5}

	w, err := OpenWrite(s, od, key, 4, nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	defer w.Close()

	_, err = OpenRead(context.Background(), s, od, key, ReadOptions{
		EnableReadWhileWriter: true,
		MaxRetries:            2,
		RetryDelay:            time.Millisecond,
	})
	if err != ErrReadWhileWriterExhausted {
		t.Fatalf("expected ErrReadWhileWriterExhausted, got %v", err)
	}
}

func TestPublishFirstDirAndWithdraw(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{6, 6, 6}

	w, err := OpenWrite(s, od, key, 4, []byte("alt-v1"), false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	defer w.Close()

	entry, ok := od.Lookup(key)
	if !ok {
		t.Fatalf("expected an open-directory entry for the in-progress writer")
	}

	SetPendingAltVector(entry, []byte("alt-v2"))
	entry.Lock()
	got := entry.AltVector
	entry.Unlock()
	if !bytes.Equal(got, []byte("alt-v2")) {
		t.Fatalf("SetPendingAltVector did not replace the alt vector: got %q", got)
	}

	if err := w.WriteFragment([]byte("body"), false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	entry.Lock()
	if !entry.FirstDir.Valid {
		t.Fatalf("expected PublishFirstDir to mark FirstDir valid after a fragment is written")
	}
	entry.Unlock()

	WithdrawFirstDir(entry)
	entry.Lock()
	valid := entry.FirstDir.Valid
	entry.Unlock()
	if valid {
		t.Fatalf("expected WithdrawFirstDir to clear FirstDir.Valid")
	}
}

func TestLinkThenDerefResolvesAlias(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	toKey := doc.Key{9, 0, 0}
	fromKey := doc.Key{9, 0, 1}

	w, err := OpenWrite(s, od, toKey, 4, nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment([]byte("body"), false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	if err := Link(s, fromKey, toKey); err != nil {
		t.Fatalf("Link: %v", err)
	}

	got, err := Deref(s, fromKey)
	if err != nil {
		t.Fatalf("Deref(fromKey): %v", err)
	}
	if got != toKey {
		t.Fatalf("Deref(fromKey) = %v, want the alias target %v", got, toKey)
	}

	r, err := OpenRead(context.Background(), s, od, toKey, ReadOptions{})
	if err != nil {
		t.Fatalf("OpenRead(toKey): %v", err)
	}
	if !bytes.Equal(r.Doc.Body, []byte("body")) {
		t.Fatalf("body mismatch via toKey: got %q", r.Doc.Body)
	}
}

func TestDerefOnOrdinaryKeyIsIdentity(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{9, 1, 0}

	w, err := OpenWrite(s, od, key, 4, nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment([]byte("body"), false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	got, err := Deref(s, key)
	if err != nil {
		t.Fatalf("Deref: %v", err)
	}
	if got != key {
		t.Fatalf("Deref on an un-aliased key should be the identity: got %v, want %v", got, key)
	}
}

func TestDerefUnknownKeyFails(t *testing.T) {
	s := openTestStripe(t)
	if _, err := Deref(s, doc.Key{9, 2, 0}); err != stripe.ErrNoDoc {
		t.Fatalf("expected stripe.ErrNoDoc for an unlinked, unwritten key, got %v", err)
	}
}

func TestRemoveAndScan(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	keyA := doc.Key{7, 0, 0}
	keyB := doc.Key{7, 0, 1}

	for _, k := range []doc.Key{keyA, keyB} {
		w, err := OpenWrite(s, od, k, 3, nil, false, 1)
		if err != nil {
			t.Fatalf("OpenWrite: %v", err)
		}
		if err := w.WriteFragment([]byte("abc"), false, 0); err != nil {
			t.Fatalf("WriteFragment: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Writer.Close: %v", err)
		}
	}
	// Scan walks only what has been committed to disk.
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	seen := map[doc.Key]bool{}
	if err := Scan(s, func(d *doc.Doc, off uint64) bool {
		seen[d.FragKey] = true
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !seen[keyA] || !seen[keyB] {
		t.Fatalf("Scan did not visit both written docs: %+v", seen)
	}

	if err := Remove(s, keyA); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if Lookup(s, keyA) {
		t.Fatalf("expected keyA gone after Remove")
	}
	if !Lookup(s, keyB) {
		t.Fatalf("keyB should be unaffected by removing keyA")
	}
}

func TestWriterAbandonRemovesStagedFragment(t *testing.T) {
	s := openTestStripe(t)
	od := s.OpenDir()
	key := doc.Key{8, 8, 8}

	w, err := OpenWrite(s, od, key, 4, nil, false, 1)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if err := w.WriteFragment([]byte("temp"), false, 0); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := w.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if Lookup(s, key) {
		t.Fatalf("expected key removed after Abandon")
	}
}
