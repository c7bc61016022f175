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

// Package opendir implements the per-stripe open-directory table:
// in-flight coordination for concurrent writers and read-while-write
// readers of the same first_key (spec §4.5).
package opendir

import (
	"sync"

	"github.com/stripecache/stripecache/doc"
)

// Writer is one active writer registered against an open-directory
// entry.
type Writer struct {
	ID        uint64
	Bytes     int64 // bytes accumulated so far, guarded by the entry's mutex
	Closed    bool
	AllowMult bool
}

// Entry is one first_key's in-flight coordination record.
type Entry struct {
	mu sync.Mutex

	FirstKey doc.Key

	AltVector []byte // shared alternate vector under construction
	Writers   []*Writer
	maxWriters int

	delayedReaders []chan struct{}

	FirstDir struct {
		Valid  bool
		Offset uint32
		Class  uint8
		Size   uint16
	}

	VectorRereadInProgress bool
	VectorWriteInProgress  bool
	ResidentAltRelocation  bool
}

// Lock/Unlock expose the entry's own mutex, matching spec §5's rule
// that all state owned by a cache VC (here, by an open-directory
// entry) is protected by its own mutex.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Table is the per-stripe map of first_key -> Entry. At most one
// Entry exists per first_key per stripe at a time.
type Table struct {
	mu      sync.Mutex
	entries map[doc.Key]*Entry
	nextID  uint64
}

// New constructs an empty open-directory table.
func New() *Table {
	return &Table{entries: make(map[doc.Key]*Entry)}
}

// Lookup returns the entry for key, if any, without creating one.
func (t *Table) Lookup(key doc.Key) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// OpenWrite registers vc as a writer against key's entry, creating
// the entry if necessary. It fails if an entry already exists with
// >= maxWriters writers, or with one writer when allowMultiple is
// false (spec §4.5).
func (t *Table) OpenWrite(key doc.Key, allowMultiple bool, maxWriters int) (*Entry, *Writer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &Entry{FirstKey: key, maxWriters: maxWriters}
		t.entries[key] = e
	}
	e.Lock()
	defer e.Unlock()

	if len(e.Writers) > 0 && !allowMultiple {
		return nil, nil, false
	}
	if maxWriters > 0 && len(e.Writers) >= maxWriters {
		return nil, nil, false
	}
	t.nextID++
	w := &Writer{ID: t.nextID, AllowMult: allowMultiple}
	e.Writers = append(e.Writers, w)
	return e, w, true
}

// CloseWrite removes w from e's writer list. When the last writer
// leaves, every delayed reader is released, the vector is cleared,
// and the entry is removed from the table.
func (t *Table) CloseWrite(key doc.Key, e *Entry, w *Writer) {
	e.Lock()
	remaining := removeWriter(e, w)
	var toWake []chan struct{}
	if remaining == 0 {
		toWake = e.delayedReaders
		e.delayedReaders = nil
		e.AltVector = nil
	}
	e.Unlock()

	for _, ch := range toWake {
		close(ch)
	}

	if remaining == 0 {
		t.mu.Lock()
		if cur, ok := t.entries[key]; ok && cur == e {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

func removeWriter(e *Entry, w *Writer) int {
	for i, ww := range e.Writers {
		if ww == w {
			e.Writers = append(e.Writers[:i], e.Writers[i+1:]...)
			break
		}
	}
	return len(e.Writers)
}

// AwaitProgress registers a delayed reader that will be signalled
// either when the last writer closes or when explicitly woken by
// WakeReaders (e.g. after a fragment becomes available). The
// returned channel closes exactly once.
func (e *Entry) AwaitProgress() <-chan struct{} {
	e.Lock()
	defer e.Unlock()
	ch := make(chan struct{})
	e.delayedReaders = append(e.delayedReaders, ch)
	return ch
}

// WakeReaders releases every reader currently parked in the delayed
// list, e.g. after new bytes land in the aggregation buffer.
func (e *Entry) WakeReaders() {
	e.Lock()
	toWake := e.delayedReaders
	e.delayedReaders = nil
	e.Unlock()
	for _, ch := range toWake {
		close(ch)
	}
}
