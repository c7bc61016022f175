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
	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/opendir"
	"github.com/stripecache/stripecache/stripe"
)

// PublishFirstDir records a fragment's directory location into the
// open-directory entry's FirstDir slot, so HTTP alternate negotiation
// racing against the writer can find the current candidate location
// without re-probing the directory (spec §4.5). This is in-flight
// writer/reader bookkeeping local to one open_write VC, unrelated to
// the stripe-level alias Link/Deref below.
func PublishFirstDir(entry *opendir.Entry, e directory.Entry) {
	entry.Lock()
	defer entry.Unlock()
	entry.FirstDir.Valid = true
	entry.FirstDir.Offset = e.Offset
	entry.FirstDir.Class = e.Class
	entry.FirstDir.Size = e.Size
}

// SetPendingAltVector replaces the alternate vector under construction
// for an in-progress multi-alternate write (spec §4.5).
func SetPendingAltVector(entry *opendir.Entry, altVector []byte) {
	entry.Lock()
	defer entry.Unlock()
	entry.AltVector = altVector
}

// WithdrawFirstDir clears a previously published directory location,
// used when alternate negotiation discards a candidate fragment in
// favor of another (spec §4.5).
func WithdrawFirstDir(entry *opendir.Entry) {
	entry.Lock()
	defer entry.Unlock()
	entry.FirstDir.Valid = false
}

// Link is the open_write-level alias operation (spec §6 "link"): it
// files fromKey in toKey's stripe so a later Deref(fromKey) resolves
// to toKey's existing object without copying its body (grounded on
// iocore/cache/CacheLink.cc's Cache::link).
func Link(s *stripe.Stripe, fromKey, toKey doc.Key) error {
	return s.Link(fromKey, toKey)
}

// Deref is the open_read-level alias-following operation (spec §6
// "deref"): it reports the object key actually addressed by key,
// resolving any alias filed by Link (grounded on
// iocore/cache/CacheLink.cc's Cache::deref).
func Deref(s *stripe.Stripe, key doc.Key) (doc.Key, error) {
	return s.Deref(key)
}
