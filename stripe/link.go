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
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/ramcache"
)

// Link files a directory alias: a later Deref(from) resolves to to's
// data without copying or rewriting it. It stages a near-empty record
// through the ordinary aggregation path, keyed in the directory by
// from while the record's own FragKey embeds to (spec §6 "link",
// grounded on iocore/cache/CacheLink.cc's Cache::link /
// CacheVC::linkWrite: write_len is set to sizeof(CacheKey) "so that
// the earliest_key will be used", first_key is the alias, and
// dir_insert files the entry under first_key).
func (s *Stripe) Link(from, to doc.Key) error {
	_, err := s.HandleWrite(WriteRequest{
		FirstKey:    from,
		FragKey:     to,
		DocType:     doc.TypeAliasLink,
		AliasDirKey: from,
	})
	return err
}

// Deref resolves key to the FragKey embedded in whatever Doc is filed
// under it: the alias target for a record written by Link, or key
// itself for an ordinary object (since a headline Doc's own FragKey
// equals its directory key). The validity check is against FirstKey,
// not FragKey -- a link record's FirstKey is the alias itself, so this
// rejects a stale or colliding entry the same way CacheVC::derefRead's
// `doc->first_key == key` check does, while still returning
// doc->key/FragKey to the caller regardless of whether it matches key
// (spec §6 "deref", grounded on iocore/cache/CacheLink.cc's
// Cache::deref / CacheVC::derefRead).
func (s *Stripe) Deref(key doc.Key) (doc.Key, error) {
	raw, e, cached, err := s.readRaw(key)
	if err != nil {
		return doc.Key{}, err
	}
	d, err := doc.Decode(raw, s.opt.EnableChecksum, s.opt.EnableStrongChecksum)
	if err != nil {
		if !cached {
			s.mu.Lock()
			s.dir.Delete(key, e)
			s.mu.Unlock()
		}
		return doc.Key{}, ErrBadMetaData
	}
	if !cached {
		if d.FirstKey != key {
			s.mu.Lock()
			s.dir.Delete(key, e)
			s.mu.Unlock()
			return doc.Key{}, ErrBadMetaData
		}
		if len(raw) > 0 {
			s.ram.Put(key, raw[:d.Len], true, ramcache.Aux{Phase: e.Phase, Offset: e.Offset})
		}
	}
	return d.FragKey, nil
}
