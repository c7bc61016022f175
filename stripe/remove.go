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

// Remove deletes every fragment of the object identified by
// firstKey. It returns ErrNoDoc if the object is not present (spec
// §6 "remove(key)").
func (s *Stripe) Remove(firstKey doc.Key) error {
	head, err := s.Read(firstKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.dir.Delete(firstKey, head.Entry)
	s.mu.Unlock()
	s.ram.Remove(firstKey)

	if head.Doc.Single() {
		return nil
	}

	key := firstKey
	total := uint64(len(head.Doc.Body))
	for total < head.Doc.TotalLen {
		key = key.Next()
		r, err := s.Read(key)
		if err != nil {
			// a fragment is already gone (e.g. concurrent remove);
			// this is not an error for the overall remove.
			break
		}
		s.mu.Lock()
		s.dir.Delete(key, r.Entry)
		s.mu.Unlock()
		s.ram.Remove(key)
		total += uint64(len(r.Doc.Body))
	}
	return nil
}

// Lookup reports whether firstKey is present, without returning its
// bytes (spec §6 "lookup(key)").
func (s *Stripe) Lookup(firstKey doc.Key) bool {
	s.mu.Lock()
	hdr := s.hdr
	found, _, _ := s.dir.Probe(firstKey, nil, func(e directory.Entry) bool { return s.dirValid(e, hdr) })
	s.mu.Unlock()
	return found
}
