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
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/stripe"
)

// Remove implements the remove cache VC (spec §6 "remove"): it
// deletes every fragment of firstKey from the stripe's directory and
// RAM cache. Concurrent writers are not interrupted; fragments a
// writer stages after the remove are published as usual.
func Remove(s *stripe.Stripe, firstKey doc.Key) error {
	return s.Remove(firstKey)
}

// Scan implements the scan cache VC (spec §6 "scan"): it walks every
// Doc physically present in the stripe, invoking fn for each one.
func Scan(s *stripe.Stripe, fn func(d *doc.Doc, physicalOffset uint64) bool) error {
	return s.Scan(fn)
}
