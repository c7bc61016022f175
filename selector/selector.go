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

// Package selector maps cache keys to stripes via a weighted,
// consistent-hashing table per optional hostname rule set (spec
// §4.10), grounded on iocore/cache/CacheHosting.cc's longest-suffix
// host matching (see SPEC_FULL.md SUPPLEMENTED FEATURES).
package selector

import (
	"encoding/binary"
	"strings"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/stripecache/stripecache/doc"
)

// TableSize is VOL_HASH_TABLE_SIZE.
const TableSize = 1 << 16

// TagWidth matches spec §4.10 step 2's
// `key.slice32(2) >> TAG_WIDTH % VOL_HASH_TABLE_SIZE` shift.
const TagWidth = 3

// StripeWeight is one stripe's contribution to the hash table:
// its allocation-size-normalized point count and its 128-bit
// hash_id, used to seed each point's deterministic random value.
type StripeWeight struct {
	Index   int // index into the owning record's stripe list
	LenBy   int64
	HashID  [16]byte
}

// point is one (stripe, deterministic-random) pair contending for
// table slots.
type point struct {
	rnd        uint64
	stripeIdx  int
}

// BuildTable builds the VOL_HASH_TABLE_SIZE-slot table described in
// spec §4.10: each stripe contributes len/allocSize points, each
// point gets a deterministic 32-bit random number seeded by the
// stripe's hash_id, points are sorted, and each slot is assigned the
// owning stripe of the point closest to the slot's nominal position.
func BuildTable(stripes []StripeWeight, allocSize int64) []int {
	if allocSize <= 0 {
		allocSize = 1 << 20
	}
	var points []point
	for _, s := range stripes {
		n := s.LenBy / allocSize
		if n < 1 {
			n = 1
		}
		k0 := binary.LittleEndian.Uint64(s.HashID[:8])
		k1 := binary.LittleEndian.Uint64(s.HashID[8:])
		for i := int64(0); i < n; i++ {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(i))
			rnd := siphash.Hash(k0, k1, buf[:]) >> 32
			points = append(points, point{rnd: rnd, stripeIdx: s.Index})
		}
	}
	if len(points) == 0 {
		return make([]int, TableSize)
	}
	slices.SortFunc(points, func(a, b point) bool { return a.rnd < b.rnd })

	table := make([]int, TableSize)
	step := uint64(1<<32) / uint64(TableSize)
	pi := 0
	for slot := 0; slot < TableSize; slot++ {
		nominal := uint64(slot) * step
		for pi+1 < len(points) && points[pi+1].rnd <= nominal {
			pi++
		}
		best := points[pi]
		if best.rnd <= nominal && pi+1 < len(points) && points[pi+1].rnd-nominal < nominal-best.rnd {
			best = points[pi+1]
		}
		table[slot] = best.stripeIdx
	}
	return table
}

// Lookup selects a stripe index for key given a pre-built table
// (spec §4.10 step 2).
func Lookup(table []int, key doc.Key) int {
	v := binary.LittleEndian.Uint32(key[8:12])
	slot := (v >> TagWidth) % uint32(len(table))
	return table[slot]
}

// HostRecord is a CacheHostRecord: a named hostname rule mapped to a
// subset of stripes (by table).
type HostRecord struct {
	Suffix string // domain suffix this rule matches, "" = default
	Table  []int
}

// HostTable holds every configured HostRecord, matched by longest
// suffix per spec §4.10 step 1.
type HostTable struct {
	records []HostRecord // sorted by len(Suffix) descending
	def     *HostRecord
}

// NewHostTable builds a host table from records, splitting out the
// wildcard ("") default record.
func NewHostTable(records []HostRecord) *HostTable {
	ht := &HostTable{}
	for i := range records {
		r := records[i]
		if r.Suffix == "" {
			def := r
			ht.def = &def
			continue
		}
		ht.records = append(ht.records, r)
	}
	slices.SortFunc(ht.records, func(a, b HostRecord) bool {
		return len(a.Suffix) > len(b.Suffix)
	})
	return ht
}

// Match returns the longest-suffix-matching HostRecord for hostname,
// falling back to the default record if none match.
func (ht *HostTable) Match(hostname string) (*HostRecord, bool) {
	h := strings.ToLower(hostname)
	for i := range ht.records {
		r := &ht.records[i]
		if strings.HasSuffix(h, r.Suffix) {
			return r, true
		}
	}
	if ht.def != nil {
		return ht.def, true
	}
	return nil, false
}

// Stripe resolves a (hostname, key) pair to a stripe index.
func (ht *HostTable) Stripe(hostname string, key doc.Key) (int, bool) {
	r, ok := ht.Match(hostname)
	if !ok || len(r.Table) == 0 {
		return 0, false
	}
	return Lookup(r.Table, key), true
}
