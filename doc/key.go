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

// Package doc implements the on-disk "Doc" record framing used by the
// stripe write engine and directory: the fixed prefix, checksum, and
// the pseudo-successor function that chains fragment keys.
package doc

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Key identifies either an object (first_key) or a single
// fragment of an object (key). Keys are 128 bits, matching the
// stripe hash_id width.
type Key [16]byte

// Seg returns the directory segment selector for the key given
// nseg segments, using siphash keyed by the stripe's hash_id so
// that two stripes with different hash_id disagree on bucket
// placement (preventing cross-stripe directory aliasing bugs from
// going unnoticed in tests).
func (k Key) Seg(hashID [16]byte, nseg int) int {
	h := siphash.Hash(
		binary.LittleEndian.Uint64(hashID[:8]),
		binary.LittleEndian.Uint64(hashID[8:]),
		k[:8],
	)
	return int(h % uint64(nseg))
}

// Bucket returns the directory bucket selector within a segment.
func (k Key) Bucket(hashID [16]byte, nbucket int) int {
	h := siphash.Hash(
		binary.LittleEndian.Uint64(hashID[8:])^0xa5a5a5a5a5a5a5a5,
		binary.LittleEndian.Uint64(hashID[:8]),
		k[8:],
	)
	return int(h % uint64(nbucket))
}

// Tag returns the truncated key bits stored in a directory entry
// head to cheaply reject non-matching chain members during probe.
func (k Key) Tag() uint32 {
	return binary.LittleEndian.Uint32(k[12:16])
}

// Next computes the pseudo-successor key for the next fragment of
// a multi-fragment object. It is a fixed bit-rotate-and-xor
// permutation: deterministic, reversible is not required (we never
// need prev from next), and distinct enough in practice that
// successive fragments do not collide with the first_key or with
// each other for any normal object size.
func (k Key) Next() Key {
	var out Key
	carry := byte(0x5f)
	for i := 0; i < 16; i++ {
		v := k[i]
		v = v<<3 | v>>5
		v ^= carry
		out[i] = v
		carry = k[i]
	}
	return out
}

// Earliest is an alias used when documenting the "earliest_key"
// role of a Key: the first_key of the object a fragment belongs to,
// threaded through evacuation and the lookaside buffer.
type Earliest = Key
