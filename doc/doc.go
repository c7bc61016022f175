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

package doc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Magic identifies a valid Doc header. Any read that does not find
// this value at the expected offset is treated as having scanned
// past the end of written data (recovery) or as corruption (normal
// read path).
const Magic uint32 = 0x5f129ab9

// FixedHeaderSize is the size in bytes of every field in Header up
// to (but not including) the variable-length fragment table,
// alternate vector, and body.
const FixedHeaderSize = 4 + 4 + 8 + 16 + 16 + 2 + 1 + 2 + 8 + 8 + 8 + 4

// Header is the fixed prefix of an on-disk Doc record. See spec §3.
type Header struct {
	Magic         uint32
	Len           uint32 // total bytes magic..end of body, unrounded
	TotalLen      uint64 // total object length across all fragments
	FirstKey      Key
	FragKey       Key // "key" in the spec: per-fragment identity
	HLen          uint16
	DocType       uint8
	FragTableLen  uint16
	SyncSerial    uint64
	WriteSerial   uint64
	PinnedUntil   uint64 // unix seconds, 0 = not pinned
	Checksum      uint32
}

// DocType values.
const (
	TypeHTTPHeadline uint8 = iota // HEAD fragment, carries alt vector
	TypeHTTPFragment              // continuation body fragment
	TypeSync                      // zero-body sync marker (see §4.3)
	TypeAliasLink                 // link record: FragKey embeds the alias target (spec §6 "link")
)

// Doc is a fully decoded on-disk record.
type Doc struct {
	Header
	FragmentOffsets []uint64 // len == FragTableLen/8
	AltVector       []byte   // len == HLen, only meaningful on headline docs
	Body            []byte

	// StrongSum is the trailing blake2b-256 digest, populated only when
	// Encode/Decode are called with strongChecksum set (see SumBlake2b).
	StrongSum [StrongChecksumSize]byte
}

// Single reports whether this Doc is a complete, single-fragment
// object (spec §3: "a document is single-fragment iff
// total_len == body_length(this doc)").
func (d *Doc) Single() bool {
	return d.TotalLen == uint64(len(d.Body))
}

// errChecksum is returned by Validate when a checksum mismatch is
// detected and checksums are enabled.
var errChecksum = errors.New("doc: checksum mismatch")

// errStrongChecksum is returned when the optional blake2b digest
// (enabled by enable_checksum's strong-checksum mode) does not match.
var errStrongChecksum = errors.New("doc: strong checksum mismatch")

// StrongChecksumSize is the width of the optional blake2b-256 digest
// appended after the body when strong checksums are enabled.
const StrongChecksumSize = 32

// SumBlake2b computes the optional strong checksum: a collision-
// resistant digest additive to (never replacing) the byte-sum Sum
// computes, enabled by config as an opt-in on top of the default,
// bit-exact checksum mode (spec §9 "Preserve semantics exactly").
func SumBlake2b(b []byte) [StrongChecksumSize]byte {
	return blake2b.Sum256(b)
}

// ErrBadMagic is returned when the leading magic number does not
// match, meaning the reader has either run past the write frontier
// or is looking at corrupted/torn data.
var ErrBadMagic = errors.New("doc: bad magic")

// Sum computes the byte-sum checksum used when enable_checksum is
// set. This is deliberately weak (catches torn writes, not
// adversarial corruption); see DESIGN NOTES in spec §9 -- the exact
// algorithm must not be "improved" without breaking on-disk
// compatibility for callers that have checksums enabled.
func Sum(b []byte) uint32 {
	var s uint32
	for _, c := range b {
		s += uint32(c)
	}
	return s
}

// Encode serializes the Doc into dst (which must be at least
// EncodedLen() bytes) and returns the slice written, rounded up by
// the caller to the target block size. strongChecksum additionally
// appends a blake2b-256 digest of everything written so far after the
// body (see SumBlake2b); the byte-sum checksum field's position and
// coverage are unaffected, so disabling strongChecksum reproduces the
// exact on-disk layout callers got before this mode existed.
func (d *Doc) Encode(dst []byte, checksum, strongChecksum bool) []byte {
	need := d.EncodedLen(strongChecksum)
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]

	d.FragTableLen = uint16(len(d.FragmentOffsets) * 8)
	d.HLen = uint16(len(d.AltVector))
	body := d.Body

	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(dst[off:], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(dst[off:], v); off += 8 }
	putU16 := func(v uint16) { binary.LittleEndian.PutUint16(dst[off:], v); off += 2 }

	putU32(Magic)
	lenPos := off
	off += 4 // patched below
	putU64(d.TotalLen)
	copy(dst[off:], d.FirstKey[:])
	off += 16
	copy(dst[off:], d.FragKey[:])
	off += 16
	putU16(d.HLen)
	dst[off] = d.DocType
	off++
	putU16(d.FragTableLen)
	putU64(d.SyncSerial)
	putU64(d.WriteSerial)
	putU64(d.PinnedUntil)
	csumPos := off
	off += 4 // patched below

	for _, fo := range d.FragmentOffsets {
		putU64(fo)
	}
	copy(dst[off:], d.AltVector)
	off += len(d.AltVector)
	copy(dst[off:], body)
	off += len(body)

	binary.LittleEndian.PutUint32(dst[lenPos:], uint32(off))
	if checksum {
		cs := Sum(dst[csumPos+4 : off])
		binary.LittleEndian.PutUint32(dst[csumPos:], cs)
	}
	if strongChecksum {
		sum := SumBlake2b(dst[:off])
		copy(dst[off:], sum[:])
		off += StrongChecksumSize
	}
	return dst[:off]
}

// EncodedLen returns the exact (unrounded) number of bytes Encode
// will produce for the given strongChecksum setting.
func (d *Doc) EncodedLen(strongChecksum bool) int {
	n := FixedHeaderSize + len(d.FragmentOffsets)*8 + len(d.AltVector) + len(d.Body)
	if strongChecksum {
		n += StrongChecksumSize
	}
	return n
}

// Decode parses a Doc out of src, which must contain at least the
// fixed header. checksum controls whether the byte-sum checksum field
// is validated against the payload; strongChecksum additionally reads
// and validates the trailing blake2b-256 digest Encode appended (must
// match the strongChecksum setting Encode was called with, since its
// presence on disk is not self-describing).
func Decode(src []byte, checksum, strongChecksum bool) (*Doc, error) {
	if len(src) < FixedHeaderSize {
		return nil, fmt.Errorf("doc: short buffer %d < %d", len(src), FixedHeaderSize)
	}
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(src[off:]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(src[off:]); off += 8; return v }
	getU16 := func() uint16 { v := binary.LittleEndian.Uint16(src[off:]); off += 2; return v }

	magic := getU32()
	if magic != Magic {
		return nil, ErrBadMagic
	}
	d := &Doc{}
	d.Magic = magic
	d.Len = getU32()
	if int(d.Len) > len(src) {
		return nil, fmt.Errorf("doc: truncated record, want %d have %d", d.Len, len(src))
	}
	d.TotalLen = getU64()
	copy(d.FirstKey[:], src[off:off+16])
	off += 16
	copy(d.FragKey[:], src[off:off+16])
	off += 16
	d.HLen = getU16()
	d.DocType = src[off]
	off++
	d.FragTableLen = getU16()
	d.SyncSerial = getU64()
	d.WriteSerial = getU64()
	d.PinnedUntil = getU64()
	csumPos := off
	d.Checksum = getU32()

	nfrag := int(d.FragTableLen) / 8
	d.FragmentOffsets = make([]uint64, nfrag)
	for i := range d.FragmentOffsets {
		d.FragmentOffsets[i] = getU64()
	}
	d.AltVector = append([]byte(nil), src[off:off+int(d.HLen)]...)
	off += int(d.HLen)
	bodyLen := int(d.Len) - off
	if bodyLen < 0 {
		return nil, fmt.Errorf("doc: negative body length")
	}
	d.Body = append([]byte(nil), src[off:off+bodyLen]...)
	off += bodyLen

	if checksum {
		got := Sum(src[csumPos+4 : int(d.Len)])
		if got != d.Checksum {
			return nil, errChecksum
		}
	}
	if strongChecksum {
		end := int(d.Len)
		if len(src) < end+StrongChecksumSize {
			return nil, fmt.Errorf("doc: short buffer for strong checksum, want %d have %d", end+StrongChecksumSize, len(src))
		}
		want := SumBlake2b(src[:end])
		copy(d.StrongSum[:], src[end:end+StrongChecksumSize])
		if d.StrongSum != want {
			return nil, errStrongChecksum
		}
	}
	return d, nil
}

// BlockSize is CACHE_BLOCK_SIZE: the quantum that every Doc's
// on-disk footprint is rounded up to.
const BlockSize = 8192

// RoundBlocks returns the number of BlockSize blocks needed to hold
// n bytes.
func RoundBlocks(n int) int {
	return (n + BlockSize - 1) / BlockSize
}

// ApproxSize encodes a byte length as the (size_code, block-shift
// class) pair used by directory entries (spec §6: "Approximate-size
// encoding ... must be preserved bit-for-bit"). class selects one of
// eight power-of-two block sizes starting at BlockSize; size is the
// number of blocks of that class minus one, so the decoded footprint
// is (size+1) * BlockSize(class).
func ApproxSize(n int) (class uint8, size uint16) {
	blocks := RoundBlocks(n)
	for class = 0; class < 7; class++ {
		shifted := (blocks + 1<<class - 1) >> class
		if shifted <= 1<<13 { // keep `size` within 13 bits of headroom
			return class, uint16(shifted - 1)
		}
	}
	return 7, uint16(((blocks + 1<<7 - 1) >> 7) - 1)
}

// BlockSizeForClass returns BlockSize * 2^class.
func BlockSizeForClass(class uint8) int {
	return BlockSize << class
}

// ApproxBytes decodes the (class, size) pair back into the rounded
// disk footprint in bytes.
func ApproxBytes(class uint8, size uint16) int64 {
	return int64(size+1) * int64(BlockSizeForClass(class))
}

// MaxFragSize bounds the body length of a single Doc; writers whose
// fragment exceeds this are rejected (spec §6: "A Doc larger than
// MAX_FRAG_SIZE is rejected").
const MaxFragSize = 4 << 20
