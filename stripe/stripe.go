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

// Package stripe implements the on-disk stripe (a.k.a. volume): a
// single contiguous byte range on one disk owning its own directory,
// write-aggregation buffer, recovery log, evacuation machinery and
// RAM cache. See spec §2-§4.
package stripe

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stripecache/stripecache/directory"
	"github.com/stripecache/stripecache/disk"
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/evac"
	"github.com/stripecache/stripecache/opendir"
	"github.com/stripecache/stripecache/ramcache"
)

// Tunable sizes. These are deliberately small multiples of
// doc.BlockSize by default so tests can exercise wrap/recovery/
// evacuation without multi-gigabyte fixtures; production
// configuration overrides them via Options.
const (
	DefaultAggSize        = 4 << 20
	DefaultEvacuationSize = 256 << 10
	DefaultRecoverySize   = 256 << 10
)

// CompatMinVersion/CurrentVersion bound the header.version.major
// window a stripe will adopt without reinitializing (spec §6).
const (
	CompatMinVersion = 1
	CurrentVersion   = 1
)

// header is the persisted per-copy header/footer payload (spec §6:
// "Header and footer are byte-identical in their overlapping
// fields").
type header struct {
	Version     uint32
	SyncSerial  uint64
	WriteSerial uint64
	WritePos    uint64
	LastWritePos uint64
	Phase       bool
	Cycle       uint64
	HashID      [16]byte
}

// Options configures a stripe at Open time.
type Options struct {
	AggSize            int
	EvacuationSize     int
	RecoverySize       int
	MinAverageObjSize  int
	EnableChecksum     bool
	EnableStrongChecksum bool // additive blake2b digest on top of EnableChecksum's byte-sum, see doc.SumBlake2b
	TargetFragmentSize int
	AggWriteBacklog    int
	MaxDocSize         int
	HitEvacuatePercent int
	HitEvacuateSizeLimit int64
	PermitPinning      bool
	RAMCache           ramcache.Cache
	Log                *zap.SugaredLogger
}

func (o *Options) setDefaults() {
	if o.AggSize == 0 {
		o.AggSize = DefaultAggSize
	}
	if o.EvacuationSize == 0 {
		o.EvacuationSize = DefaultEvacuationSize
	}
	if o.RecoverySize == 0 {
		o.RecoverySize = DefaultRecoverySize
	}
	if o.MinAverageObjSize == 0 {
		o.MinAverageObjSize = 8000
	}
	if o.TargetFragmentSize == 0 {
		o.TargetFragmentSize = 1 << 20
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.RAMCache == nil {
		o.RAMCache = ramcache.NewLRU(16<<20, false)
	}
}

// Stripe is the core on-disk unit: identity (disk + byte range),
// in-memory directory, aggregation buffer, evacuation state, RAM
// cache, and open-directory table. All of its state is protected by
// one mutex (spec §5).
type Stripe struct {
	Disk *disk.Disk
	Skip uint64 // absolute byte offset of this stripe on Disk
	Len  uint64 // stripe length in bytes

	HashID [16]byte
	Start  uint64 // skip + 2*dirlen(): first byte of the data region

	opt Options
	log *zap.SugaredLogger

	mu  sync.Mutex
	hdr header
	dir *directory.Directory

	segments, buckets int

	aggBuf    []byte
	aggBufPos int
	writeQ    []*pendingWrite
	writing   bool

	evacSet *evac.Set
	opendir *opendir.Table
	ram     ramcache.Cache

	lookasideGen uint64

	stopSync chan struct{}
	syncFreq time.Duration
	syncOnce sync.Once
}

// Open opens (or, if clear is true, initializes) a stripe occupying
// [skip, skip+length) on d. See spec §4.1.
func Open(d *disk.Disk, skip, length uint64, clear bool, opt Options) (*Stripe, error) {
	opt.setDefaults()
	segments, buckets := directory.Sizing(int64(length), opt.MinAverageObjSize)

	s := &Stripe{
		Disk:     d,
		Skip:     skip,
		Len:      length,
		opt:      opt,
		log:      opt.Log.Named("stripe").With("skip", skip),
		segments: segments,
		buckets:  buckets,
		evacSet:  evac.NewSet(uint32(opt.EvacuationSize / doc.BlockSize)),
		opendir:  opendir.New(),
		ram:      opt.RAMCache,
		stopSync: make(chan struct{}),
		syncFreq: 60 * time.Second,
	}

	var hashID [16]byte
	if !clear {
		if h, d2, err := s.loadExisting(); err == nil {
			s.hdr = h
			s.dir = d2
			s.HashID = h.HashID
			s.Start = skip + 2*uint64(s.dirLen())
			if err := s.recover(); err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	id, _ := uuid.NewRandom()
	copy(hashID[:], id[:])
	s.HashID = hashID
	s.dir = directory.New(hashID, segments, buckets)
	s.Start = skip + 2*uint64(s.dirLen())
	s.hdr = header{
		Version:     CurrentVersion,
		SyncSerial:  0,
		WritePos:    s.Start,
		LastWritePos: s.Start,
		Phase:       false,
		HashID:      hashID,
	}
	s.aggBuf = make([]byte, opt.AggSize)
	if err := s.persistDirectory(true); err != nil {
		return nil, err
	}
	return s, nil
}

// dirLen returns the encoded size (rounded to the block size) of one
// directory copy, including the fixed header/footer payload.
func (s *Stripe) dirLen() int {
	raw := s.dir.DirLen() + 2*64 // header + footer, generously rounded
	return doc.RoundBlocks(raw) * doc.BlockSize
}

// loadExisting attempts to adopt whichever on-disk directory copy
// (A or B) is self-consistent and newest, per spec §4.1.
func (s *Stripe) loadExisting() (header, *directory.Directory, error) {
	segments, buckets := s.segments, s.buckets
	tmpDir := directory.New([16]byte{}, segments, buckets)
	dirLen := tmpDir.DirLen()
	copyLen := doc.RoundBlocks(dirLen+128) * doc.BlockSize

	readCopy := func(off uint64) (header, []byte, bool) {
		buf := make([]byte, copyLen)
		if _, err := s.Disk.PReadAt(buf, int64(off)); err != nil {
			return header{}, nil, false
		}
		hA, okA := decodeHeader(buf[:64])
		hB, okB := decodeHeader(buf[len(buf)-64:])
		if !okA || !okB || hA.SyncSerial != hB.SyncSerial {
			return header{}, nil, false
		}
		if hA.Version < CompatMinVersion || hA.Version > CurrentVersion {
			return header{}, nil, false
		}
		return hA, buf[64 : len(buf)-64], true
	}

	hA, bodyA, okA := readCopy(s.Skip)
	hB, bodyB, okB := readCopy(s.Skip + uint64(copyLen))

	var h header
	var body []byte
	switch {
	case okA && (!okB || hA.SyncSerial >= hB.SyncSerial):
		h, body = hA, bodyA
	case okB:
		h, body = hB, bodyB
	default:
		return header{}, nil, fmt.Errorf("stripe: no consistent directory copy")
	}

	d := directory.New(h.HashID, segments, buckets)
	d.DecodeFrom(body)
	s.aggBuf = make([]byte, s.opt.AggSize)
	return h, d, nil
}

func decodeHeader(buf []byte) (header, bool) {
	var h header
	if len(buf) < 64 {
		return h, false
	}
	h.Version = le32(buf[0:])
	h.SyncSerial = le64(buf[4:])
	h.WriteSerial = le64(buf[12:])
	h.WritePos = le64(buf[20:])
	h.LastWritePos = le64(buf[28:])
	h.Phase = buf[36] != 0
	h.Cycle = le64(buf[37:])
	copy(h.HashID[:], buf[45:61])
	return h, h.Version != 0
}

func (h header) encode(buf []byte) {
	put32(buf[0:], h.Version)
	put64(buf[4:], h.SyncSerial)
	put64(buf[12:], h.WriteSerial)
	put64(buf[20:], h.WritePos)
	put64(buf[28:], h.LastWritePos)
	if h.Phase {
		buf[36] = 1
	}
	put64(buf[37:], h.Cycle)
	copy(buf[45:61], h.HashID[:])
}

// persistDirectory writes the in-memory directory to whichever
// on-disk copy is the current "alternate" for the post-increment
// sync_serial parity (spec §4.4), optionally bumping sync_serial
// first when bump is true (used for the initial write at Open).
func (s *Stripe) persistDirectory(bump bool) error {
	if bump {
		s.hdr.SyncSerial++
	}
	copyLen := doc.RoundBlocks(s.dir.DirLen()+128) * doc.BlockSize
	buf := make([]byte, copyLen)
	s.hdr.encode(buf[:64])
	s.dir.EncodeInto(buf[64 : len(buf)-64])
	s.hdr.encode(buf[len(buf)-64:])

	var off uint64
	if s.hdr.SyncSerial%2 == 0 {
		off = s.Skip
	} else {
		off = s.Skip + uint64(copyLen)
	}
	_, err := s.Disk.PWriteAt(buf, int64(off))
	return err
}

// OpenDir returns the stripe's open-directory table, used by package
// vc to coordinate concurrent writers and read-while-writer readers
// for the same object (spec §4.5).
func (s *Stripe) OpenDir() *opendir.Table {
	return s.opendir
}

// Close flushes any staged bytes and writes a final directory copy
// (spec §4.1 "Close on shutdown").
func (s *Stripe) Close() error {
	s.syncOnce.Do(func() { close(s.stopSync) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggBufPos > 0 {
		if err := s.commitLocked(); err != nil {
			return err
		}
	}
	return s.persistDirectory(true)
}

func le32(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24 }
func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func put64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
