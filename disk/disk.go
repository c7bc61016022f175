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

// Package disk opens a device or large file, carves it into stripe
// extents, and maintains the disk header at sector 0. See spec §2
// "Disk" and §4.8 "Disk health".
package disk

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SectorSize is the size of the header sector at byte 0.
const SectorSize = 512

// headerMagic identifies a valid disk header.
const headerMagic uint32 = 0xc1a55eed

// State is the disk's online/offline lifecycle.
type State int32

const (
	StateOnline State = iota
	StateFailing
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateFailing:
		return "failing"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Extent describes one stripe's placement on a disk: diskvol_blk in
// spec §6.
type Extent struct {
	Number uint32 // stripe/volume number
	Offset uint64 // absolute byte offset ("skip")
	Length uint64 // length in bytes, not in store blocks
	Type   uint8
	Free   bool
}

// Header is the on-disk disk header persisted to sector 0.
type Header struct {
	Magic          uint32
	NumBlocks      uint64
	NumVolumes     uint32
	NumFree        uint32
	NumUsed        uint32
	NumDiskvolBlks uint32
	Extents        []Extent
}

// Disk owns one block device or large file: the extents carved from
// it, a running error count, and online/offline state. Header
// writes are serialized (spec §5: "one outstanding op per disk at a
// time for header writes").
type Disk struct {
	Path string
	Log  *zap.SugaredLogger

	f *os.File

	hdrMu  sync.Mutex
	header Header

	errCount  int32
	state     int32 // atomic State
	maxErrors int32
}

// Open opens path (truncating/creating it if it does not exist and
// size > 0 is given) and reads or initializes its disk header.
func Open(path string, size int64, maxErrors int32, log *zap.SugaredLogger) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	if size > 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if fi.Size() < size {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Disk{Path: path, f: f, maxErrors: maxErrors, Log: log.Named("disk").With("path", path)}
	if err := d.readHeader(); err != nil {
		d.header = Header{Magic: headerMagic}
		if err := d.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Disk) readHeader() error {
	buf := make([]byte, SectorSize)
	if _, err := d.f.ReadAt(buf, 0); err != nil {
		return err
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic != headerMagic {
		return fmt.Errorf("disk: bad header magic")
	}
	h := Header{Magic: magic}
	h.NumBlocks = binary.LittleEndian.Uint64(buf[4:])
	h.NumVolumes = binary.LittleEndian.Uint32(buf[12:])
	h.NumFree = binary.LittleEndian.Uint32(buf[16:])
	h.NumUsed = binary.LittleEndian.Uint32(buf[20:])
	h.NumDiskvolBlks = binary.LittleEndian.Uint32(buf[24:])
	// extents follow the fixed prefix within this same sector, each
	// 24 bytes; a header with more extents than one sector holds is
	// rejected.
	const extentLen = 24
	const fixedLen = 28
	maxExtents := (SectorSize - fixedLen) / extentLen
	if int(h.NumDiskvolBlks) > maxExtents {
		return fmt.Errorf("disk: extents overflow header sector")
	}
	off := fixedLen
	for i := 0; i < int(h.NumDiskvolBlks); i++ {
		var e Extent
		e.Number = binary.LittleEndian.Uint32(buf[off:])
		e.Offset = binary.LittleEndian.Uint64(buf[off+4:])
		e.Length = binary.LittleEndian.Uint64(buf[off+12:])
		e.Type = buf[off+20]
		e.Free = buf[off+21] != 0
		h.Extents = append(h.Extents, e)
		off += extentLen
	}
	d.hdrMu.Lock()
	d.header = h
	d.hdrMu.Unlock()
	return nil
}

func (d *Disk) writeHeader() error {
	d.hdrMu.Lock()
	h := d.header
	d.hdrMu.Unlock()

	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(buf[0:], headerMagic)
	binary.LittleEndian.PutUint64(buf[4:], h.NumBlocks)
	binary.LittleEndian.PutUint32(buf[12:], h.NumVolumes)
	binary.LittleEndian.PutUint32(buf[16:], h.NumFree)
	binary.LittleEndian.PutUint32(buf[20:], h.NumUsed)
	binary.LittleEndian.PutUint32(buf[24:], uint32(len(h.Extents)))
	off := 28
	for _, e := range h.Extents {
		binary.LittleEndian.PutUint32(buf[off:], e.Number)
		binary.LittleEndian.PutUint64(buf[off+4:], e.Offset)
		binary.LittleEndian.PutUint64(buf[off+12:], e.Length)
		buf[off+20] = e.Type
		if e.Free {
			buf[off+21] = 1
		}
		off += 24
	}
	if _, err := d.f.WriteAt(buf, 0); err != nil {
		return err
	}
	return nil
}

// AddExtent carves a new stripe extent and persists the updated
// header (serializing header writes).
func (d *Disk) AddExtent(e Extent) error {
	d.hdrMu.Lock()
	d.header.Extents = append(d.header.Extents, e)
	d.header.NumVolumes++
	d.header.NumDiskvolBlks = uint32(len(d.header.Extents))
	d.hdrMu.Unlock()
	return d.writeHeader()
}

// Extents returns a copy of the disk's current extent list.
func (d *Disk) Extents() []Extent {
	d.hdrMu.Lock()
	defer d.hdrMu.Unlock()
	out := make([]Extent, len(d.header.Extents))
	copy(out, d.header.Extents)
	return out
}

// FD exposes the raw file descriptor for stripe I/O.
func (d *Disk) FD() *os.File { return d.f }

// PReadAt and PWriteAt are thin wrappers so the stripe write engine
// never has to special-case device vs. file, matching the spec's
// treatment of "async I/O submitter" as an abstract collaborator;
// here they are synchronous, and stripe/agg.go drives them from a
// per-stripe single-flight goroutine to preserve the "at most one
// outstanding physical write per stripe" invariant (spec §4.3).
func (d *Disk) PReadAt(buf []byte, off int64) (int, error) {
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		d.noteError(err)
	}
	return n, err
}

func (d *Disk) PWriteAt(buf []byte, off int64) (int, error) {
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		d.noteError(err)
	}
	return n, err
}

// Fallocate reserves size bytes at off without necessarily zeroing
// them, used when carving a new extent on Linux.
func (d *Disk) Fallocate(off, size int64) error {
	return unix.Fallocate(int(d.f.Fd()), 0, off, size)
}

func (d *Disk) noteError(err error) {
	n := atomic.AddInt32(&d.errCount, 1)
	if atomic.CompareAndSwapInt32(&d.state, int32(StateOnline), int32(StateFailing)) {
		d.Log.Warnw("disk transitioned online->failing", "err", err)
	}
	if d.maxErrors > 0 && n > d.maxErrors {
		d.MarkOffline()
	}
}

// ErrorCount returns the running I/O error count.
func (d *Disk) ErrorCount() int32 { return atomic.LoadInt32(&d.errCount) }

// State returns the disk's current lifecycle state.
func (d *Disk) State() State { return State(atomic.LoadInt32(&d.state)) }

// MarkOffline transitions the disk to offline. Idempotent: calling
// it more than once has no additional effect (spec §4.8).
func (d *Disk) MarkOffline() {
	if atomic.SwapInt32(&d.state, int32(StateOffline)) != int32(StateOffline) {
		d.Log.Errorw("disk marked offline", "errors", d.ErrorCount())
	}
}

// Close closes the underlying file.
func (d *Disk) Close() error {
	return d.f.Close()
}
