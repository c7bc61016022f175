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

package ramcache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stripecache/stripecache/compr"
	"github.com/stripecache/stripecache/doc"
)

// RequeueLimit bounds how many times Put will skip an eviction
// candidate at the head of lru[0] whose value exceeds the running
// average before giving up and evicting it anyway (spec §4.9).
const RequeueLimit = 8

// RequiredCompressionRatio is the minimum shrinkage a compressed
// entry must achieve or it is marked incompressible and never
// retried.
const RequiredCompressionRatio = 0.9

// entryOverhead approximates the fixed bookkeeping cost per entry in
// the value function V(e) = (hits+1)/(size+overhead).
const entryOverhead = 64

type clfusEntry struct {
	key  doc.Key
	aux  Aux
	buf  []byte // possibly compressed
	raw  int    // uncompressed length
	hits uint32

	compressed     bool
	incompressible bool
	ghost          bool // true while parked in lru[1]

	elem *list.Element
}

func (e *clfusEntry) size() int64 {
	if e.ghost {
		return 0 // history entries are metadata-only
	}
	return int64(len(e.buf))
}

func (e *clfusEntry) value(overhead int64) float64 {
	return float64(e.hits+1) / float64(e.size()+overhead)
}

// Compressor picks the algorithm CLFUS's background thread uses. It
// adapts package compr's Compressor/Decompressor pair to the
// raw-length-tracking shape CLFUS needs for its byte accounting.
type Compressor interface {
	Name() string
	Compress(src []byte) []byte
	Decompress(src []byte, rawLen int) ([]byte, error)
}

type comprAdapter struct {
	c compr.Compressor
	d compr.Decompressor
}

func (a comprAdapter) Name() string { return a.c.Name() }
func (a comprAdapter) Compress(src []byte) []byte {
	return a.c.Compress(src, nil)
}
func (a comprAdapter) Decompress(src []byte, rawLen int) ([]byte, error) {
	dst := make([]byte, rawLen)
	if err := a.d.Decompress(src, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// S2Compressor returns the s2 (ram_cache.compress = "fast")
// Compressor, for callers assembling a CLFUS cache from config (spec
// §6 "ram_cache_compress").
func S2Compressor() Compressor {
	return comprAdapter{c: compr.Compression("s2"), d: compr.Decompression("s2")}
}

// ZstdCompressor returns the zstd (ram_cache.compress = "zstd")
// Compressor.
func ZstdCompressor() Compressor {
	return comprAdapter{c: compr.Compression("zstd"), d: compr.Decompression("zstd")}
}

// CLFUS implements Clocked LFU by Size with admission control,
// background compression, and a seen filter (spec §4.9).
type CLFUS struct {
	mu   sync.Mutex
	byKey map[doc.Key]*clfusEntry

	resident *list.List // lru[0]: live entries, head = next eviction candidate
	history  *list.List // lru[1]: ghost metadata of recent victims

	residentBytes int64
	MaxBytes      int64
	maxGhosts     int

	runningAvgV float64
	samples     int64

	seen *seenFilter

	compressor     Compressor
	compressPct    int
	compressCursor *list.Element
	stopCompress   chan struct{}
	compressOnce   sync.Once

	hits, misses int64
}

// NewCLFUS constructs a CLFUS policy. compressor may be nil to
// disable background compression (ram_cache.compress = none).
func NewCLFUS(maxBytes int64, useSeenFilter bool, compressor Compressor, compressPercent int) *CLFUS {
	c := &CLFUS{
		byKey:        make(map[doc.Key]*clfusEntry),
		resident:     list.New(),
		history:      list.New(),
		MaxBytes:     maxBytes,
		maxGhosts:    4096,
		compressor:   compressor,
		compressPct:  compressPercent,
		stopCompress: make(chan struct{}),
	}
	if useSeenFilter {
		c.seen = newSeenFilter(1 << 16)
	}
	if compressor != nil {
		go c.compressLoop()
	}
	return c
}

// Close stops the background compressor goroutine.
func (c *CLFUS) Close() {
	c.compressOnce.Do(func() { close(c.stopCompress) })
}

func (c *CLFUS) recordSample(v float64) {
	c.samples++
	if c.samples == 1 {
		c.runningAvgV = v
		return
	}
	// exponential moving average; keeps O(1) update cost per access,
	// matching the "clocked" spirit of CLFUS without a full rescan.
	const alpha = 0.1
	c.runningAvgV = c.runningAvgV*(1-alpha) + v*alpha
}

func (c *CLFUS) Get(key doc.Key, aux Aux) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if e.ghost {
		// miss, but keep the ghost around for admission decisions
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if e.aux != aux {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	e.hits++
	v := e.value(entryOverhead)
	if v > c.runningAvgV {
		c.resident.MoveToBack(e.elem)
	}
	c.recordSample(v)
	atomic.AddInt64(&c.hits, 1)

	if e.compressed {
		raw, err := c.compressor.Decompress(e.buf, e.raw)
		if err != nil {
			return nil, false
		}
		return raw, true
	}
	return e.buf, true
}

func (c *CLFUS) Put(key doc.Key, buf []byte, cp bool, aux Aux) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, hadGhost := c.byKey[key]
	fromGhost := hadGhost && existing.ghost

	if c.seen != nil && !hadGhost {
		if !c.seen.seen(key) {
			return
		}
	}

	stored := buf
	if cp {
		stored = make([]byte, len(buf))
		copy(stored, buf)
	}
	ne := &clfusEntry{key: key, aux: aux, buf: stored, raw: len(stored)}
	if fromGhost {
		ne.hits = existing.hits // carry forward frequency knowledge
	}

	needed := ne.size()
	victims := c.makeRoom(needed, fromGhost, ne)
	if victims == nil && fromGhost {
		// promotion rejected: leave the ghost as-is
		return
	}

	if hadGhost {
		if existing.ghost {
			c.history.Remove(existing.elem)
		} else {
			c.resident.Remove(existing.elem)
			c.residentBytes -= existing.size()
		}
		delete(c.byKey, key)
	}

	ne.elem = c.resident.PushBack(ne)
	c.byKey[key] = ne
	c.residentBytes += ne.size()
}

// makeRoom evicts from the head of lru[0] until needed bytes are
// available. If fromGhost is true, the new entry only gets to evict
// anything if V(new) >= sum(V(victims)); on rejection it returns nil
// and evicts nothing.
func (c *CLFUS) makeRoom(needed int64, fromGhost bool, newEntry *clfusEntry) []*clfusEntry {
	victims := []*clfusEntry{}
	var victimValue float64
	skip := map[*clfusEntry]int{}

	freed := int64(0)
	elem := c.resident.Front()
	for c.residentBytes-freed+needed > c.MaxBytes && elem != nil {
		next := elem.Next()
		cand := elem.Value.(*clfusEntry)
		v := cand.value(entryOverhead)
		if v > c.runningAvgV && skip[cand] < RequeueLimit {
			skip[cand]++
			c.resident.MoveToBack(cand.elem)
			elem = next
			continue
		}
		victims = append(victims, cand)
		victimValue += v
		freed += cand.size()
		elem = next
	}

	if fromGhost {
		newV := newEntry.value(entryOverhead)
		if newV < victimValue {
			return nil
		}
	}

	for _, v := range victims {
		c.resident.Remove(v.elem)
		c.residentBytes -= v.size()
		c.toGhost(v)
	}
	return victims
}

// toGhost parks an evicted entry's metadata (not its bytes) in
// lru[1], aging out the oldest ghost if history is full.
func (c *CLFUS) toGhost(e *clfusEntry) {
	e.ghost = true
	e.buf = nil
	e.compressed = false
	e.elem = c.history.PushBack(e)
	for c.history.Len() > c.maxGhosts {
		old := c.history.Front()
		oe := old.Value.(*clfusEntry)
		c.history.Remove(old)
		delete(c.byKey, oe.key)
	}
}

func (c *CLFUS) Fixup(key doc.Key, oldAux, newAux Aux) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	if !ok || e.ghost || e.aux != oldAux {
		return false
	}
	e.aux = newAux
	return true
}

func (c *CLFUS) Remove(key doc.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	if !ok {
		return
	}
	if e.ghost {
		c.history.Remove(e.elem)
	} else {
		c.resident.Remove(e.elem)
		c.residentBytes -= e.size()
	}
	delete(c.byKey, key)
}

func (c *CLFUS) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentBytes
}

func (c *CLFUS) Hits() int64   { return atomic.LoadInt64(&c.hits) }
func (c *CLFUS) Misses() int64 { return atomic.LoadInt64(&c.misses) }

// tick ages the oldest ghost out of history; exposed for tests that
// want deterministic ghost aging without waiting on ghost churn from
// normal Put traffic.
func (c *CLFUS) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.history.Len() == 0 {
		return
	}
	old := c.history.Front()
	oe := old.Value.(*clfusEntry)
	c.history.Remove(old)
	delete(c.byKey, oe.key)
}

// compressLoop walks forward from compressCursor over lru[0] once a
// second, compressing up to compressPct% of resident entries.
func (c *CLFUS) compressLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.stopCompress:
			return
		case <-t.C:
			c.compressStep()
		}
	}
}

func (c *CLFUS) compressStep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compressor == nil || c.resident.Len() == 0 {
		return
	}
	budget := (c.resident.Len()*c.compressPct + 99) / 100
	if budget < 1 {
		budget = 1
	}
	elem := c.compressCursor
	if elem == nil {
		elem = c.resident.Front()
	}
	for i := 0; i < budget && elem != nil; i++ {
		e := elem.Value.(*clfusEntry)
		next := elem.Next()
		if !e.compressed && !e.incompressible {
			out := c.compressor.Compress(e.buf)
			if float64(len(out)) <= float64(len(e.buf))*RequiredCompressionRatio {
				c.residentBytes += int64(len(out)) - int64(len(e.buf))
				e.raw = len(e.buf)
				e.buf = out
				e.compressed = true
			} else {
				e.incompressible = true
			}
		}
		elem = next
	}
	c.compressCursor = elem
}
