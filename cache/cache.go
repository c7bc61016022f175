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

// Package cache provides the top-level object-cache facade: it owns
// every Disk and Stripe, resolves keys to stripes via the host/
// selector table, and exposes the external operations of spec §6
// (open_read, open_write, lookup, remove, the admin checks, and
// mark_storage_offline); scan is not exposed here and is reached
// per stripe through package vc. It is most directly descended from
// tenant/dcache's Cache (lock/cond/inflight/rocache generalized here
// to stripe/directory semantics instead of mmap'd files), per
// SPEC_FULL.md's component mapping.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stripecache/stripecache/config"
	"github.com/stripecache/stripecache/disk"
	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/selector"
	"github.com/stripecache/stripecache/stripe"
	"github.com/stripecache/stripecache/vc"
)

// Logger is the minimal logging seam the cache depends on, matching
// the teacher's dcache.Logger interface shape.
type Logger interface {
	Printf(f string, args ...interface{})
}

// StripeHandle pairs a stripe with the disk it lives on, for
// operations that need to report which disk an error came from.
type StripeHandle struct {
	Disk   *disk.Disk
	Stripe *stripe.Stripe
}

// Cache owns every configured disk/stripe and routes operations to
// the right one (spec §2 "System Overview", §4.10 "Stripe
// selection").
type Cache struct {
	Logger Logger
	cfg    config.Engine
	log    *zap.SugaredLogger

	disks   []*disk.Disk
	stripes []StripeHandle
	hosts   *selector.HostTable

	readOpt vc.ReadOptions

	hits, misses, failures int64
}

// New constructs a Cache from already-opened disks and stripes plus a
// host table mapping hostnames to stripe subsets (spec §4.10).
// BuildHostTable is the usual way to construct hosts.
func New(cfg config.Engine, disks []*disk.Disk, stripes []StripeHandle, hosts *selector.HostTable, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	readOpt := vc.ReadOptions{
		EnableReadWhileWriter: cfg.EnableReadWhileWriter,
		MaxRetries:            cfg.ReadWhileWriterMaxRetries,
		RetryDelay:            time.Duration(cfg.ReadWhileWriterRetryDelayMS) * time.Millisecond,
	}
	return &Cache{
		cfg:     cfg,
		log:     log,
		disks:   disks,
		stripes: stripes,
		hosts:   hosts,
		readOpt: readOpt,
	}
}

func (c *Cache) errorf(f string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(f, args...)
	}
}

// Hits, Misses, and Failures report cumulative operation counts
// across every stripe this Cache owns (spec §8 "observable
// properties").
func (c *Cache) Hits() int64     { return atomic.LoadInt64(&c.hits) }
func (c *Cache) Misses() int64   { return atomic.LoadInt64(&c.misses) }
func (c *Cache) Failures() int64 { return atomic.LoadInt64(&c.failures) }

// stripeFor resolves (hostname, key) to the owning stripe via the
// host/selector table (spec §4.10).
func (c *Cache) stripeFor(hostname string, key doc.Key) (StripeHandle, error) {
	idx, ok := c.hosts.Stripe(hostname, key)
	if !ok || idx < 0 || idx >= len(c.stripes) {
		return StripeHandle{}, fmt.Errorf("cache: no stripe for host %q", hostname)
	}
	return c.stripes[idx], nil
}

// OpenRead implements the open_read operation (spec §6).
func (c *Cache) OpenRead(ctx context.Context, hostname string, key doc.Key) (*stripe.ReadResult, error) {
	sh, err := c.stripeFor(hostname, key)
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		return nil, err
	}
	r, err := vc.OpenRead(ctx, sh.Stripe, sh.Stripe.OpenDir(), key, c.readOpt)
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, err
	}
	atomic.AddInt64(&c.hits, 1)
	return r, nil
}

// Lookup implements the lookup operation (spec §6).
func (c *Cache) Lookup(hostname string, key doc.Key) bool {
	sh, err := c.stripeFor(hostname, key)
	if err != nil {
		return false
	}
	return vc.Lookup(sh.Stripe, key)
}

// OpenWrite implements the open_write operation (spec §6). Up to
// cfg.HTTPMaxAlts concurrent writers may register against the same
// first_key, mirroring HTTP alternate negotiation racing multiple
// candidate representations of one resource. A writer that loses the
// race (the entry is already at its alt limit) is retried a few
// times after cfg.MutexRetryDelayMS, the same short-backoff-and-retry
// shape the teacher uses around its own partition-mutex contention,
// before giving up.
func (c *Cache) OpenWrite(hostname string, firstKey doc.Key, totalLen uint64, altVector []byte) (*vc.Writer, error) {
	sh, err := c.stripeFor(hostname, firstKey)
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		return nil, err
	}
	maxAlts := c.cfg.HTTPMaxAlts
	if maxAlts <= 0 {
		maxAlts = 1
	}
	delay := time.Duration(c.cfg.MutexRetryDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	var w *vc.Writer
	for attempt := 0; attempt < 3; attempt++ {
		w, err = vc.OpenWrite(sh.Stripe, sh.Stripe.OpenDir(), firstKey, totalLen, altVector, maxAlts > 1, maxAlts)
		if err != vc.ErrWriterLimitExceeded {
			break
		}
		time.Sleep(delay)
	}
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
	}
	return w, err
}

// Remove implements the remove operation (spec §6).
func (c *Cache) Remove(hostname string, firstKey doc.Key) error {
	sh, err := c.stripeFor(hostname, firstKey)
	if err != nil {
		return err
	}
	return vc.Remove(sh.Stripe, firstKey)
}

// MarkStorageOffline implements mark_storage_offline (spec §4.8,
// SUPPLEMENTED FEATURES): it marks the disk offline and clears the
// directory entries of its stripes so reads of existing objects miss
// instead of hanging on a dead device. The host table is not rebuilt
// and the write path does not consult disk state, so new writes are
// still routed to those stripes.
func (c *Cache) MarkStorageOffline(d *disk.Disk) {
	d.MarkOffline()
	for _, sh := range c.stripes {
		if sh.Disk == d {
			sh.Stripe.ClearAll()
		}
	}
}

// DirCheck and DBCheck run the administrative consistency checks
// (SUPPLEMENTED FEATURES) across every stripe this cache owns.
func (c *Cache) DirCheck() map[*stripe.Stripe]stripe.DirCheckReport {
	out := make(map[*stripe.Stripe]stripe.DirCheckReport, len(c.stripes))
	for _, sh := range c.stripes {
		out[sh.Stripe] = sh.Stripe.DirCheck()
	}
	return out
}

func (c *Cache) DBCheck() (map[*stripe.Stripe]stripe.DBCheckReport, error) {
	out := make(map[*stripe.Stripe]stripe.DBCheckReport, len(c.stripes))
	for _, sh := range c.stripes {
		rep, err := sh.Stripe.DBCheck()
		if err != nil {
			return nil, fmt.Errorf("cache: db_check: %w", err)
		}
		out[sh.Stripe] = rep
	}
	return out, nil
}

// FindByPath implements find_by_path (SUPPLEMENTED FEATURES,
// grounded on iocore/cache Cache.cc's CacheDisk lookup by device
// path): returns the disk registered under the given device path, if
// any.
func (c *Cache) FindByPath(path string) (*disk.Disk, bool) {
	for _, d := range c.disks {
		if d.Path == path {
			return d, true
		}
	}
	return nil, false
}

// Close flushes and closes every stripe and disk this cache owns.
func (c *Cache) Close() error {
	var first error
	for _, sh := range c.stripes {
		if err := sh.Stripe.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, d := range c.disks {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
