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
	"errors"

	"github.com/stripecache/stripecache/doc"
	"github.com/stripecache/stripecache/opendir"
	"github.com/stripecache/stripecache/stripe"
)

// ErrWriterLimitExceeded is returned by OpenWrite when the object
// already has as many concurrent writers as permitted (spec §4.5).
var ErrWriterLimitExceeded = errors.New("vc: writer limit exceeded for this object")

// Writer coordinates one open_write cache VC: it holds a registration
// against the open-directory table for FirstKey, stages fragments
// through the stripe's aggregation engine, and wakes any delayed
// readers once each fragment is staged there, before it reaches disk
// (spec §4.3
// "read-while-writer", §4.5 "open-directory table").
type Writer struct {
	stripe   *stripe.Stripe
	od       *opendir.Table
	entry    *opendir.Entry
	w        *opendir.Writer
	firstKey doc.Key
	nextKey  doc.Key
	written  uint64
	totalLen uint64
	altVec   []byte
	wroteHead bool
	closed    bool
}

// OpenWrite begins a write VC for firstKey (spec §6 "open_write").
// allowMultiple and maxWriters mirror the open-directory table's
// admission rule for concurrent writers of the same object.
func OpenWrite(s *stripe.Stripe, od *opendir.Table, firstKey doc.Key, totalLen uint64, altVector []byte, allowMultiple bool, maxWriters int) (*Writer, error) {
	entry, w, ok := od.OpenWrite(firstKey, allowMultiple, maxWriters)
	if !ok {
		return nil, ErrWriterLimitExceeded
	}
	return &Writer{
		stripe:   s,
		od:       od,
		entry:    entry,
		w:        w,
		firstKey: firstKey,
		nextKey:  firstKey,
		totalLen: totalLen,
		altVec:   altVector,
	}, nil
}

// WriteFragment appends one fragment's body through the stripe's
// write engine, then wakes any reader parked on this object's
// open-directory entry (spec §4.3's "publish, then wake").
func (wr *Writer) WriteFragment(body []byte, pinned bool, pinUntilUnix uint64) error {
	if wr.closed {
		return errors.New("vc: write after close")
	}
	dtype := doc.TypeHTTPFragment
	var alt []byte
	if !wr.wroteHead {
		dtype = doc.TypeHTTPHeadline
		alt = wr.altVec
		wr.wroteHead = true
	}
	e, err := wr.stripe.HandleWrite(stripe.WriteRequest{
		FirstKey:     wr.firstKey,
		FragKey:      wr.nextKey,
		DocType:      dtype,
		AltVector:    alt,
		Body:         body,
		TotalLen:     wr.totalLen,
		Pinned:       pinned,
		PinUntilUnix: pinUntilUnix,
	})
	if err != nil {
		return err
	}
	PublishFirstDir(wr.entry, e)

	wr.written += uint64(len(body))
	wr.nextKey = wr.nextKey.Next()

	wr.entry.Lock()
	wr.w.Bytes = int64(wr.written)
	wr.entry.Unlock()
	wr.entry.WakeReaders()
	return nil
}

// Close finalizes the write VC, releasing the open-directory
// registration and unblocking any readers still parked on it (spec
// §6 "open_write ... close").
func (wr *Writer) Close() error {
	if wr.closed {
		return nil
	}
	wr.closed = true
	wr.od.CloseWrite(wr.firstKey, wr.entry, wr.w)
	return nil
}

// Abandon cancels a write in progress -- e.g. the client disconnected
// mid-upload -- releasing the open-directory registration and
// removing any fragments already staged (spec §7 "writer cancels
// mid-write").
func (wr *Writer) Abandon() error {
	if err := wr.Close(); err != nil {
		return err
	}
	return wr.stripe.Remove(wr.firstKey)
}
