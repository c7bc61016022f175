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

import "time"

// syncState remembers the write_serial at the last directory persist,
// so a sync pass can tell whether the stripe has made progress since
// and thus needs another write.
type syncState struct {
	lastSyncedWriteSerial uint64
}

// StartSync launches the periodic directory-sync background task
// (spec §4.4). It runs until Close is called. freq overrides the
// configured dir_sync_frequency if non-zero.
func (s *Stripe) StartSync(freq time.Duration) {
	if freq > 0 {
		s.syncFreq = freq
	}
	go s.syncLoop()
}

func (s *Stripe) syncLoop() {
	t := time.NewTicker(s.syncFreq)
	defer t.Stop()
	var st syncState
	for {
		select {
		case <-s.stopSync:
			return
		case <-t.C:
			s.syncOncePass(&st)
		}
	}
}

// syncOncePass implements one iteration of spec §4.4's directory
// sync algorithm: flush any staged bytes, snapshot the directory,
// bump sync_serial, and write to the alternate on-disk copy.
func (s *Stripe) syncOncePass(st *syncState) {
	s.mu.Lock()
	dirty := s.hdr.WriteSerial != st.lastSyncedWriteSerial
	needsFlush := s.aggBufPos > 0
	s.mu.Unlock()

	if !dirty && !needsFlush {
		return
	}
	if needsFlush {
		if err := s.Flush(); err != nil {
			s.log.Warnw("directory sync: flush failed", "err", err)
			return
		}
	}

	s.mu.Lock()
	err := s.persistDirectory(true)
	writeSerial := s.hdr.WriteSerial
	s.mu.Unlock()
	if err != nil {
		s.log.Warnw("directory sync: persist failed", "err", err)
		return
	}
	st.lastSyncedWriteSerial = writeSerial
}

// SyncNow runs one directory-sync pass synchronously, for callers
// that need a guarantee the directory is on disk before proceeding
// (e.g. an explicit "sync" write option, or tests).
func (s *Stripe) SyncNow() error {
	s.mu.Lock()
	if s.aggBufPos > 0 {
		if err := s.commitLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	err := s.persistDirectory(true)
	s.mu.Unlock()
	return err
}
