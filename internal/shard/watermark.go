// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shard

import (
	"encoding/binary"
	"os"
	"sync/atomic"
)

// Watermarks is the fixed-size watermarks.bin of one shard: one i64
// per tier, meaning "all source data older than this has been rolled
// up into the tier". The in-memory copy is read lock-free by query
// planners; the file is rewritten in place with fsync on every
// advance (aligned 8-byte writes are atomic on supported platforms).
type Watermarks struct {
	path string
	vals []atomic.Int64
}

func openWatermarks(path string, numTiers int) (*Watermarks, error) {
	wm := &Watermarks{path: path, vals: make([]atomic.Int64, numTiers)}

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	for i := 0; i < numTiers; i++ {
		if (i+1)*8 <= len(raw) {
			wm.vals[i].Store(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return wm, nil
}

func (wm *Watermarks) Get(tier int) int64 {
	return wm.vals[tier].Load()
}

// Set advances a tier's watermark and persists the file. Watermarks
// never move backwards.
func (wm *Watermarks) Set(tier int, v int64) error {
	if v <= wm.vals[tier].Load() {
		return nil
	}
	wm.vals[tier].Store(v)

	buf := make([]byte, len(wm.vals)*8)
	for i := range wm.vals {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(wm.vals[i].Load()))
	}

	f, err := os.OpenFile(wm.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}
