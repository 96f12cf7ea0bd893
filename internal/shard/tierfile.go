// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shard

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/awksedgreep/timeless/pkg/schema"
)

// CompactTrigger is the dead-bytes fraction of chunks.dat at which a
// compaction pass is started.
const CompactTrigger = 0.30

// A TierEntry is one index.bin record: one chunk of one series.
// 40 bytes on disk, sorted by (series_id, chunk_start).
type TierEntry struct {
	SeriesID   int64
	ChunkStart int64
	ChunkEnd   int64
	Offset     uint64
	Length     uint32
	Flags      uint32
}

const tierEntryLen = 8 + 8 + 8 + 8 + 4 + 4

// A TierFile stores one tier's chunks for one shard: an append-only
// chunks.dat plus a side index rewritten atomically on every update.
// Superseded blobs become dead space until the next compaction.
type TierFile struct {
	dir  string
	tier schema.Tier

	mu         sync.RWMutex
	f          *os.File
	data       []byte // mmap of chunks.dat, possibly shorter than the file
	size       int64
	index      []TierEntry
	deadBytes  int64
	generation uint64
}

func openTierFile(dir string, tier schema.Tier) (*TierFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	// A leftover *.tmp pair is a compaction that did not finish;
	// the previous generation is still intact.
	os.Remove(filepath.Join(dir, "chunks.dat.tmp"))
	os.Remove(filepath.Join(dir, "index.bin.tmp"))

	f, err := os.OpenFile(filepath.Join(dir, "chunks.dat"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	tf := &TierFile{dir: dir, tier: tier, f: f, size: fi.Size()}
	if tf.data, err = mmapFile(f); err != nil {
		f.Close()
		return nil, err
	}

	if err := tf.loadIndex(); err != nil {
		tf.Close()
		return nil, err
	}

	var live int64
	for _, e := range tf.index {
		live += int64(e.Length)
	}
	tf.deadBytes = tf.size - live

	return tf, nil
}

func (tf *TierFile) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(tf.dir, "index.bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(raw)%tierEntryLen != 0 {
		return fmt.Errorf("%w: %s/index.bin has odd length %d",
			schema.ErrCorruptChunk, tf.dir, len(raw))
	}

	tf.index = make([]TierEntry, len(raw)/tierEntryLen)
	for i := range tf.index {
		e := raw[i*tierEntryLen:]
		tf.index[i] = TierEntry{
			SeriesID:   int64(binary.LittleEndian.Uint64(e[0:])),
			ChunkStart: int64(binary.LittleEndian.Uint64(e[8:])),
			ChunkEnd:   int64(binary.LittleEndian.Uint64(e[16:])),
			Offset:     binary.LittleEndian.Uint64(e[24:]),
			Length:     binary.LittleEndian.Uint32(e[32:]),
			Flags:      binary.LittleEndian.Uint32(e[36:]),
		}
	}
	return nil
}

func (tf *TierFile) writeIndexTmpLocked() error {
	tmp := filepath.Join(tf.dir, "index.bin.tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	buf := make([]byte, len(tf.index)*tierEntryLen)
	for i, e := range tf.index {
		b := buf[i*tierEntryLen:]
		binary.LittleEndian.PutUint64(b[0:], uint64(e.SeriesID))
		binary.LittleEndian.PutUint64(b[8:], uint64(e.ChunkStart))
		binary.LittleEndian.PutUint64(b[16:], uint64(e.ChunkEnd))
		binary.LittleEndian.PutUint64(b[24:], e.Offset)
		binary.LittleEndian.PutUint32(b[32:], e.Length)
		binary.LittleEndian.PutUint32(b[36:], e.Flags)
	}

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (tf *TierFile) writeIndexLocked() error {
	if err := tf.writeIndexTmpLocked(); err != nil {
		return err
	}

	if err := os.Rename(filepath.Join(tf.dir, "index.bin.tmp"), filepath.Join(tf.dir, "index.bin")); err != nil {
		return err
	}
	if err := syncDir(tf.dir); err != nil {
		return err
	}

	tf.generation++
	return nil
}

func (tf *TierFile) searchLocked(seriesID, chunkStart int64) int {
	return sort.Search(len(tf.index), func(i int) bool {
		e := tf.index[i]
		if e.SeriesID != seriesID {
			return e.SeriesID > seriesID
		}
		return e.ChunkStart >= chunkStart
	})
}

// ReadChunk returns a copy of the encoded blob for (seriesID, chunkStart),
// or nil if the chunk does not exist.
func (tf *TierFile) ReadChunk(seriesID, chunkStart int64) ([]byte, error) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	i := tf.searchLocked(seriesID, chunkStart)
	if i >= len(tf.index) {
		return nil, nil
	}
	e := tf.index[i]
	if e.SeriesID != seriesID || e.ChunkStart != chunkStart {
		return nil, nil
	}
	return tf.blobLocked(e)
}

func (tf *TierFile) blobLocked(e TierEntry) ([]byte, error) {
	end := e.Offset + uint64(e.Length)
	if end > uint64(len(tf.data)) {
		return nil, fmt.Errorf("%w: %s: blob at %d+%d beyond mapping",
			schema.ErrCorruptChunk, tf.dir, e.Offset, e.Length)
	}
	blob := make([]byte, e.Length)
	copy(blob, tf.data[e.Offset:end])
	return blob, nil
}

// WriteChunk appends the new blob for (seriesID, chunkStart) and
// atomically replaces the index. A previous blob for the same chunk
// becomes dead space.
func (tf *TierFile) WriteChunk(seriesID, chunkStart int64, blob []byte) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	offset := tf.size
	if _, err := tf.f.WriteAt(blob, offset); err != nil {
		return err
	}
	if err := tf.f.Sync(); err != nil {
		return err
	}
	tf.size += int64(len(blob))
	if err := tf.remapLocked(); err != nil {
		return err
	}

	entry := TierEntry{
		SeriesID:   seriesID,
		ChunkStart: chunkStart,
		ChunkEnd:   chunkStart + tf.tier.ChunkSeconds,
		Offset:     uint64(offset),
		Length:     uint32(len(blob)),
	}

	i := tf.searchLocked(seriesID, chunkStart)
	if i < len(tf.index) && tf.index[i].SeriesID == seriesID && tf.index[i].ChunkStart == chunkStart {
		tf.deadBytes += int64(tf.index[i].Length)
		tf.index[i] = entry
	} else {
		tf.index = append(tf.index, TierEntry{})
		copy(tf.index[i+1:], tf.index[i:])
		tf.index[i] = entry
	}

	return tf.writeIndexLocked()
}

func (tf *TierFile) remapLocked() error {
	munmapFile(tf.data)
	var err error
	tf.data, err = mmapFile(tf.f)
	return err
}

// EntriesOverlapping returns the index entries of seriesID whose
// [chunk_start, chunk_end) overlaps [from, to).
func (tf *TierFile) EntriesOverlapping(seriesID, from, to int64) []TierEntry {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	i := tf.searchLocked(seriesID, from-tf.tier.ChunkSeconds)
	var out []TierEntry
	for ; i < len(tf.index); i++ {
		e := tf.index[i]
		if e.SeriesID != seriesID || e.ChunkStart >= to {
			break
		}
		if e.ChunkEnd > from {
			out = append(out, e)
		}
	}
	return out
}

// AllOverlapping returns, grouped by series, every entry overlapping
// [from, to). Used when a coarser tier rolls up from this one.
func (tf *TierFile) AllOverlapping(from, to int64) map[int64][]TierEntry {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	out := make(map[int64][]TierEntry)
	for _, e := range tf.index {
		if e.ChunkStart < to && e.ChunkEnd > from {
			out[e.SeriesID] = append(out[e.SeriesID], e)
		}
	}
	return out
}

// ReadEntry fetches the blob behind an index entry previously obtained
// from EntriesOverlapping/AllOverlapping of the same generation.
func (tf *TierFile) ReadEntry(e TierEntry) ([]byte, error) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.blobLocked(e)
}

// OldestChunkStart returns the smallest chunk_start present, or false
// if the tier holds no chunks.
func (tf *TierFile) OldestChunkStart() (int64, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	if len(tf.index) == 0 {
		return 0, false
	}
	oldest := tf.index[0].ChunkStart
	for _, e := range tf.index[1:] {
		if e.ChunkStart < oldest {
			oldest = e.ChunkStart
		}
	}
	return oldest, true
}

// NewestChunkEnd returns the largest chunk_end of seriesID, or false.
func (tf *TierFile) NewestChunkEnd(seriesID int64) (int64, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	newest := int64(0)
	found := false
	i := tf.searchLocked(seriesID, -1<<62)
	for ; i < len(tf.index); i++ {
		e := tf.index[i]
		if e.SeriesID != seriesID {
			break
		}
		if e.ChunkEnd > newest {
			newest, found = e.ChunkEnd, true
		}
	}
	return newest, found
}

// Generation counts index replacements. Cache keys embed it so a
// compaction or chunk update invalidates stale cached decodes.
func (tf *TierFile) Generation() uint64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.generation
}

// DeadFraction estimates how much of chunks.dat is dead space.
func (tf *TierFile) DeadFraction() float64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	if tf.size == 0 {
		return 0
	}
	return float64(tf.deadBytes) / float64(tf.size)
}

// Retain drops every chunk with chunk_end <= cutoff from the index and
// compacts when the dead fraction (including the drops) crosses the
// trigger, or immediately when force is set. Chunks straddling the
// cutoff are kept whole. Returns the number of chunks dropped.
func (tf *TierFile) Retain(cutoff int64, force bool) (int, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	kept := tf.index[:0]
	dropped := 0
	for _, e := range tf.index {
		if e.ChunkEnd <= cutoff {
			tf.deadBytes += int64(e.Length)
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	tf.index = kept

	if dropped > 0 {
		if err := tf.writeIndexLocked(); err != nil {
			return dropped, err
		}
	}

	needCompact := tf.size > 0 && float64(tf.deadBytes)/float64(tf.size) >= CompactTrigger
	if force || needCompact {
		if err := tf.compactLocked(); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// MaybeCompact compacts chunks.dat if its dead fraction crossed the
// trigger. Returns whether a compaction ran.
func (tf *TierFile) MaybeCompact() (bool, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	if tf.size == 0 || float64(tf.deadBytes)/float64(tf.size) < CompactTrigger {
		return false, nil
	}
	return true, tf.compactLocked()
}

// compactLocked streams the live blobs into chunks.dat.tmp, writes
// index.bin.tmp, fsyncs both and renames them into place.
func (tf *TierFile) compactLocked() error {
	tmpPath := filepath.Join(tf.dir, "chunks.dat.tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	newIndex := make([]TierEntry, 0, len(tf.index))
	var offset uint64
	for _, e := range tf.index {
		blob, err := tf.blobLocked(e)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(blob); err != nil {
			tmp.Close()
			return err
		}
		e.Offset = offset
		offset += uint64(e.Length)
		newIndex = append(newIndex, e)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	// Both tmp files are complete and fsynced before either rename;
	// a crash in between leaves the previous generation intact.
	oldIndex := tf.index
	tf.index = newIndex
	if err := tf.writeIndexTmpLocked(); err != nil {
		tf.index = oldIndex
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(tf.dir, "chunks.dat")); err != nil {
		tf.index = oldIndex
		return err
	}
	if err := os.Rename(filepath.Join(tf.dir, "index.bin.tmp"), filepath.Join(tf.dir, "index.bin")); err != nil {
		return err
	}
	if err := syncDir(tf.dir); err != nil {
		return err
	}
	tf.generation++

	f, err := os.OpenFile(filepath.Join(tf.dir, "chunks.dat"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	munmapFile(tf.data)
	tf.f.Close()
	tf.f = f
	tf.size = int64(offset)
	tf.deadBytes = 0
	if err := tf.remapLocked(); err != nil {
		return err
	}

	cclog.Debugf("[SHARDSTORE]> compacted %s to %d bytes, %d chunks", tf.dir, tf.size, len(tf.index))
	return nil
}

// SizeBytes returns the current chunks.dat size.
func (tf *TierFile) SizeBytes() int64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.size
}

func (tf *TierFile) Close() {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	munmapFile(tf.data)
	tf.data = nil
	tf.f.Close()
}
