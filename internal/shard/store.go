// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shard implements the durable store of one shard: sealed raw
// segment files, the open window's write-ahead log, per-tier chunk
// files with side indexes, watermarks and retention.
//
// Directory layout:
//
//	shard_<s>/
//	  raw/
//	    <window_start>.seg
//	    current.wal
//	  tier_<name>/
//	    chunks.dat
//	    index.bin
//	  watermarks.bin
package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/klauspost/compress/zstd"

	"github.com/awksedgreep/timeless/internal/gorilla"
	"github.com/awksedgreep/timeless/pkg/schema"
)

var (
	blobEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	blobDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// CompressSamples produces a segment payload: gorilla bitstream wrapped
// in a zstd block. Samples must be sorted by timestamp.
func CompressSamples(samples []schema.Sample) []byte {
	raw := gorilla.Compress(samples)
	return blobEnc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// DecompressSamples reverses CompressSamples.
func DecompressSamples(blob []byte) ([]schema.Sample, error) {
	raw, err := blobDec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrCorruptSegment, err.Error())
	}
	samples, err := gorilla.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrCorruptSegment, err.Error())
	}
	return samples, nil
}

// A Store owns all on-disk state of one shard. The segment builder is
// its single writer for raw data; the rollup engine is the single
// writer per tier file. Readers run concurrently against mmapped files.
type Store struct {
	dir            string
	id             int
	windowDuration int64
	tiers          []schema.Tier

	mu        sync.RWMutex
	segments  []*Segment // sorted by windowStart ascending
	wal       *wal
	tierFiles []*TierFile
	wms       *Watermarks

	corruptSegments atomic.Int64
	corruptChunks   atomic.Int64
	paused          atomic.Bool
}

// Open prepares the shard directory, recovers a leftover WAL and mmaps
// every sealed segment and tier file. The recovered WAL records are
// returned for replay into the builder's open window.
func Open(baseDir string, id int, windowDuration int64, tiers []schema.Tier) (*Store, []WALRecord, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("shard_%d", id))
	rawDir := filepath.Join(dir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return nil, nil, err
	}

	s := &Store{dir: dir, id: id, windowDuration: windowDuration, tiers: tiers}

	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			// A seal that did not complete; the WAL still covers it.
			os.Remove(filepath.Join(rawDir, name))
			continue
		}
		if !strings.HasSuffix(name, ".seg") {
			continue
		}

		windowStart, err := strconv.ParseInt(strings.TrimSuffix(name, ".seg"), 10, 64)
		if err != nil {
			cclog.Warnf("[SHARDSTORE]> ignoring unrecognized file %s in %s", name, rawDir)
			continue
		}

		sg, err := openSegment(filepath.Join(rawDir, name), windowStart)
		if err != nil {
			if errors.Is(err, schema.ErrCorruptSegment) {
				cclog.Errorf("[SHARDSTORE]> %s", err.Error())
				s.corruptSegments.Add(1)
				continue
			}
			return nil, nil, err
		}
		s.segments = append(s.segments, sg)
	}
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].windowStart < s.segments[j].windowStart
	})

	walPath := filepath.Join(rawDir, "current.wal")
	recovered, err := recoverWAL(walPath)
	if err != nil {
		return nil, nil, err
	}
	if s.wal, err = openWAL(walPath); err != nil {
		return nil, nil, err
	}

	for _, tier := range tiers {
		tf, err := openTierFile(filepath.Join(dir, "tier_"+tier.Name), tier)
		if err != nil {
			return nil, nil, err
		}
		s.tierFiles = append(s.tierFiles, tf)
	}

	if s.wms, err = openWatermarks(filepath.Join(dir, "watermarks.bin"), len(tiers)); err != nil {
		return nil, nil, err
	}

	return s, recovered, nil
}

func (s *Store) ID() int { return s.id }

func (s *Store) Dir() string { return s.dir }

// Paused reports whether the shard was taken out of service after an
// unrecoverable write error.
func (s *Store) Paused() bool { return s.paused.Load() }

func (s *Store) Pause() { s.paused.Store(true) }

// AppendWAL persists a checkpoint batch of the open window.
func (s *Store) AppendWAL(recs []WALRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Append(recs)
}

// SealWindow turns the open window's segments into an immutable .seg
// file and retires the WAL that covered them. When the window was
// sealed before and late points forced a second seal, the previous
// file's entries are carried over into the replacement.
func (s *Store) SealWindow(windowStart int64, entries []SegmentEntry) error {
	s.mu.RLock()
	var old *Segment
	for _, sg := range s.segments {
		if sg.windowStart == windowStart {
			old = sg
			break
		}
	}
	if old != nil {
		err := old.forEach(func(seriesID int64, start, end int64, pointCount uint32, blob []byte) error {
			data := make([]byte, len(blob))
			copy(data, blob)
			entries = append(entries, SegmentEntry{
				SeriesID:   seriesID,
				Start:      start,
				End:        end,
				PointCount: pointCount,
				Data:       data,
			})
			return nil
		})
		if err != nil {
			s.mu.RUnlock()
			return err
		}
	}
	s.mu.RUnlock()

	rawDir := filepath.Join(s.dir, "raw")
	path, err := writeSegmentFile(rawDir, windowStart, entries)
	if err != nil {
		return err
	}

	sg, err := openSegment(path, windowStart)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].windowStart >= windowStart
	})
	if i < len(s.segments) && s.segments[i].windowStart == windowStart {
		s.segments[i].close()
		s.segments[i] = sg
	} else {
		s.segments = append(s.segments, nil)
		copy(s.segments[i+1:], s.segments[i:])
		s.segments[i] = sg
	}

	walPath := filepath.Join(rawDir, "current.wal")
	s.wal.Close()
	if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if s.wal, err = openWAL(walPath); err != nil {
		return err
	}

	cclog.Debugf("[SHARDSTORE]> shard %d: sealed window %d (%d segments)",
		s.id, windowStart, len(entries))
	return nil
}

// ReadRaw returns the sealed samples of one series in [from, to),
// merged across overlapping segments in timestamp order. Corrupt
// payloads are skipped and counted.
func (s *Store) ReadRaw(seriesID, from, to int64) ([]schema.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Sample
	for _, sg := range s.segments {
		if sg.windowStart >= to || sg.windowStart+s.windowDuration <= from {
			continue
		}

		blobs, err := sg.find(seriesID, from, to)
		if err != nil {
			cclog.Errorf("[SHARDSTORE]> %s", err.Error())
			s.corruptSegments.Add(1)
			continue
		}
		for _, blob := range blobs {
			samples, err := DecompressSamples(blob)
			if err != nil {
				cclog.Errorf("[SHARDSTORE]> shard %d: %s", s.id, err.Error())
				s.corruptSegments.Add(1)
				continue
			}
			for _, smp := range samples {
				if smp.Ts >= from && smp.Ts < to {
					out = append(out, smp)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out, nil
}

// RawSeries collects, per series, every sealed sample in [from, to).
// This is the rollup engine's source when a tier rolls up from raw.
func (s *Store) RawSeries(from, to int64) (map[int64][]schema.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64][]schema.Sample)
	for _, sg := range s.segments {
		if sg.windowStart >= to || sg.windowStart+s.windowDuration <= from {
			continue
		}

		err := sg.forEach(func(seriesID int64, start, end int64, pointCount uint32, blob []byte) error {
			if start >= to || end < from {
				return nil
			}
			samples, err := DecompressSamples(blob)
			if err != nil {
				cclog.Errorf("[SHARDSTORE]> shard %d: %s", s.id, err.Error())
				s.corruptSegments.Add(1)
				return nil
			}
			for _, smp := range samples {
				if smp.Ts >= from && smp.Ts < to {
					out[seriesID] = append(out[seriesID], smp)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for _, samples := range out {
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Ts < samples[j].Ts })
	}
	return out, nil
}

// LatestSealed returns the newest sealed sample of a series.
func (s *Store) LatestSealed(seriesID int64) (schema.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.segments) - 1; i >= 0; i-- {
		sg := s.segments[i]
		blobs, err := sg.find(seriesID, sg.windowStart, sg.windowStart+s.windowDuration)
		if err != nil || len(blobs) == 0 {
			continue
		}

		var best schema.Sample
		found := false
		for _, blob := range blobs {
			samples, err := DecompressSamples(blob)
			if err != nil {
				s.corruptSegments.Add(1)
				continue
			}
			if len(samples) > 0 {
				last := samples[len(samples)-1]
				if !found || last.Ts > best.Ts {
					best, found = last, true
				}
			}
		}
		if found {
			return best, true
		}
	}
	return schema.Sample{}, false
}

// Tier returns the chunk file of tier index t.
func (s *Store) Tier(t int) *TierFile {
	return s.tierFiles[t]
}

func (s *Store) Watermark(tier int) int64 {
	return s.wms.Get(tier)
}

func (s *Store) SetWatermark(tier int, v int64) error {
	return s.wms.Set(tier, v)
}

// CorruptionCounts reports segment and chunk corruption events seen
// since the store was opened.
func (s *Store) CorruptionCounts() (segments, chunks int64) {
	return s.corruptSegments.Load(), s.corruptChunks.Load()
}

func (s *Store) CountChunkCorruption() {
	s.corruptChunks.Add(1)
}

// RetainRaw deletes every sealed segment whose window ended at or
// before the cutoff. Returns the number of deleted files.
func (s *Store) RetainRaw(cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.segments[:0]
	deleted := 0
	for _, sg := range s.segments {
		if sg.windowStart+s.windowDuration <= cutoff {
			path := sg.path
			sg.close()
			if err := os.Remove(path); err != nil {
				return deleted, err
			}
			deleted++
			continue
		}
		kept = append(kept, sg)
	}
	s.segments = kept
	return deleted, nil
}

// OldestRawWindow returns the window start of the oldest sealed
// segment, or false if none exist.
func (s *Store) OldestRawWindow() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.segments) == 0 {
		return 0, false
	}
	return s.segments[0].windowStart, true
}

// PointsEstimate sums the point counts of all sealed segment indexes.
func (s *Store) PointsEstimate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, sg := range s.segments {
		n += sg.pointsEstimate()
	}
	return n
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sg := range s.segments {
		sg.close()
	}
	s.segments = nil
	s.wal.Close()
	for _, tf := range s.tierFiles {
		tf.Close()
	}
}
