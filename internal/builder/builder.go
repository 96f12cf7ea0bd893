// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package builder turns one shard's stream of points into sealed
// segments. Points accumulate per window in an in-memory pending map
// that also serves reads against open windows; the WAL checkpoint
// exists only to survive crashes.
package builder

import (
	"sort"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/pkg/schema"
)

// A Builder owns the open windows of one shard. It is the shard's
// single writer; the pending map is shared with readers under a lock.
type Builder struct {
	store          *shard.Store
	windowDuration int64
	sealGrace      int64

	mu      sync.Mutex
	pending map[int64]map[int64][]schema.Sample // window start -> series -> samples
	maxSeen int64

	onSeal func(windowStart int64)
}

func New(store *shard.Store, windowDuration, sealGrace int64) *Builder {
	return &Builder{
		store:          store,
		windowDuration: windowDuration,
		sealGrace:      sealGrace,
		pending:        make(map[int64]map[int64][]schema.Sample),
	}
}

// OnSeal registers a callback invoked after a window was sealed,
// outside the builder lock. The rollup engine hooks in here.
func (b *Builder) OnSeal(f func(windowStart int64)) {
	b.onSeal = f
}

func (b *Builder) windowOf(ts int64) int64 {
	return ts - ts%b.windowDuration
}

// Replay loads WAL records recovered after a crash back into the
// pending map. Each record is a full snapshot of one series' pending
// samples at checkpoint time, so a later record replaces an earlier
// one for the same (window, series).
func (b *Builder) Replay(recs []shard.WALRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range recs {
		samples, err := shard.DecompressSamples(rec.Data)
		if err != nil {
			cclog.Errorf("[BUILDER]> shard %d: dropping WAL record for series %d: %s",
				b.store.ID(), rec.SeriesID, err.Error())
			continue
		}

		w := b.windowOf(rec.Start)
		series := b.pending[w]
		if series == nil {
			series = make(map[int64][]schema.Sample)
			b.pending[w] = series
		}
		series[rec.SeriesID] = samples

		if rec.End > b.maxSeen {
			b.maxSeen = rec.End
		}
	}

	if len(recs) > 0 {
		cclog.Infof("[BUILDER]> shard %d: replayed %d WAL records", b.store.ID(), len(recs))
	}
}

// Add appends a batch of points belonging to this shard and seals
// every window that is past due relative to now.
func (b *Builder) Add(points []schema.Point, now int64) error {
	b.mu.Lock()
	for _, p := range points {
		w := b.windowOf(p.Ts)
		series := b.pending[w]
		if series == nil {
			series = make(map[int64][]schema.Sample)
			b.pending[w] = series
		}
		series[p.SeriesID] = append(series[p.SeriesID], schema.Sample{Ts: p.Ts, Value: p.Value})

		if p.Ts > b.maxSeen {
			b.maxSeen = p.Ts
		}
	}
	b.mu.Unlock()

	return b.SealDue(now)
}

// SealDue seals every open window whose end plus grace lies in the
// past. The clock is the later of wall time and the newest timestamp
// seen, so replayed history seals without waiting for wall time.
func (b *Builder) SealDue(now int64) error {
	b.mu.Lock()
	if b.maxSeen > now {
		now = b.maxSeen
	}

	var due []int64
	for w := range b.pending {
		if w+b.windowDuration+b.sealGrace <= now {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	type sealJob struct {
		window  int64
		entries []shard.SegmentEntry
	}
	jobs := make([]sealJob, 0, len(due))
	for _, w := range due {
		jobs = append(jobs, sealJob{window: w, entries: b.snapshotLocked(w)})
		delete(b.pending, w)
	}
	b.mu.Unlock()

	for _, job := range jobs {
		if err := b.store.SealWindow(job.window, job.entries); err != nil {
			return err
		}
		if b.onSeal != nil {
			b.onSeal(job.window)
		}
	}
	return nil
}

// snapshotLocked compresses every pending series of a window into
// segment entries. Caller holds b.mu.
func (b *Builder) snapshotLocked(window int64) []shard.SegmentEntry {
	series := b.pending[window]
	entries := make([]shard.SegmentEntry, 0, len(series))
	for id, samples := range series {
		if len(samples) == 0 {
			continue
		}

		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Ts < samples[j].Ts })
		entries = append(entries, shard.SegmentEntry{
			SeriesID:   id,
			Start:      samples[0].Ts,
			End:        samples[len(samples)-1].Ts,
			PointCount: uint32(len(samples)),
			Data:       shard.CompressSamples(samples),
		})
	}
	return entries
}

// Checkpoint writes the full pending state to the WAL. The pending map
// is left untouched; it remains the authoritative copy for reads.
func (b *Builder) Checkpoint() error {
	b.mu.Lock()
	var recs []shard.WALRecord
	for w := range b.pending {
		for _, e := range b.snapshotLocked(w) {
			recs = append(recs, shard.WALRecord{
				SeriesID:   e.SeriesID,
				Start:      e.Start,
				End:        e.End,
				PointCount: e.PointCount,
				Data:       e.Data,
			})
		}
	}
	b.mu.Unlock()

	if len(recs) == 0 {
		return nil
	}
	return b.store.AppendWAL(recs)
}

// ReadPending returns the open windows' samples of one series in
// [from, to), sorted by timestamp.
func (b *Builder) ReadPending(seriesID, from, to int64) []schema.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []schema.Sample
	for w, series := range b.pending {
		if w >= to || w+b.windowDuration <= from {
			continue
		}
		for _, smp := range series[seriesID] {
			if smp.Ts >= from && smp.Ts < to {
				out = append(out, smp)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}

// Latest returns the newest pending sample of a series.
func (b *Builder) Latest(seriesID int64) (schema.Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best schema.Sample
	found := false
	for _, series := range b.pending {
		for _, smp := range series[seriesID] {
			if !found || smp.Ts >= best.Ts {
				best, found = smp, true
			}
		}
	}
	return best, found
}

// PendingSeries collects, per series, every pending sample in
// [from, to). The rollup engine reads the open window through this.
func (b *Builder) PendingSeries(from, to int64) map[int64][]schema.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[int64][]schema.Sample)
	for w, series := range b.pending {
		if w >= to || w+b.windowDuration <= from {
			continue
		}
		for id, samples := range series {
			for _, smp := range samples {
				if smp.Ts >= from && smp.Ts < to {
					out[id] = append(out[id], smp)
				}
			}
		}
	}

	for _, samples := range out {
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Ts < samples[j].Ts })
	}
	return out
}

// PendingPoints counts the samples currently held in open windows.
func (b *Builder) PendingPoints() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for _, series := range b.pending {
		for _, samples := range series {
			n += int64(len(samples))
		}
	}
	return n
}
