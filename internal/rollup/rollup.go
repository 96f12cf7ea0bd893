// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rollup maintains the tier chunks and watermarks of one
// shard. Tier 0 sources the raw data (sealed segments plus the open
// window); every coarser tier sources the tier before it, combining
// buckets with the mathematically correct combiner per aggregate.
package rollup

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/awksedgreep/timeless/internal/builder"
	"github.com/awksedgreep/timeless/internal/chunk"
	"github.com/awksedgreep/timeless/internal/metrics"
	"github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/pkg/schema"
)

// An Engine runs rollup passes for one shard. Passes for different
// tiers are independent; a pass that has not finished when its next
// tick fires makes that tick a no-op instead of queueing.
type Engine struct {
	store        *shard.Store
	builder      *builder.Builder
	tiers        []schema.Tier
	safetyMargin int64

	running []atomic.Bool

	// Buckets below a tier's watermark that were touched by late
	// writes and need a read-modify-write on the next pass.
	dirtyMu sync.Mutex
	dirty   []map[int64]map[int64]struct{} // tier -> series -> bucket starts
}

func New(store *shard.Store, b *builder.Builder, tiers []schema.Tier, safetyMargin int64) *Engine {
	e := &Engine{
		store:        store,
		builder:      b,
		tiers:        tiers,
		safetyMargin: safetyMargin,
		running:      make([]atomic.Bool, len(tiers)),
		dirty:        make([]map[int64]map[int64]struct{}, len(tiers)),
	}
	for i := range e.dirty {
		e.dirty[i] = make(map[int64]map[int64]struct{})
	}
	return e
}

// NoteLate records that a write landed below tier 0's watermark, so
// its bucket must be recomputed even though the watermark has moved
// past it.
func (e *Engine) NoteLate(seriesID, ts int64) {
	e.markDirty(0, seriesID, e.tiers[0].BucketStart(ts))
}

func (e *Engine) markDirty(tier int, seriesID, bucketStart int64) {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()

	series := e.dirty[tier][seriesID]
	if series == nil {
		series = make(map[int64]struct{})
		e.dirty[tier][seriesID] = series
	}
	series[bucketStart] = struct{}{}
}

func (e *Engine) takeDirty(tier int) map[int64]map[int64]struct{} {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()

	d := e.dirty[tier]
	e.dirty[tier] = make(map[int64]map[int64]struct{})
	return d
}

// RunPass rolls one tier forward to the safety horizon and reprocesses
// any late-touched buckets below the watermark.
func (e *Engine) RunPass(tier int, now int64) error {
	if !e.running[tier].CompareAndSwap(false, true) {
		cclog.Debugf("[ROLLUP]> shard %d: tier %s pass still running, skipping tick",
			e.store.ID(), e.tiers[tier].Name)
		return nil
	}
	defer e.running[tier].Store(false)

	t := e.tiers[tier]
	wm := e.store.Watermark(tier)
	safeTo := t.BucketStart(now - e.safetyMargin)
	if tier > 0 {
		// A tier can only be as complete as its source.
		if src := e.store.Watermark(tier - 1); src < safeTo {
			safeTo = t.BucketStart(src)
		}
	}

	if safeTo > wm {
		buckets, err := e.sourceBuckets(tier, wm, safeTo)
		if err != nil {
			return err
		}
		if err := e.writeBuckets(tier, buckets); err != nil {
			return err
		}
		if err := e.store.SetWatermark(tier, safeTo); err != nil {
			return err
		}
	}

	if err := e.processDirty(tier); err != nil {
		return err
	}

	metrics.RollupPasses.WithLabelValues(t.Name).Inc()
	return nil
}

// sourceBuckets computes, per series, this tier's buckets over the
// half-open source range [from, to).
func (e *Engine) sourceBuckets(tier int, from, to int64) (map[int64][]schema.Bucket, error) {
	t := e.tiers[tier]
	out := make(map[int64][]schema.Bucket)

	if tier == 0 {
		sealed, err := e.store.RawSeries(from, to)
		if err != nil {
			return nil, err
		}
		pending := e.builder.PendingSeries(from, to)

		for id, samples := range pending {
			sealed[id] = mergeSamples(sealed[id], samples)
		}
		for id, samples := range sealed {
			out[id] = BucketsFromSamples(samples, t.Resolution)
		}
		return out, nil
	}

	src := e.tiers[tier-1]
	srcFile := e.store.Tier(tier - 1)
	for id, entries := range srcFile.AllOverlapping(from, to) {
		acc := make(map[int64]*schema.Bucket)
		var order []int64

		for _, entry := range entries {
			blob, err := srcFile.ReadEntry(entry)
			if err != nil {
				e.store.CountChunkCorruption()
				cclog.Errorf("[ROLLUP]> shard %d: %s", e.store.ID(), err.Error())
				continue
			}
			srcBuckets, _, _, err := chunk.Decode(blob)
			if err != nil {
				e.store.CountChunkCorruption()
				cclog.Errorf("[ROLLUP]> shard %d: tier %s chunk %d/%d: %s",
					e.store.ID(), src.Name, id, entry.ChunkStart, err.Error())
				continue
			}

			for _, sb := range srcBuckets {
				if sb.Start < from || sb.Start >= to {
					continue
				}
				coarse := t.BucketStart(sb.Start)
				b := acc[coarse]
				if b == nil {
					b = &schema.Bucket{Start: coarse}
					acc[coarse] = b
					order = append(order, coarse)
				}
				CombineInto(b, sb)
			}
		}

		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
		buckets := make([]schema.Bucket, 0, len(order))
		for _, start := range order {
			buckets = append(buckets, *acc[start])
		}
		if len(buckets) > 0 {
			out[id] = buckets
		}
	}
	return out, nil
}

// writeBuckets merges freshly computed buckets into their chunks and
// marks the corresponding coarser buckets dirty so late data cascades
// upward.
func (e *Engine) writeBuckets(tier int, perSeries map[int64][]schema.Bucket) error {
	t := e.tiers[tier]
	tf := e.store.Tier(tier)

	for id, buckets := range perSeries {
		byChunk := make(map[int64][]schema.Bucket)
		for _, b := range buckets {
			cs := t.ChunkStart(b.Start)
			byChunk[cs] = append(byChunk[cs], b)

			if tier+1 < len(e.tiers) {
				next := e.tiers[tier+1]
				if next.BucketStart(b.Start) < e.store.Watermark(tier+1) {
					e.markDirty(tier+1, id, next.BucketStart(b.Start))
				}
			}
		}

		for cs, newBuckets := range byChunk {
			existing, err := tf.ReadChunk(id, cs)
			if err != nil {
				e.store.CountChunkCorruption()
				cclog.Errorf("[ROLLUP]> shard %d: %s", e.store.ID(), err.Error())
				existing = nil
			}

			blob, err := chunk.Merge(existing, newBuckets, t.Resolution, t.Aggregates)
			if errors.Is(err, schema.ErrCorruptChunk) {
				// The stored chunk is unreadable; rebuild it from the
				// new buckets rather than losing the write.
				e.store.CountChunkCorruption()
				cclog.Errorf("[ROLLUP]> shard %d: replacing corrupt chunk %d/%d of tier %s",
					e.store.ID(), id, cs, t.Name)
				blob, err = chunk.Encode(newBuckets, t.Resolution, t.Aggregates)
			}
			if err != nil {
				return err
			}

			if err := tf.WriteChunk(id, cs, blob); err != nil {
				return err
			}
		}
	}
	return nil
}

// processDirty recomputes late-touched buckets from their full source
// range, replacing the stored bucket. Reading the whole bucket range
// keeps every raw point counted exactly once.
func (e *Engine) processDirty(tier int) error {
	dirty := e.takeDirty(tier)
	if len(dirty) == 0 {
		return nil
	}

	t := e.tiers[tier]
	recomputed := make(map[int64][]schema.Bucket)

	for id, bucketSet := range dirty {
		starts := make([]int64, 0, len(bucketSet))
		for start := range bucketSet {
			starts = append(starts, start)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

		for _, start := range starts {
			b, err := e.recomputeBucket(tier, id, start)
			if err != nil {
				return err
			}
			if b.Count > 0 {
				recomputed[id] = append(recomputed[id], b)
			}
		}
	}

	if len(recomputed) > 0 {
		cclog.Debugf("[ROLLUP]> shard %d: tier %s: reprocessed %d late series",
			e.store.ID(), t.Name, len(recomputed))
		return e.writeBuckets(tier, recomputed)
	}
	return nil
}

func (e *Engine) recomputeBucket(tier int, seriesID, start int64) (schema.Bucket, error) {
	t := e.tiers[tier]
	end := start + t.Resolution

	if tier == 0 {
		sealed, err := e.store.ReadRaw(seriesID, start, end)
		if err != nil {
			return schema.Bucket{}, err
		}
		samples := mergeSamples(sealed, e.builder.ReadPending(seriesID, start, end))
		return BucketOfSamples(start, samples), nil
	}

	src := e.tiers[tier-1]
	srcFile := e.store.Tier(tier - 1)
	acc := schema.Bucket{Start: start}

	for _, entry := range srcFile.EntriesOverlapping(seriesID, start, end) {
		blob, err := srcFile.ReadEntry(entry)
		if err != nil {
			e.store.CountChunkCorruption()
			continue
		}
		srcBuckets, _, _, err := chunk.Decode(blob)
		if err != nil {
			e.store.CountChunkCorruption()
			cclog.Errorf("[ROLLUP]> shard %d: tier %s chunk %d/%d: %s",
				e.store.ID(), src.Name, seriesID, entry.ChunkStart, err.Error())
			continue
		}
		for _, sb := range srcBuckets {
			if sb.Start >= start && sb.Start < end {
				CombineInto(&acc, sb)
			}
		}
	}
	return acc, nil
}

// mergeSamples concatenates two sorted sample slices into timestamp
// order, keeping insertion order for equal timestamps.
func mergeSamples(a, b []schema.Sample) []schema.Sample {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]schema.Sample, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}
