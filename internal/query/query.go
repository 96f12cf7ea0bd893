// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package query resolves range and instant queries: it picks the
// coarsest tier that can answer at the requested step, stitches in raw
// data beyond the tier's watermark and re-aggregates everything onto
// the caller's step grid.
package query

import (
	"context"
	"fmt"
	"sort"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/awksedgreep/timeless/internal/builder"
	"github.com/awksedgreep/timeless/internal/chunk"
	"github.com/awksedgreep/timeless/internal/registry"
	"github.com/awksedgreep/timeless/internal/rollup"
	"github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/pkg/lrucache"
	"github.com/awksedgreep/timeless/pkg/schema"
)

// decodedChunkCacheSize bounds the planner's decoded-bucket cache.
const decodedChunkCacheSize = 32 << 20

// A Shard bundles one shard's store with its builder, giving the
// planner sealed and open-window access.
type Shard struct {
	Store   *shard.Store
	Builder *builder.Builder
}

type Planner struct {
	shards         []Shard
	tiers          []schema.Tier
	reg            *registry.SeriesRegistry
	shardOf        func(seriesID int64) int
	windowDuration int64
	cache          *lrucache.Cache
}

func New(shards []Shard, tiers []schema.Tier, reg *registry.SeriesRegistry,
	shardOf func(int64) int, windowDuration int64,
) *Planner {
	return &Planner{
		shards:         shards,
		tiers:          tiers,
		reg:            reg,
		shardOf:        shardOf,
		windowDuration: windowDuration,
		cache:          lrucache.New(decodedChunkCacheSize),
	}
}

// A RangePoint is one step bucket of a range query result.
type RangePoint struct {
	Start int64        `json:"start"`
	Value schema.Float `json:"value"`
}

// An InstantSample is one series' latest value.
type InstantSample struct {
	SeriesID int64             `json:"series-id"`
	Labels   map[string]string `json:"labels"`
	Ts       int64             `json:"ts"`
	Value    float64           `json:"value"`
}

func checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", schema.ErrTimeout, err.Error())
	}
	return nil
}

// QueryRange answers a (metric, matchers, from, to, step, aggregator)
// request. Matching series are combined into one sequence of step
// buckets using the aggregate's combiner semantics.
func (p *Planner) QueryRange(ctx context.Context, metric string, matchers []*schema.Matcher,
	from, to, step int64, agg schema.Aggregate,
) ([]RangePoint, error) {
	if from >= to || step <= 0 {
		return nil, fmt.Errorf("%w: bad range [%d, %d) step %d", schema.ErrInvalidInput, from, to, step)
	}

	series := p.reg.Resolve(metric, matchers)
	if len(series) == 0 {
		return nil, nil
	}

	tierIdx := p.selectTier(from, step)

	combined := make(map[int64]*schema.Bucket)
	for _, s := range series {
		if err := checkDeadline(ctx); err != nil {
			return nil, err
		}

		buckets, err := p.readSeries(s.ID, tierIdx, from, to, step)
		if err != nil {
			return nil, err
		}
		for _, b := range buckets {
			acc := combined[b.Start]
			if acc == nil {
				acc = &schema.Bucket{Start: b.Start}
				combined[b.Start] = acc
			}
			rollup.CombineInto(acc, b)
		}
	}

	out := make([]RangePoint, 0, len(combined))
	for _, b := range combined {
		out = append(out, RangePoint{Start: b.Start, Value: schema.Float(b.Value(agg))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// selectTier picks the coarsest tier whose resolution fits the step
// and whose oldest retained chunk still covers from. -1 selects raw.
func (p *Planner) selectTier(from, step int64) int {
	for t := len(p.tiers) - 1; t >= 0; t-- {
		if p.tiers[t].Resolution > step {
			continue
		}

		covered := false
		for _, sh := range p.shards {
			if oldest, ok := sh.Store.Tier(t).OldestChunkStart(); ok && oldest <= from {
				covered = true
				break
			}
		}
		if covered {
			return t
		}
	}
	return -1
}

// readSeries produces one series' step buckets over [from, to),
// reading tier chunks up to the stitch boundary and raw data beyond.
func (p *Planner) readSeries(seriesID int64, tierIdx int, from, to, step int64) ([]schema.Bucket, error) {
	sh := p.shards[p.shardOf(seriesID)]

	grid := newStepGrid(from, step)

	rawFrom := from
	if tierIdx >= 0 {
		wm := sh.Store.Watermark(tierIdx)

		// Align the stitch boundary down to the step grid so a
		// partially rolled-up step bucket is recomputed from raw.
		boundary := from
		if wm > from {
			boundary = from + (wm-from)/step*step
		}
		if boundary > to {
			boundary = to
		}

		if boundary > from {
			buckets, err := p.tierBuckets(sh, seriesID, tierIdx, from, boundary)
			if err != nil {
				return nil, err
			}
			for _, b := range buckets {
				grid.add(b)
			}
		}
		rawFrom = boundary
	}

	if rawFrom < to {
		sealed, err := sh.Store.ReadRaw(seriesID, rawFrom, to)
		if err != nil {
			return nil, err
		}
		samples := append(sealed, sh.Builder.ReadPending(seriesID, rawFrom, to)...)
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Ts < samples[j].Ts })

		i := 0
		for i < len(samples) {
			gs := grid.startOf(samples[i].Ts)
			j := i
			for j < len(samples) && grid.startOf(samples[j].Ts) == gs {
				j++
			}
			grid.add(rollup.BucketOfSamples(gs, samples[i:j]))
			i = j
		}
	}

	return grid.sorted(), nil
}

// tierBuckets reads one series' tier buckets fully contained in
// [from, to); the caller folds them onto its step grid.
// Decoded chunks are cached per (tier, series, chunk, generation).
func (p *Planner) tierBuckets(sh Shard, seriesID int64, tierIdx int, from, to int64) ([]schema.Bucket, error) {
	tier := p.tiers[tierIdx]
	tf := sh.Store.Tier(tierIdx)

	var out []schema.Bucket
	for _, entry := range tf.EntriesOverlapping(seriesID, from, to) {
		key := fmt.Sprintf("%d/%s/%d/%d/%d", sh.Store.ID(), tier.Name, seriesID, entry.ChunkStart, tf.Generation())

		cached := p.cache.Get(key, func() (any, int) {
			blob, err := tf.ReadEntry(entry)
			if err != nil {
				sh.Store.CountChunkCorruption()
				cclog.Errorf("[QUERY]> %s", err.Error())
				return []schema.Bucket(nil), 0
			}
			buckets, _, _, err := chunk.Decode(blob)
			if err != nil {
				sh.Store.CountChunkCorruption()
				cclog.Errorf("[QUERY]> tier %s chunk %d/%d: %s",
					tier.Name, seriesID, entry.ChunkStart, err.Error())
				return []schema.Bucket(nil), 0
			}
			return buckets, 16 * 8 * len(buckets)
		})

		for _, b := range cached.([]schema.Bucket) {
			if b.Start >= from && b.Start+tier.Resolution <= to {
				out = append(out, b)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// stepGrid folds buckets onto the caller's step grid anchored at from.
type stepGrid struct {
	from, step int64
	acc        map[int64]*schema.Bucket
}

func newStepGrid(from, step int64) *stepGrid {
	return &stepGrid{from: from, step: step, acc: make(map[int64]*schema.Bucket)}
}

func (g *stepGrid) startOf(ts int64) int64 {
	return g.from + (ts-g.from)/g.step*g.step
}

func (g *stepGrid) add(b schema.Bucket) {
	gs := g.startOf(b.Start)
	acc := g.acc[gs]
	if acc == nil {
		acc = &schema.Bucket{Start: gs}
		g.acc[gs] = acc
	}
	rollup.CombineInto(acc, b)
}

func (g *stepGrid) sorted() []schema.Bucket {
	out := make([]schema.Bucket, 0, len(g.acc))
	for _, b := range g.acc {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// QueryInstant returns, per matching series, the latest stored value:
// the open window first, then sealed segments, then the finest tier
// still holding a bucket. A non-zero at bounds the answer to samples
// with ts <= at.
func (p *Planner) QueryInstant(ctx context.Context, metric string, matchers []*schema.Matcher, at int64) ([]InstantSample, error) {
	series := p.reg.Resolve(metric, matchers)

	out := make([]InstantSample, 0, len(series))
	for _, s := range series {
		if err := checkDeadline(ctx); err != nil {
			return nil, err
		}

		sh := p.shards[p.shardOf(s.ID)]

		if at > 0 {
			if smp, ok := p.latestAt(sh, s.ID, at); ok {
				out = append(out, InstantSample{SeriesID: s.ID, Labels: s.Labels, Ts: smp.Ts, Value: smp.Value})
			}
			continue
		}

		if smp, ok := sh.Builder.Latest(s.ID); ok {
			out = append(out, InstantSample{SeriesID: s.ID, Labels: s.Labels, Ts: smp.Ts, Value: smp.Value})
			continue
		}
		if smp, ok := sh.Store.LatestSealed(s.ID); ok {
			out = append(out, InstantSample{SeriesID: s.ID, Labels: s.Labels, Ts: smp.Ts, Value: smp.Value})
			continue
		}
		if smp, ok := p.latestRolledUp(sh, s.ID); ok {
			out = append(out, InstantSample{SeriesID: s.ID, Labels: s.Labels, Ts: smp.Ts, Value: smp.Value})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SeriesID < out[j].SeriesID })
	return out, nil
}

// latestAt finds the newest raw sample with ts <= at, searching one
// window at a time backwards so old stores don't force a full scan.
func (p *Planner) latestAt(sh Shard, seriesID, at int64) (schema.Sample, bool) {
	oldest, ok := sh.Store.OldestRawWindow()
	if !ok {
		// No sealed windows: only the open windows can answer.
		return lastOf(sh.Builder.ReadPending(seriesID, 0, at+1))
	}

	for to := at + 1; to > oldest; to -= p.windowDuration {
		from := to - p.windowDuration
		if from < oldest {
			from = oldest
		}

		sealed, err := sh.Store.ReadRaw(seriesID, from, to)
		if err != nil {
			return schema.Sample{}, false
		}
		if smp, ok := lastOf(append(sealed, sh.Builder.ReadPending(seriesID, from, to)...)); ok {
			return smp, true
		}
	}

	return lastOf(sh.Builder.ReadPending(seriesID, 0, at+1))
}

func lastOf(samples []schema.Sample) (schema.Sample, bool) {
	var best schema.Sample
	found := false
	for _, smp := range samples {
		if !found || smp.Ts >= best.Ts {
			best, found = smp, true
		}
	}
	return best, found
}

func (p *Planner) latestRolledUp(sh Shard, seriesID int64) (schema.Sample, bool) {
	for t := range p.tiers {
		end, ok := sh.Store.Tier(t).NewestChunkEnd(seriesID)
		if !ok {
			continue
		}

		entries := sh.Store.Tier(t).EntriesOverlapping(seriesID, end-p.tiers[t].ChunkSeconds, end)
		if len(entries) == 0 {
			continue
		}
		blob, err := sh.Store.Tier(t).ReadEntry(entries[len(entries)-1])
		if err != nil {
			continue
		}
		buckets, _, _, err := chunk.Decode(blob)
		if err != nil || len(buckets) == 0 {
			continue
		}
		last := buckets[len(buckets)-1]
		return schema.Sample{Ts: last.Start, Value: last.Last}, true
	}
	return schema.Sample{}, false
}
