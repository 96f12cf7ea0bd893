// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store assembles the storage core into one handle: the series
// registry, one write buffer / builder / rollup engine / shard store
// per shard, and the query planner on top. Embedders and the transport
// layer talk only to this package.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/cespare/xxhash/v2"

	"github.com/awksedgreep/timeless/internal/builder"
	"github.com/awksedgreep/timeless/internal/config"
	"github.com/awksedgreep/timeless/internal/metrics"
	"github.com/awksedgreep/timeless/internal/query"
	"github.com/awksedgreep/timeless/internal/registry"
	"github.com/awksedgreep/timeless/internal/rollup"
	"github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/pkg/schema"
)

// Options carries the resolved configuration of one store instance.
// Open uses the values as given; zero durations are not replaced by
// defaults. OptionsFromConfig fills them from the config package.
type Options struct {
	DataDir              string
	Shards               int
	SegmentDuration      int64
	FlushInterval        time.Duration
	FlushThreshold       int
	PendingFlushInterval time.Duration
	RawRetention         int64
	SealGrace            int64
	SafetyMargin         int64
	Tiers                []schema.Tier
}

// OptionsFromConfig materializes Options from the package config.
func OptionsFromConfig() (Options, error) {
	opts := Options{
		DataDir:        config.Keys.DataDir,
		Shards:         config.NumShards(),
		FlushThreshold: config.Keys.FlushThreshold,
	}

	var err error
	if opts.SegmentDuration, err = config.ParseDuration(config.Keys.SegmentDuration); err != nil {
		return opts, err
	}
	if opts.RawRetention, err = config.ParseDuration(config.Keys.RawRetention); err != nil {
		return opts, err
	}
	if opts.SealGrace, err = config.ParseDuration(config.Keys.SealGrace); err != nil {
		return opts, err
	}
	if opts.SafetyMargin, err = config.ParseDuration(config.Keys.SafetyMargin); err != nil {
		return opts, err
	}

	flushSecs, err := config.ParseDuration(config.Keys.FlushInterval)
	if err != nil {
		return opts, err
	}
	opts.FlushInterval = time.Duration(flushSecs) * time.Second

	pendingSecs, err := config.ParseDuration(config.Keys.PendingFlushInterval)
	if err != nil {
		return opts, err
	}
	opts.PendingFlushInterval = time.Duration(pendingSecs) * time.Second

	if opts.Tiers, err = config.Tiers(); err != nil {
		return opts, err
	}

	if config.Keys.Compression != "" && config.Keys.Compression != "zstd" {
		return opts, fmt.Errorf("%w: unsupported compression %q",
			schema.ErrConfig, config.Keys.Compression)
	}

	return opts, nil
}

// A Store is one opened timeless instance.
type Store struct {
	opts    Options
	reg     *registry.SeriesRegistry
	shards  []query.Shard
	engines []*rollup.Engine
	buffers []*builder.WriteBuffer
	planner *query.Planner

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Open opens or creates the store under opts.DataDir and starts the
// per-shard drain goroutines. WALs left by a crash are replayed before
// the store accepts traffic.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data-dir not set", schema.ErrConfig)
	}
	if opts.Shards <= 0 {
		return nil, fmt.Errorf("%w: shard count %d", schema.ErrConfig, opts.Shards)
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}

	if err := checkShardCount(opts.DataDir, opts.Shards); err != nil {
		return nil, err
	}

	reg, err := registry.Open(filepath.Join(opts.DataDir, "metadata.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{opts: opts, reg: reg}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < opts.Shards; i++ {
		st, recovered, err := shard.Open(opts.DataDir, i, opts.SegmentDuration, opts.Tiers)
		if err != nil {
			cancel()
			reg.Close()
			return nil, err
		}

		b := builder.New(st, opts.SegmentDuration, opts.SealGrace)
		b.Replay(recovered)

		engine := rollup.New(st, b, opts.Tiers, opts.SafetyMargin)

		wb := builder.NewWriteBuffer(b, opts.FlushInterval, opts.FlushThreshold, opts.PendingFlushInterval)
		wb.Start(&s.wg, ctx)

		s.shards = append(s.shards, query.Shard{Store: st, Builder: b})
		s.engines = append(s.engines, engine)
		s.buffers = append(s.buffers, wb)
	}

	s.planner = query.New(s.shards, opts.Tiers, reg, s.shardOf, opts.SegmentDuration)

	cclog.Infof("[STORE]> opened %s with %d shards, %d tiers, %d series",
		opts.DataDir, opts.Shards, len(opts.Tiers), reg.Count())
	return s, nil
}

// checkShardCount refuses to open an existing store with a different
// shard count: the series-to-shard mapping depends on it.
func checkShardCount(dataDir string, shards int) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return err
	}

	existing := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "shard_") {
			existing++
		}
	}
	if existing > 0 && existing != shards {
		return fmt.Errorf("%w: store has %d shards, configured %d",
			schema.ErrConfig, existing, shards)
	}
	return nil
}

func (s *Store) shardOf(seriesID int64) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(seriesID))
	return int(xxhash.Sum64(key[:]) % uint64(len(s.shards)))
}

// Tiers returns the store's tier schema.
func (s *Store) Tiers() []schema.Tier {
	return s.opts.Tiers
}

// Write validates and enqueues one sample. It never blocks: a full
// shard buffer surfaces ErrBackpressure for the caller to retry.
func (s *Store) Write(metric string, labels map[string]string, value float64, ts int64) error {
	if metric == "" || len(metric) > schema.MaxMetricNameLen {
		metrics.WritesRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: bad metric name", schema.ErrInvalidInput)
	}
	if math.IsNaN(value) {
		metrics.WritesRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: NaN value", schema.ErrInvalidInput)
	}
	if ts <= 0 {
		metrics.WritesRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: timestamp %d", schema.ErrInvalidInput, ts)
	}

	id, err := s.reg.GetOrCreate(metric, labels)
	if err != nil {
		return err
	}

	sh := s.shardOf(id)
	if s.shards[sh].Store.Paused() {
		metrics.WritesRejected.WithLabelValues("paused").Inc()
		return fmt.Errorf("%w: shard %d paused after I/O failure", schema.ErrBackpressure, sh)
	}

	if wm := s.shards[sh].Store.Watermark(0); ts < wm {
		s.engines[sh].NoteLate(id, ts)
	}

	if err := s.buffers[sh].Write(schema.Point{SeriesID: id, Ts: ts, Value: value}); err != nil {
		metrics.WritesRejected.WithLabelValues("backpressure").Inc()
		return err
	}

	metrics.WritesTotal.Inc()
	return nil
}

// A BatchPoint is one sample of a WriteBatch call.
type BatchPoint struct {
	Metric string
	Labels map[string]string
	Value  float64
	Ts     int64
}

// WriteBatch writes every point, continuing past failures. It returns
// how many points were accepted and how many failed.
func (s *Store) WriteBatch(points []BatchPoint) (ok, failed int) {
	for _, p := range points {
		if err := s.Write(p.Metric, p.Labels, p.Value, p.Ts); err != nil {
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

// QueryRange answers a bucketed range query; see the query package.
func (s *Store) QueryRange(ctx context.Context, metric string, matchers []*schema.Matcher,
	from, to, step int64, agg schema.Aggregate,
) ([]query.RangePoint, error) {
	res, err := s.planner.QueryRange(ctx, metric, matchers, from, to, step, agg)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// QueryInstant returns each matching series' latest value. A non-zero
// at bounds the answer to samples no newer than at.
func (s *Store) QueryInstant(ctx context.Context, metric string, matchers []*schema.Matcher, at int64) ([]query.InstantSample, error) {
	return s.planner.QueryInstant(ctx, metric, matchers, at)
}

func (s *Store) ListMetrics() ([]string, error) {
	return s.reg.ListMetrics()
}

func (s *Store) ListLabelValues(name string) []string {
	return s.reg.ListLabelValues(name)
}

func (s *Store) ListSeries(metric string) []map[string]string {
	return s.reg.ListSeries(metric)
}

// RunRollupPass rolls one tier forward on every shard.
func (s *Store) RunRollupPass(tier int, now int64) {
	for i, e := range s.engines {
		if err := e.RunPass(tier, now); err != nil {
			cclog.Errorf("[STORE]> rollup tier %s shard %d: %s",
				s.opts.Tiers[tier].Name, i, err.Error())
		}
	}
}

// RunRetentionPass applies the retention policy of raw data and every
// tier on all shards.
func (s *Store) RunRetentionPass(now int64) {
	for i, sh := range s.shards {
		if s.opts.RawRetention > 0 {
			n, err := sh.Store.RetainRaw(now - s.opts.RawRetention)
			if err != nil {
				cclog.Errorf("[STORE]> raw retention shard %d: %s", i, err.Error())
			} else if n > 0 {
				metrics.RetentionDeletes.WithLabelValues("segment").Add(float64(n))
			}
		}

		for t, tier := range s.opts.Tiers {
			if tier.Retention <= 0 {
				continue
			}
			n, err := sh.Store.Tier(t).Retain(now-tier.Retention, false)
			if err != nil {
				cclog.Errorf("[STORE]> tier %s retention shard %d: %s", tier.Name, i, err.Error())
			} else if n > 0 {
				metrics.RetentionDeletes.WithLabelValues("chunk").Add(float64(n))
			}
		}
	}
}

// RunSealPass seals windows that are past due even when no new points
// arrive for them.
func (s *Store) RunSealPass(now int64) {
	for i, sh := range s.shards {
		if err := sh.Builder.SealDue(now); err != nil {
			cclog.Errorf("[STORE]> seal shard %d: %s", i, err.Error())
			sh.Store.Pause()
		}
	}
}

// RunCompactionCheck compacts tier files whose dead space crossed the
// trigger fraction.
func (s *Store) RunCompactionCheck() {
	for i, sh := range s.shards {
		for t, tier := range s.opts.Tiers {
			ran, err := sh.Store.Tier(t).MaybeCompact()
			if err != nil {
				cclog.Errorf("[STORE]> compaction tier %s shard %d: %s", tier.Name, i, err.Error())
			} else if ran {
				cclog.Infof("[STORE]> compacted tier %s on shard %d", tier.Name, i)
			}
		}
	}
}

// Close stops the drain goroutines, checkpoints pending data to the
// WALs and releases every file.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()

	for _, sh := range s.shards {
		sh.Store.Close()
	}
	if err := s.reg.Close(); err != nil {
		cclog.Errorf("[STORE]> closing registry: %s", err.Error())
	}

	cclog.Infof("[STORE]> closed %s", s.opts.DataDir)
}
