// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package query

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awksedgreep/timeless/internal/builder"
	"github.com/awksedgreep/timeless/internal/registry"
	"github.com/awksedgreep/timeless/internal/rollup"
	"github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/pkg/schema"
)

const (
	testWindow = int64(14400)
	testMargin = int64(120)
)

func testTiers() []schema.Tier {
	return []schema.Tier{
		{Name: "hourly", Resolution: 3600, ChunkSeconds: 24 * 3600, Aggregates: schema.AllAggregates, Retention: 90 * 24 * 3600},
	}
}

type harness struct {
	planner *Planner
	reg     *registry.SeriesRegistry
	builder *builder.Builder
	store   *shard.Store
	engine  *rollup.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, recovered, err := shard.Open(dir, 0, testWindow, testTiers())
	require.NoError(t, err)
	t.Cleanup(st.Close)

	reg, err := registry.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	b := builder.New(st, testWindow, 60)
	b.Replay(recovered)

	h := &harness{
		reg:     reg,
		builder: b,
		store:   st,
		engine:  rollup.New(st, b, testTiers(), testMargin),
	}
	h.planner = New([]Shard{{Store: st, Builder: b}}, testTiers(), reg, func(int64) int { return 0 }, testWindow)
	return h
}

func (h *harness) write(t *testing.T, metric string, labels map[string]string, value float64, ts int64) {
	t.Helper()
	id, err := h.reg.GetOrCreate(metric, labels)
	require.NoError(t, err)
	require.NoError(t, h.builder.Add([]schema.Point{{SeriesID: id, Ts: ts, Value: value}}, ts))
}

func TestBasicRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.write(t, "cpu", map[string]string{"host": "a"}, 10.0, 1700000000)
	h.write(t, "cpu", map[string]string{"host": "a"}, 20.0, 1700000060)

	got, err := h.planner.QueryRange(context.Background(), "cpu",
		[]*schema.Matcher{schema.MustMatcher("host", schema.MatchEqual, "a")},
		1700000000, 1700000120, 60, schema.AggAvg)
	require.NoError(t, err)

	require.Equal(t, []RangePoint{
		{Start: 1700000000, Value: 10.0},
		{Start: 1700000060, Value: 20.0},
	}, got)
}

func TestQueryAggregators(t *testing.T) {
	h := newHarness(t)

	base := int64(1700000000)
	for i, v := range []float64{4.0, -2.0, 10.0} {
		h.write(t, "cpu", map[string]string{"host": "a"}, v, base+int64(i))
	}

	cases := []struct {
		agg  schema.Aggregate
		want float64
	}{
		{schema.AggAvg, 4.0},
		{schema.AggMin, -2.0},
		{schema.AggMax, 10.0},
		{schema.AggCount, 3.0},
		{schema.AggSum, 12.0},
		{schema.AggLast, 10.0},
	}
	for _, tc := range cases {
		t.Run(tc.agg.String(), func(t *testing.T) {
			got, err := h.planner.QueryRange(context.Background(), "cpu", nil,
				base, base+60, 60, tc.agg)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.InDelta(t, tc.want, float64(got[0].Value), 1e-9)
		})
	}
}

func TestQueryAcrossSeries(t *testing.T) {
	h := newHarness(t)

	base := int64(1700000000)
	h.write(t, "cpu", map[string]string{"host": "a"}, 10.0, base)
	h.write(t, "cpu", map[string]string{"host": "b"}, 30.0, base)

	got, err := h.planner.QueryRange(context.Background(), "cpu", nil, base, base+60, 60, schema.AggAvg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 20.0, float64(got[0].Value), 1e-9)

	got, err = h.planner.QueryRange(context.Background(), "cpu", nil, base, base+60, 60, schema.AggSum)
	require.NoError(t, err)
	require.InDelta(t, 40.0, float64(got[0].Value), 1e-9)
}

func TestQueryUsesTierAndStitchesRaw(t *testing.T) {
	h := newHarness(t)

	// One hour of history that gets rolled up, then fresh samples
	// past the watermark.
	base := int64(1700000000) - int64(1700000000)%3600
	for i := int64(0); i < 60; i++ {
		h.write(t, "cpu", map[string]string{"host": "a"}, 50.0, base+i*60)
	}
	require.NoError(t, h.engine.RunPass(0, base+2*3600+testMargin))
	require.GreaterOrEqual(t, h.store.Watermark(0), base+3600)

	wm := h.store.Watermark(0)
	h.write(t, "cpu", map[string]string{"host": "a"}, 80.0, wm+10)

	got, err := h.planner.QueryRange(context.Background(), "cpu", nil,
		base, wm+3600, 3600, schema.AggAvg)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	// The first bucket comes from the hourly tier, the stitched tail
	// from raw.
	require.Equal(t, base, got[0].Start)
	require.InDelta(t, 50.0, float64(got[0].Value), 1e-9)
	require.InDelta(t, 80.0, float64(got[len(got)-1].Value), 1e-9)
}

func TestQueryAfterRawRetention(t *testing.T) {
	h := newHarness(t)

	base := int64(1700000000) - int64(1700000000)%3600
	h.write(t, "cpu", map[string]string{"host": "a"}, 42.0, base+10)

	// Roll up, seal and drop the raw window.
	require.NoError(t, h.engine.RunPass(0, base+2*3600+testMargin))
	require.NoError(t, h.builder.SealDue(base+2*testWindow))
	_, err := h.store.RetainRaw(base + 2*testWindow)
	require.NoError(t, err)

	// Raw query (step below the hourly resolution) finds nothing.
	got, err := h.planner.QueryRange(context.Background(), "cpu", nil, base, base+3600, 60, schema.AggLast)
	require.NoError(t, err)
	require.Empty(t, got)

	// The hourly tier still answers.
	got, err = h.planner.QueryRange(context.Background(), "cpu", nil, base, base+3600, 3600, schema.AggLast)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 42.0, float64(got[0].Value), 1e-9)
}

func TestQueryStepReaggregation(t *testing.T) {
	h := newHarness(t)

	base := int64(1700000000) - int64(1700000000)%7200
	// Two hourly buckets worth of raw data.
	h.write(t, "cpu", map[string]string{"host": "a"}, 10.0, base+100)
	h.write(t, "cpu", map[string]string{"host": "a"}, 30.0, base+3700)

	require.NoError(t, h.engine.RunPass(0, base+3*3600+testMargin))

	// step = 2h re-aggregates the two hourly buckets with the avg
	// combiner: (10+30)/2.
	got, err := h.planner.QueryRange(context.Background(), "cpu", nil, base, base+7200, 7200, schema.AggAvg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 20.0, float64(got[0].Value), 1e-9)
}

func TestQueryInvalidRange(t *testing.T) {
	h := newHarness(t)

	_, err := h.planner.QueryRange(context.Background(), "cpu", nil, 100, 100, 60, schema.AggAvg)
	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ErrInvalidInput))

	_, err = h.planner.QueryRange(context.Background(), "cpu", nil, 100, 200, 0, schema.AggAvg)
	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ErrInvalidInput))
}

func TestQueryUnknownMetricIsEmpty(t *testing.T) {
	h := newHarness(t)

	got, err := h.planner.QueryRange(context.Background(), "nope", nil, 100, 200, 60, schema.AggAvg)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueryDeadline(t *testing.T) {
	h := newHarness(t)
	h.write(t, "cpu", map[string]string{"host": "a"}, 1.0, 1700000000)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := h.planner.QueryRange(ctx, "cpu", nil, 1700000000, 1700000060, 60, schema.AggAvg)
	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ErrTimeout))
}

func TestQueryInstant(t *testing.T) {
	h := newHarness(t)

	h.write(t, "cpu", map[string]string{"host": "a"}, 10.0, 1700000000)
	h.write(t, "cpu", map[string]string{"host": "a"}, 20.0, 1700000060)
	h.write(t, "cpu", map[string]string{"host": "b"}, 5.0, 1700000030)

	got, err := h.planner.QueryInstant(context.Background(), "cpu", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, int64(1700000060), got[0].Ts)
	require.Equal(t, 20.0, got[0].Value)
	require.Equal(t, "a", got[0].Labels["host"])
	require.Equal(t, 5.0, got[1].Value)
}

func TestQueryInstantAt(t *testing.T) {
	h := newHarness(t)

	h.write(t, "cpu", map[string]string{"host": "a"}, 10.0, 1700000000)
	h.write(t, "cpu", map[string]string{"host": "a"}, 20.0, 1700000060)

	got, err := h.planner.QueryInstant(context.Background(), "cpu", nil, 1700000030)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(1700000000), got[0].Ts)
	require.Equal(t, 10.0, got[0].Value)

	// An at before any data yields no sample for the series.
	got, err = h.planner.QueryInstant(context.Background(), "cpu", nil, 1600000000)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueryInstantFromSealed(t *testing.T) {
	h := newHarness(t)

	base := int64(1700000000)
	h.write(t, "cpu", map[string]string{"host": "a"}, 7.0, base)
	require.NoError(t, h.builder.SealDue(base+testWindow+3600))

	got, err := h.planner.QueryInstant(context.Background(), "cpu", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 7.0, got[0].Value)
}
