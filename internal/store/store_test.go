// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awksedgreep/timeless/pkg/schema"
)

func testOptions(dir string, shards int) Options {
	return Options{
		DataDir:              dir,
		Shards:               shards,
		SegmentDuration:      14400,
		FlushInterval:        5 * time.Millisecond,
		FlushThreshold:       1000,
		PendingFlushInterval: time.Hour, // checkpoints driven by tests
		RawRetention:         7 * 24 * 3600,
		SealGrace:            60,
		SafetyMargin:         120,
		Tiers: []schema.Tier{
			{Name: "hourly", Resolution: 3600, ChunkSeconds: 24 * 3600, Aggregates: schema.AllAggregates, Retention: 90 * 24 * 3600},
		},
	}
}

func openTestStore(t *testing.T, dir string, shards int) *Store {
	t.Helper()
	st, err := Open(testOptions(dir, shards))
	require.NoError(t, err)
	return st
}

// waitDrained waits until the write buffers handed everything to the
// builders.
func waitDrained(t *testing.T, st *Store, points int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return st.Info().PointsEstimate >= points
	}, 5*time.Second, time.Millisecond)
}

func TestWriteAndQueryRoundTrip(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)
	defer st.Close()

	require.NoError(t, st.Write("cpu", map[string]string{"host": "a"}, 10.0, 1700000000))
	require.NoError(t, st.Write("cpu", map[string]string{"host": "a"}, 20.0, 1700000060))
	waitDrained(t, st, 2)

	got, err := st.QueryRange(context.Background(), "cpu",
		[]*schema.Matcher{schema.MustMatcher("host", schema.MatchEqual, "a")},
		1700000000, 1700000120, 60, schema.AggAvg)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1700000000), got[0].Start)
	require.InDelta(t, 10.0, float64(got[0].Value), 1e-9)
	require.InDelta(t, 20.0, float64(got[1].Value), 1e-9)
}

func TestWriteValidation(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)
	defer st.Close()

	err := st.Write("", map[string]string{}, 1.0, 1700000000)
	require.True(t, errors.Is(err, schema.ErrInvalidInput))

	err = st.Write("cpu", nil, nan(), 1700000000)
	require.True(t, errors.Is(err, schema.ErrInvalidInput))

	err = st.Write("cpu", nil, 1.0, 0)
	require.True(t, errors.Is(err, schema.ErrInvalidInput))

	err = st.Write("cpu", nil, 1.0, -5)
	require.True(t, errors.Is(err, schema.ErrInvalidInput))
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestWriteBatchPartialFailure(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)
	defer st.Close()

	ok, failed := st.WriteBatch([]BatchPoint{
		{Metric: "cpu", Labels: map[string]string{"host": "a"}, Value: 1.0, Ts: 1700000000},
		{Metric: "", Value: 2.0, Ts: 1700000060},
		{Metric: "cpu", Labels: map[string]string{"host": "b"}, Value: 3.0, Ts: 1700000120},
	})
	require.Equal(t, 2, ok)
	require.Equal(t, 1, failed)
}

func TestRollupEndToEnd(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)
	defer st.Close()

	base := int64(1700000000) - int64(1700000000)%3600
	points := make([]BatchPoint, 0, 3600)
	for i := int64(0); i < 3600; i++ {
		ts := base + i
		points = append(points, BatchPoint{
			Metric: "cpu",
			Labels: map[string]string{"host": "a"},
			Value:  float64(ts % 100),
			Ts:     ts,
		})
	}
	ok, failed := st.WriteBatch(points)
	require.Equal(t, 3600, ok)
	require.Zero(t, failed)
	waitDrained(t, st, 3600)

	st.RunRollupPass(0, base+2*3600+120)

	got, err := st.QueryRange(context.Background(), "cpu", nil, base, base+3600, 3600, schema.AggAvg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 49.5, float64(got[0].Value), 1e-6)

	info := st.Info()
	require.GreaterOrEqual(t, info.TierWatermarks["hourly"][0], base+3600)
}

func TestCrashRecoveryViaWAL(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir, 1)

	base := time.Now().Unix()
	for i := int64(0); i < 100; i++ {
		require.NoError(t, st.Write("cpu", map[string]string{"host": "a"}, float64(i), base+i))
	}
	waitDrained(t, st, 100)

	// Close checkpoints the open windows to the WALs without sealing;
	// reopening replays them like after a crash.
	st.Close()

	st2 := openTestStore(t, dir, 1)
	defer st2.Close()

	got, err := st2.QueryRange(context.Background(), "cpu", nil, base, base+100, 1, schema.AggLast)
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i, p := range got {
		require.InDelta(t, float64(i), float64(p.Value), 1e-9)
	}
}

func TestSeriesIDsStableAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir, 1)
	require.NoError(t, st.Write("cpu", map[string]string{"host": "a"}, 1.0, 1700000000))
	waitDrained(t, st, 1)
	st.Close()

	st2 := openTestStore(t, dir, 1)
	defer st2.Close()

	require.NoError(t, st2.Write("cpu", map[string]string{"host": "a"}, 2.0, 1700000060))
	waitDrained(t, st2, 2)

	res, err := st2.QueryInstant(context.Background(), "cpu", nil, 0)
	require.NoError(t, err)
	require.Len(t, res, 1, "both writes must land on one series")
	require.Equal(t, 2.0, res[0].Value)
}

func TestSharding(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir, 4)
	defer st.Close()

	base := int64(1700000000)
	for i := 0; i < 200; i++ {
		labels := map[string]string{"host": fmt.Sprintf("host%d", i)}
		require.NoError(t, st.Write("cpu", labels, 1.0, base))
	}
	waitDrained(t, st, 200)
	st.RunSealPass(base + 2*14400)

	// Every shard directory exists and info reports a non-zero total size.
	info := st.Info()
	require.Len(t, info.StorageBytesByShard, 4)

	var total int64
	for i, size := range info.StorageBytesByShard {
		dirPath := filepath.Join(dir, fmt.Sprintf("shard_%d", i))
		require.DirExists(t, dirPath)
		total += size
	}
	require.Greater(t, total, int64(0))
	require.Equal(t, 200, info.SeriesCount)
}

func TestShardCountChangeRefused(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir, 2)
	st.Close()

	_, err := Open(testOptions(dir, 4))
	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ErrConfig))
}

func TestRetentionEndToEnd(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)
	defer st.Close()

	base := int64(1700000000) - int64(1700000000)%3600
	require.NoError(t, st.Write("cpu", map[string]string{"host": "a"}, 42.0, base+10))
	waitDrained(t, st, 1)

	st.RunRollupPass(0, base+2*3600+120)
	st.RunSealPass(base + 2*14400)

	// Advance time past the raw retention and run a retention pass.
	now := base + 8*24*3600
	st.RunRetentionPass(now)

	// Raw is gone...
	got, err := st.QueryRange(context.Background(), "cpu", nil, base, base+3600, 60, schema.AggLast)
	require.NoError(t, err)
	require.Empty(t, got)

	// ...the hourly rollup still answers.
	got, err = st.QueryRange(context.Background(), "cpu", nil, base, base+3600, 3600, schema.AggLast)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 42.0, float64(got[0].Value), 1e-9)
}

func TestInfo(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 2)
	defer st.Close()

	require.NoError(t, st.Write("cpu", map[string]string{"host": "a"}, 1.0, 1700000000))
	require.NoError(t, st.Write("mem", map[string]string{"host": "a"}, 2.0, 1700000000))
	waitDrained(t, st, 2)

	info := st.Info()
	require.Equal(t, 2, info.SeriesCount)
	require.Equal(t, int64(2), info.PointsEstimate)
	require.Len(t, info.StorageBytesByShard, 2)
	require.Contains(t, info.TierWatermarks, "hourly")
	require.Zero(t, info.CorruptSegments)
	require.Empty(t, info.PausedShards)

	metrics, err := st.ListMetrics()
	require.NoError(t, err)
	require.Equal(t, []string{"cpu", "mem"}, metrics)
	require.Equal(t, []string{"a"}, st.ListLabelValues("host"))
	require.Len(t, st.ListSeries("cpu"), 1)
}

func TestOpenRejectsBadOptions(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)

	opts := testOptions(t.TempDir(), 0)
	_, err = Open(opts)
	require.Error(t, err)

	// Unwritable data dir surfaces an IO error.
	if os.Geteuid() != 0 {
		opts = testOptions("/proc/timeless-nope", 1)
		_, err = Open(opts)
		require.Error(t, err)
	}
}
