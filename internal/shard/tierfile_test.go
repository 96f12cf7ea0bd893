// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awksedgreep/timeless/internal/chunk"
	"github.com/awksedgreep/timeless/pkg/schema"
)

func hourlyTier() schema.Tier {
	return schema.Tier{
		Name: "hourly", Resolution: 3600, ChunkSeconds: 24 * 3600,
		Aggregates: schema.AllAggregates, Retention: 90 * 24 * 3600,
	}
}

func encodeBuckets(t *testing.T, buckets []schema.Bucket) []byte {
	t.Helper()
	blob, err := chunk.Encode(buckets, 3600, schema.AllAggregates)
	require.NoError(t, err)
	return blob
}

func TestTierFileWriteRead(t *testing.T) {
	tf, err := openTierFile(t.TempDir(), hourlyTier())
	require.NoError(t, err)
	defer tf.Close()

	chunkStart := int64(1699920000) // midnight-aligned
	blob := encodeBuckets(t, []schema.Bucket{{Start: chunkStart, Count: 1, Sum: 5, Avg: 5, Min: 5, Max: 5, Last: 5}})
	require.NoError(t, tf.WriteChunk(42, chunkStart, blob))

	got, err := tf.ReadChunk(42, chunkStart)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	// Missing chunks yield nil without error.
	got, err = tf.ReadChunk(42, chunkStart+24*3600)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTierFileUpdateCreatesDeadSpace(t *testing.T) {
	tf, err := openTierFile(t.TempDir(), hourlyTier())
	require.NoError(t, err)
	defer tf.Close()

	chunkStart := int64(1699920000)
	first := encodeBuckets(t, []schema.Bucket{{Start: chunkStart, Count: 1, Sum: 1, Avg: 1, Min: 1, Max: 1, Last: 1}})
	require.NoError(t, tf.WriteChunk(1, chunkStart, first))
	require.Zero(t, tf.DeadFraction())

	second := encodeBuckets(t, []schema.Bucket{{Start: chunkStart, Count: 2, Sum: 4, Avg: 2, Min: 1, Max: 3, Last: 3}})
	require.NoError(t, tf.WriteChunk(1, chunkStart, second))
	require.Greater(t, tf.DeadFraction(), 0.0)

	got, err := tf.ReadChunk(1, chunkStart)
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestTierFilePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	tf, err := openTierFile(dir, hourlyTier())
	require.NoError(t, err)

	chunkStart := int64(1699920000)
	blob := encodeBuckets(t, []schema.Bucket{{Start: chunkStart, Count: 1, Sum: 9, Avg: 9, Min: 9, Max: 9, Last: 9}})
	require.NoError(t, tf.WriteChunk(5, chunkStart, blob))
	tf.Close()

	tf2, err := openTierFile(dir, hourlyTier())
	require.NoError(t, err)
	defer tf2.Close()

	got, err := tf2.ReadChunk(5, chunkStart)
	require.NoError(t, err)
	require.Equal(t, blob, got)
}

func TestTierFileRetainAndCompact(t *testing.T) {
	tf, err := openTierFile(t.TempDir(), hourlyTier())
	require.NoError(t, err)
	defer tf.Close()

	day := int64(24 * 3600)
	base := int64(1699920000)
	for i := int64(0); i < 4; i++ {
		cs := base + i*day
		blob := encodeBuckets(t, []schema.Bucket{{Start: cs, Count: 1, Sum: float64(i), Avg: float64(i), Min: float64(i), Max: float64(i), Last: float64(i)}})
		require.NoError(t, tf.WriteChunk(1, cs, blob))
	}

	// Cutoff after the second chunk's end drops the first two; more
	// than 30% dead triggers a compaction right away.
	dropped, err := tf.Retain(base+2*day, false)
	require.NoError(t, err)
	require.Equal(t, 2, dropped)
	require.Zero(t, tf.DeadFraction())

	got, err := tf.ReadChunk(1, base)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = tf.ReadChunk(1, base+2*day)
	require.NoError(t, err)
	require.NotNil(t, got)

	// A chunk straddling the cutoff is preserved whole.
	dropped, err = tf.Retain(base+2*day+60, false)
	require.NoError(t, err)
	require.Zero(t, dropped)
}

func TestTierFileEntriesOverlapping(t *testing.T) {
	tf, err := openTierFile(t.TempDir(), hourlyTier())
	require.NoError(t, err)
	defer tf.Close()

	day := int64(24 * 3600)
	base := int64(1699920000)
	for i := int64(0); i < 3; i++ {
		cs := base + i*day
		require.NoError(t, tf.WriteChunk(1, cs, encodeBuckets(t, []schema.Bucket{{Start: cs, Count: 1}})))
	}
	require.NoError(t, tf.WriteChunk(2, base, encodeBuckets(t, []schema.Bucket{{Start: base, Count: 1}})))

	entries := tf.EntriesOverlapping(1, base+day, base+2*day)
	require.Len(t, entries, 1)
	require.Equal(t, base+day, entries[0].ChunkStart)

	all := tf.AllOverlapping(base, base+3*day)
	require.Len(t, all[1], 3)
	require.Len(t, all[2], 1)

	oldest, ok := tf.OldestChunkStart()
	require.True(t, ok)
	require.Equal(t, base, oldest)

	newest, ok := tf.NewestChunkEnd(1)
	require.True(t, ok)
	require.Equal(t, base+3*day, newest)
}

func TestTierFileGenerationBumps(t *testing.T) {
	tf, err := openTierFile(t.TempDir(), hourlyTier())
	require.NoError(t, err)
	defer tf.Close()

	g0 := tf.Generation()
	require.NoError(t, tf.WriteChunk(1, 1699920000, encodeBuckets(t, []schema.Bucket{{Start: 1699920000, Count: 1}})))
	require.Greater(t, tf.Generation(), g0)
}
