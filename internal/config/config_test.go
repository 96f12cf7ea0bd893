// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awksedgreep/timeless/pkg/schema"
)

func TestInitLoadsConfig(t *testing.T) {
	raw := `{
		"data-dir": "/tmp/timeless-test",
		"shards": 2,
		"segment-duration": "4h",
		"flush-threshold": 500,
		"schema": [
			{ "name": "hourly", "resolution": "1h", "retention": "2160h" },
			{ "name": "daily", "resolution": "24h", "chunk-size": "720h", "aggregates": ["avg", "last"], "retention": "forever" }
		]
	}`

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	prev := Keys
	t.Cleanup(func() { Keys = prev })

	Init(path)
	require.Equal(t, "/tmp/timeless-test", Keys.DataDir)
	require.Equal(t, 2, Keys.Shards)
	require.Equal(t, 2, NumShards())
	require.Equal(t, 500, Keys.FlushThreshold)

	tiers, err := Tiers()
	require.NoError(t, err)
	require.Len(t, tiers, 2)

	require.Equal(t, int64(3600), tiers[0].Resolution)
	require.Equal(t, int64(24*3600), tiers[0].ChunkSeconds) // default 24x
	require.Equal(t, schema.AllAggregates, tiers[0].Aggregates)
	require.Equal(t, int64(90*24*3600), tiers[0].Retention)

	require.Equal(t, int64(24*3600), tiers[1].Resolution)
	require.Equal(t, int64(30*24*3600), tiers[1].ChunkSeconds)
	require.Equal(t, schema.MaskOf(schema.AggAvg, schema.AggLast), tiers[1].Aggregates)
	require.Zero(t, tiers[1].Retention)
}

func TestDefaultTiersWhenUnconfigured(t *testing.T) {
	prev := Keys
	t.Cleanup(func() { Keys = prev })
	Keys.Schema = nil

	tiers, err := Tiers()
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	require.Equal(t, "hourly", tiers[0].Name)
	require.Equal(t, "monthly", tiers[2].Name)
}

func TestTiersRejectBadSchema(t *testing.T) {
	prev := Keys
	t.Cleanup(func() { Keys = prev })

	Keys.Schema = []TierConfig{{Name: "broken", Resolution: "nope"}}
	_, err := Tiers()
	require.Error(t, err)

	// Finer after coarser violates the coarsest-last ordering.
	Keys.Schema = []TierConfig{
		{Name: "daily", Resolution: "24h"},
		{Name: "hourly", Resolution: "1h"},
	}
	_, err = Tiers()
	require.Error(t, err)

	Keys.Schema = []TierConfig{{Name: "odd", Resolution: "1h", ChunkSize: "90m"}}
	_, err = Tiers()
	require.Error(t, err)

	Keys.Schema = []TierConfig{{Name: "bad-agg", Resolution: "1h", Aggregates: []string{"p99"}}}
	_, err = Tiers()
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	secs, err := ParseDuration("90m")
	require.NoError(t, err)
	require.Equal(t, int64(5400), secs)

	secs, err = ParseDuration("forever")
	require.NoError(t, err)
	require.Zero(t, secs)

	secs, err = ParseDuration("")
	require.NoError(t, err)
	require.Zero(t, secs)

	_, err = ParseDuration("one hour")
	require.Error(t, err)
}
