// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"github.com/awksedgreep/timeless/internal/util"
)

// Info is the operational snapshot surfaced to embedders and the
// transport layer.
type Info struct {
	SeriesCount    int   `json:"series-count"`
	PointsEstimate int64 `json:"points-estimate"`

	// On-disk bytes per shard directory, summed over segments, tier
	// chunk files, indexes, WAL and watermarks.
	StorageBytesByShard []int64 `json:"storage-bytes-by-shard"`

	// Watermarks per tier name, one value per shard.
	TierWatermarks map[string][]int64 `json:"tier-watermarks"`

	CorruptSegments int64 `json:"corrupt-segments"`
	CorruptChunks   int64 `json:"corrupt-chunks"`

	PausedShards []int `json:"paused-shards,omitempty"`
}

// Info collects the current store statistics. The points estimate
// counts sealed index entries plus pending in-memory samples.
func (s *Store) Info() Info {
	info := Info{
		SeriesCount:         s.reg.Count(),
		StorageBytesByShard: make([]int64, len(s.shards)),
		TierWatermarks:      make(map[string][]int64, len(s.opts.Tiers)),
	}

	for t, tier := range s.opts.Tiers {
		wms := make([]int64, len(s.shards))
		for i, sh := range s.shards {
			wms[i] = sh.Store.Watermark(t)
		}
		info.TierWatermarks[tier.Name] = wms
	}

	for i, sh := range s.shards {
		info.StorageBytesByShard[i] = util.DiskUsage(sh.Store.Dir())
		info.PointsEstimate += sh.Store.PointsEstimate() + sh.Builder.PendingPoints()

		segs, chunks := sh.Store.CorruptionCounts()
		info.CorruptSegments += segs
		info.CorruptChunks += chunks

		if sh.Store.Paused() {
			info.PausedShards = append(info.PausedShards, i)
		}
	}

	return info
}
