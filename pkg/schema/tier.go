// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import "fmt"

// A Tier is one rollup level: a fixed resolution, the set of aggregates
// kept per bucket, the chunking granularity and a retention horizon.
// Tiers are configured coarsest-last; tier 0 sources raw data, every
// later tier sources the tier before it.
type Tier struct {
	Name string

	// Bucket width in seconds.
	Resolution int64

	// Width of one chunk in seconds; a multiple of Resolution.
	ChunkSeconds int64

	Aggregates AggregateMask

	// Retention horizon in seconds; 0 means keep forever.
	Retention int64
}

func (t *Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier without name")
	}
	if t.Resolution <= 0 {
		return fmt.Errorf("tier %s: invalid resolution %d", t.Name, t.Resolution)
	}
	if t.ChunkSeconds <= 0 || t.ChunkSeconds%t.Resolution != 0 {
		return fmt.Errorf("tier %s: chunk size %d not a multiple of resolution %d",
			t.Name, t.ChunkSeconds, t.Resolution)
	}
	if t.Aggregates == 0 {
		return fmt.Errorf("tier %s: empty aggregate set", t.Name)
	}
	if t.Retention < 0 {
		return fmt.Errorf("tier %s: negative retention", t.Name)
	}
	return nil
}

// BucketStart aligns ts down to the tier's resolution.
func (t *Tier) BucketStart(ts int64) int64 {
	return ts - ts%t.Resolution
}

// ChunkStart aligns ts down to the tier's chunk granularity.
func (t *Tier) ChunkStart(ts int64) int64 {
	return ts - ts%t.ChunkSeconds
}

func (t *Tier) BucketsPerChunk() int {
	return int(t.ChunkSeconds / t.Resolution)
}

// DefaultTiers is the schema used when the configuration does not
// provide one: hourly for 90 days, daily for two years, monthly forever.
func DefaultTiers() []Tier {
	return []Tier{
		{
			Name:         "hourly",
			Resolution:   3600,
			ChunkSeconds: 24 * 3600,
			Aggregates:   AllAggregates,
			Retention:    90 * 24 * 3600,
		},
		{
			Name:         "daily",
			Resolution:   24 * 3600,
			ChunkSeconds: 30 * 24 * 3600,
			Aggregates:   AllAggregates,
			Retention:    2 * 365 * 24 * 3600,
		},
		{
			Name:         "monthly",
			Resolution:   30 * 24 * 3600,
			ChunkSeconds: 12 * 30 * 24 * 3600,
			Aggregates:   AllAggregates,
			Retention:    0,
		},
	}
}
