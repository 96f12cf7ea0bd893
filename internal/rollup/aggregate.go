// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rollup

import "github.com/awksedgreep/timeless/pkg/schema"

// BucketOfSamples computes the full aggregate set over samples falling
// into the bucket starting at start. Samples must be sorted by
// timestamp ascending so that "last" is the latest written value.
func BucketOfSamples(start int64, samples []schema.Sample) schema.Bucket {
	b := schema.Bucket{Start: start}
	for i, smp := range samples {
		if i == 0 {
			b.Min, b.Max = smp.Value, smp.Value
		} else {
			if smp.Value < b.Min {
				b.Min = smp.Value
			}
			if smp.Value > b.Max {
				b.Max = smp.Value
			}
		}
		b.Sum += smp.Value
		b.Count++
		b.Last = smp.Value
	}
	if b.Count > 0 {
		b.Avg = b.Sum / float64(b.Count)
	}
	return b
}

// CombineInto folds a finer source bucket into a coarser accumulator
// using the mathematically correct combiner per aggregate: sum, min,
// max combine pointwise, count sums, avg is recomputed as sum/count,
// last takes the latest contributing bucket's last. Sources must be
// folded in ascending bucket_start order.
func CombineInto(acc *schema.Bucket, src schema.Bucket) {
	if acc.Count == 0 {
		start := acc.Start
		*acc = src
		acc.Start = start
		return
	}

	if src.Min < acc.Min {
		acc.Min = src.Min
	}
	if src.Max > acc.Max {
		acc.Max = src.Max
	}
	acc.Sum += src.Sum
	acc.Count += src.Count
	acc.Last = src.Last
	if acc.Count > 0 {
		acc.Avg = acc.Sum / float64(acc.Count)
	}
}

// BucketsFromSamples buckets a sorted sample stream onto a grid of the
// given resolution anchored at multiples of it, returning the buckets
// in ascending order.
func BucketsFromSamples(samples []schema.Sample, resolution int64) []schema.Bucket {
	if len(samples) == 0 {
		return nil
	}

	var out []schema.Bucket
	runStart := 0
	curBucket := samples[0].Ts - samples[0].Ts%resolution
	for i := 1; i <= len(samples); i++ {
		if i < len(samples) {
			bs := samples[i].Ts - samples[i].Ts%resolution
			if bs == curBucket {
				continue
			}
		}
		out = append(out, BucketOfSamples(curBucket, samples[runStart:i]))
		if i < len(samples) {
			runStart = i
			curBucket = samples[i].Ts - samples[i].Ts%resolution
		}
	}
	return out
}
