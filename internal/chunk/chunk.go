// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chunk implements the tier chunk codec: a packed little-endian
// bucket payload compressed with zstd. The codec has no aggregation
// semantics; merging is bucket-level last-write-wins and the rollup
// engine is responsible for handing it correctly pre-computed buckets.
//
// Uncompressed payload layout:
//
//	resolution_seconds : u32
//	aggregate_mask     : u8   (bit i set <=> aggregate i present)
//	bucket_count       : u16
//	per bucket, ascending bucket_start:
//	  bucket_start : i64
//	  one f64 per set mask bit in order avg,min,max,count,sum,last
//	  (count is the i64 bit pattern stored in the f64 slot)
package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/awksedgreep/timeless/pkg/schema"
)

const headerLen = 4 + 1 + 2

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Encode packs the buckets into one compressed blob. Buckets must have
// unique bucket_start values; they are sorted ascending before packing.
func Encode(buckets []schema.Bucket, resolution int64, mask schema.AggregateMask) ([]byte, error) {
	if len(buckets) > math.MaxUint16 {
		return nil, fmt.Errorf("chunk: too many buckets: %d", len(buckets))
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })

	stride := 8 + 8*mask.Count()
	payload := make([]byte, headerLen+len(buckets)*stride)
	binary.LittleEndian.PutUint32(payload[0:], uint32(resolution))
	payload[4] = uint8(mask)
	binary.LittleEndian.PutUint16(payload[5:], uint16(len(buckets)))

	off := headerLen
	for i := range buckets {
		b := &buckets[i]
		binary.LittleEndian.PutUint64(payload[off:], uint64(b.Start))
		off += 8
		mask.ForEach(func(a schema.Aggregate) {
			var bits uint64
			if a == schema.AggCount {
				bits = uint64(b.Count)
			} else {
				bits = math.Float64bits(b.Value(a))
			}
			binary.LittleEndian.PutUint64(payload[off:], bits)
			off += 8
		})
	}

	return zstdEnc.EncodeAll(payload, make([]byte, 0, len(payload)/4)), nil
}

// Decode unpacks a blob produced by Encode. The returned buckets are in
// ascending bucket_start order.
func Decode(blob []byte) ([]schema.Bucket, int64, schema.AggregateMask, error) {
	payload, err := zstdDec.DecodeAll(blob, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %s", schema.ErrCorruptChunk, err.Error())
	}

	if len(payload) < headerLen {
		return nil, 0, 0, fmt.Errorf("%w: truncated header", schema.ErrCorruptChunk)
	}

	resolution := int64(binary.LittleEndian.Uint32(payload[0:]))
	mask := schema.AggregateMask(payload[4])
	count := int(binary.LittleEndian.Uint16(payload[5:]))

	stride := 8 + 8*mask.Count()
	if len(payload) != headerLen+count*stride {
		return nil, 0, 0, fmt.Errorf("%w: payload length %d does not match %d buckets",
			schema.ErrCorruptChunk, len(payload), count)
	}

	buckets := make([]schema.Bucket, count)
	off := headerLen
	for i := range buckets {
		b := &buckets[i]
		b.Start = int64(binary.LittleEndian.Uint64(payload[off:]))
		off += 8
		mask.ForEach(func(a schema.Aggregate) {
			bits := binary.LittleEndian.Uint64(payload[off:])
			off += 8
			switch a {
			case schema.AggAvg:
				b.Avg = math.Float64frombits(bits)
			case schema.AggMin:
				b.Min = math.Float64frombits(bits)
			case schema.AggMax:
				b.Max = math.Float64frombits(bits)
			case schema.AggCount:
				b.Count = int64(bits)
			case schema.AggSum:
				b.Sum = math.Float64frombits(bits)
			case schema.AggLast:
				b.Last = math.Float64frombits(bits)
			}
		})
	}

	return buckets, resolution, mask, nil
}

// Merge combines newBuckets into an existing encoded chunk. Buckets
// with coinciding bucket_start are replaced by the new one; the result
// is re-encoded with the existing chunk's resolution and mask. A nil
// existing blob encodes newBuckets alone.
func Merge(existing []byte, newBuckets []schema.Bucket, resolution int64, mask schema.AggregateMask) ([]byte, error) {
	if len(existing) == 0 {
		return Encode(newBuckets, resolution, mask)
	}

	old, res, m, err := Decode(existing)
	if err != nil {
		return nil, err
	}

	merged := make(map[int64]schema.Bucket, len(old)+len(newBuckets))
	for _, b := range old {
		merged[b.Start] = b
	}
	for _, b := range newBuckets {
		merged[b.Start] = b
	}

	out := make([]schema.Bucket, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}

	return Encode(out, res, m)
}
