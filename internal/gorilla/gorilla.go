// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gorilla compresses (timestamp, value) streams with
// delta-of-delta timestamps and XOR'd float values, following the
// Facebook Gorilla paper. The stream layout is:
//
//	sample count      : uvarint
//	first timestamp   : varint
//	first value       : 64 bits raw
//	per further sample:
//	  timestamp delta-of-delta, two's complement, in 1/9/12/16/68-bit classes
//	  value XOR with control bits for (leading, meaningful) windows
//
// Timestamps must be fed in non-decreasing order; the segment builder
// sorts before compressing.
package gorilla

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/awksedgreep/timeless/pkg/schema"
)

// Compress encodes the samples into a gorilla stream. Samples must be
// sorted by timestamp ascending.
func Compress(samples []schema.Sample) []byte {
	w := newBWriter(len(samples)*2 + 16)

	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(samples)))
	for _, b := range buf[:n] {
		w.writeByte(b)
	}

	if len(samples) == 0 {
		return w.bytes()
	}

	first := samples[0]
	n = binary.PutVarint(buf[:], first.Ts)
	for _, b := range buf[:n] {
		w.writeByte(b)
	}
	w.writeBits(math.Float64bits(first.Value), 64)

	var (
		prevTs      = first.Ts
		prevDelta   int64
		prevVal     = math.Float64bits(first.Value)
		prevLeading = uint8(0xff) // 0xff marks "no previous window"
		prevTrailing uint8
	)

	for _, s := range samples[1:] {
		delta := s.Ts - prevTs
		dod := delta - prevDelta
		prevTs, prevDelta = s.Ts, delta

		writeDod(w, dod)

		val := math.Float64bits(s.Value)
		prevLeading, prevTrailing = writeXor(w, prevVal, val, prevLeading, prevTrailing)
		prevVal = val
	}

	return w.bytes()
}

// Delta-of-delta classes as in the Gorilla paper, widened to cover
// arbitrary second-resolution gaps.
func writeDod(w *bstream, dod int64) {
	switch {
	case dod == 0:
		w.writeBit(zero)
	case -63 <= dod && dod <= 64:
		w.writeBits(0b10, 2)
		w.writeBits(uint64(dod)&((1<<7)-1), 7)
	case -255 <= dod && dod <= 256:
		w.writeBits(0b110, 3)
		w.writeBits(uint64(dod)&((1<<9)-1), 9)
	case -2047 <= dod && dod <= 2048:
		w.writeBits(0b1110, 4)
		w.writeBits(uint64(dod)&((1<<12)-1), 12)
	default:
		w.writeBits(0b1111, 4)
		w.writeBits(uint64(dod), 64)
	}
}

func writeXor(w *bstream, prev, cur uint64, prevLeading, prevTrailing uint8) (uint8, uint8) {
	xor := prev ^ cur
	if xor == 0 {
		w.writeBit(zero)
		return prevLeading, prevTrailing
	}

	w.writeBit(one)

	leading := uint8(bits.LeadingZeros64(xor))
	trailing := uint8(bits.TrailingZeros64(xor))
	// The 5-bit leading-zero count saturates at 31.
	if leading >= 32 {
		leading = 31
	}

	if prevLeading != 0xff && leading >= prevLeading && trailing >= prevTrailing {
		// Fits into the previous window, reuse it.
		w.writeBit(zero)
		w.writeBits(xor>>prevTrailing, 64-int(prevLeading)-int(prevTrailing))
		return prevLeading, prevTrailing
	}

	sigbits := 64 - leading - trailing
	w.writeBit(one)
	w.writeBits(uint64(leading), 5)
	// 64 significant bits cannot be expressed in 6 bits, so 64 is
	// stored as 0. A xor of 0 is handled above.
	w.writeBits(uint64(sigbits&0x3f), 6)
	w.writeBits(xor>>trailing, int(sigbits))
	return leading, trailing
}

// Decompress decodes a gorilla stream produced by Compress.
func Decompress(data []byte) ([]schema.Sample, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("gorilla: bad sample count")
	}
	if count == 0 {
		return nil, nil
	}

	firstTs, m := binary.Varint(data[n:])
	if m <= 0 {
		return nil, fmt.Errorf("gorilla: bad first timestamp")
	}

	r := newBReader(data[n+m:])
	firstBits, err := r.readBits(64)
	if err != nil {
		return nil, fmt.Errorf("gorilla: truncated first value: %w", err)
	}

	samples := make([]schema.Sample, 0, count)
	samples = append(samples, schema.Sample{Ts: firstTs, Value: math.Float64frombits(firstBits)})

	var (
		ts       = firstTs
		delta    int64
		val      = firstBits
		leading  uint8
		trailing uint8
	)

	for uint64(len(samples)) < count {
		dod, err := readDod(&r)
		if err != nil {
			return nil, fmt.Errorf("gorilla: truncated timestamp: %w", err)
		}
		delta += dod
		ts += delta

		val, leading, trailing, err = readXor(&r, val, leading, trailing)
		if err != nil {
			return nil, fmt.Errorf("gorilla: truncated value: %w", err)
		}

		samples = append(samples, schema.Sample{Ts: ts, Value: math.Float64frombits(val)})
	}

	return samples, nil
}

func readDod(r *bstreamReader) (int64, error) {
	var size uint8
	var prefix uint8
	for prefix < 4 {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if !b {
			break
		}
		prefix++
	}

	switch prefix {
	case 0:
		return 0, nil
	case 1:
		size = 7
	case 2:
		size = 9
	case 3:
		size = 12
	case 4:
		size = 64
	}

	raw, err := r.readBits(size)
	if err != nil {
		return 0, err
	}
	if size != 64 && raw > (1<<(size-1)) {
		// Sign-extend negative values.
		raw -= 1 << size
	}
	return int64(raw), nil
}

func readXor(r *bstreamReader, prev uint64, leading, trailing uint8) (uint64, uint8, uint8, error) {
	b, err := r.readBit()
	if err != nil {
		return 0, 0, 0, err
	}
	if !b {
		return prev, leading, trailing, nil
	}

	b, err = r.readBit()
	if err != nil {
		return 0, 0, 0, err
	}
	if b {
		l, err := r.readBits(5)
		if err != nil {
			return 0, 0, 0, err
		}
		s, err := r.readBits(6)
		if err != nil {
			return 0, 0, 0, err
		}
		leading = uint8(l)
		if s == 0 {
			s = 64
		}
		trailing = 64 - leading - uint8(s)
	}

	sigbits := 64 - leading - trailing
	raw, err := r.readBits(sigbits)
	if err != nil {
		return 0, 0, 0, err
	}
	return prev ^ (raw << trailing), leading, trailing, nil
}
