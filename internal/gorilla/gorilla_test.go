// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gorilla

import (
	"math"
	"testing"

	"github.com/awksedgreep/timeless/pkg/schema"
)

func roundTrip(t *testing.T, samples []schema.Sample) {
	t.Helper()

	blob := Compress(samples)
	got, err := Decompress(blob)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}

	if len(got) != len(samples) {
		t.Fatalf("Decompress() returned %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i].Ts != samples[i].Ts {
			t.Errorf("sample %d: ts = %d, want %d", i, got[i].Ts, samples[i].Ts)
		}
		if got[i].Value != samples[i].Value && !(math.IsNaN(got[i].Value) && math.IsNaN(samples[i].Value)) {
			t.Errorf("sample %d: value = %v, want %v", i, got[i].Value, samples[i].Value)
		}
	}
}

func TestRoundTripRegular(t *testing.T) {
	samples := make([]schema.Sample, 0, 3600)
	for ts := int64(1700000000); ts < 1700003600; ts++ {
		samples = append(samples, schema.Sample{Ts: ts, Value: float64(ts % 100)})
	}
	roundTrip(t, samples)
}

func TestRoundTripIrregular(t *testing.T) {
	// Gaps and uneven deltas exercise the 9-, 16- and 68-bit dod classes.
	samples := []schema.Sample{
		{Ts: 1700000000, Value: 10.0},
		{Ts: 1700000060, Value: 20.5},
		{Ts: 1700000061, Value: 20.5},
		{Ts: 1700000500, Value: -3.25},
		{Ts: 1700009999, Value: 1e-12},
		{Ts: 1800000000, Value: 1e12},
	}
	roundTrip(t, samples)
}

func TestRoundTripConstantValue(t *testing.T) {
	samples := make([]schema.Sample, 0, 100)
	for i := int64(0); i < 100; i++ {
		samples = append(samples, schema.Sample{Ts: 1700000000 + i*60, Value: 42.0})
	}
	roundTrip(t, samples)
}

func TestRoundTripRandomWalk(t *testing.T) {
	// Deterministic LCG so failures reproduce.
	state := uint64(0x9e3779b97f4a7c15)
	next := func() float64 {
		state = state*6364136223846793005 + 1442695040888963407
		return float64(int64(state>>33)%1000) / 10.0
	}

	samples := make([]schema.Sample, 0, 2048)
	value := 100.0
	for i := int64(0); i < 2048; i++ {
		value += next() - 50.0
		samples = append(samples, schema.Sample{Ts: 1700000000 + i*30, Value: value})
	}
	roundTrip(t, samples)
}

func TestRoundTripSingle(t *testing.T) {
	roundTrip(t, []schema.Sample{{Ts: 1700000000, Value: 3.14}})
}

func TestRoundTripEmpty(t *testing.T) {
	blob := Compress(nil)
	got, err := Decompress(blob)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Decompress() = %d samples, want 0", len(got))
	}
}

func TestRoundTripSpecialValues(t *testing.T) {
	roundTrip(t, []schema.Sample{
		{Ts: 1700000000, Value: 0.0},
		{Ts: 1700000010, Value: math.Inf(1)},
		{Ts: 1700000020, Value: math.Inf(-1)},
		{Ts: 1700000030, Value: math.MaxFloat64},
		{Ts: 1700000040, Value: math.SmallestNonzeroFloat64},
	})
}

func TestDecompressTruncated(t *testing.T) {
	samples := []schema.Sample{
		{Ts: 1700000000, Value: 1.0},
		{Ts: 1700000060, Value: 2.0},
		{Ts: 1700000120, Value: 3.0},
	}
	blob := Compress(samples)

	if _, err := Decompress(blob[:len(blob)/2]); err == nil {
		t.Error("Decompress() of truncated stream did not fail")
	}
	if _, err := Decompress(nil); err == nil {
		t.Error("Decompress() of empty stream did not fail")
	}
}
