// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"encoding/json"
	"testing"
)

func TestParseAggregate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Aggregate
		wantErr  bool
	}{
		{"avg", "avg", AggAvg, false},
		{"min", "min", AggMin, false},
		{"max", "max", AggMax, false},
		{"count", "count", AggCount, false},
		{"sum", "sum", AggSum, false},
		{"last", "last", AggLast, false},
		{"invalid", "p99", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseAggregate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAggregate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && result != tt.expected {
				t.Errorf("ParseAggregate(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestAggregateMask(t *testing.T) {
	mask := MaskOf(AggAvg, AggSum)
	if !mask.Has(AggAvg) || !mask.Has(AggSum) {
		t.Error("mask misses bits that were set")
	}
	if mask.Has(AggMin) {
		t.Error("mask has a bit that was not set")
	}
	if mask.Count() != 2 {
		t.Errorf("mask.Count() = %d, want 2", mask.Count())
	}

	var order []Aggregate
	AllAggregates.ForEach(func(a Aggregate) { order = append(order, a) })
	want := []Aggregate{AggAvg, AggMin, AggMax, AggCount, AggSum, AggLast}
	if len(order) != len(want) {
		t.Fatalf("ForEach visited %d aggregates, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("ForEach order[%d] = %v, want %v", i, order[i], want[i])
		}
	}
}

func TestMatcher(t *testing.T) {
	labels := map[string]string{"host": "web1", "zone": "eu"}

	tests := []struct {
		name  string
		op    MatchOp
		value string
		want  bool
	}{
		{"host", MatchEqual, "web1", true},
		{"host", MatchEqual, "web2", false},
		{"host", MatchNotEqual, "web2", true},
		{"host", MatchRegexp, "web.*", true},
		{"host", MatchRegexp, "web", false}, // anchored
		{"host", MatchNotRegexp, "db.*", true},
		{"missing", MatchEqual, "", true}, // absent label matches empty
		{"missing", MatchNotEqual, "x", true},
	}

	for _, tt := range tests {
		m, err := NewMatcher(tt.name, tt.op, tt.value)
		if err != nil {
			t.Fatalf("NewMatcher(%s %s %q) error: %v", tt.name, tt.op, tt.value, err)
		}
		if got := m.Matches(labels); got != tt.want {
			t.Errorf("%s %s %q = %v, want %v", tt.name, tt.op, tt.value, got, tt.want)
		}
	}

	if _, err := NewMatcher("host", MatchRegexp, "("); err == nil {
		t.Error("NewMatcher with invalid regex did not fail")
	}
}

func TestCanonicalLabels(t *testing.T) {
	a := CanonicalLabels(map[string]string{"b": "2", "a": "1"})
	b := CanonicalLabels(map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Errorf("canonicalization is order dependent: %q != %q", a, b)
	}

	parsed := ParseCanonicalLabels(a)
	if parsed["a"] != "1" || parsed["b"] != "2" || len(parsed) != 2 {
		t.Errorf("ParseCanonicalLabels(%q) = %#v", a, parsed)
	}

	if CanonicalLabels(nil) != "" {
		t.Error("empty label set must canonicalize to the empty string")
	}
	if len(ParseCanonicalLabels("")) != 0 {
		t.Error("empty blob must parse to an empty label set")
	}
}

func TestFloatJSON(t *testing.T) {
	raw, err := json.Marshal([]Float{1.5, NaN, -2})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "[1.5,null,-2]" {
		t.Errorf("Marshal = %s", raw)
	}

	var back []Float
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back[0] != 1.5 || !back[1].IsNaN() || back[2] != -2 {
		t.Errorf("Unmarshal = %#v", back)
	}
}

func TestTierValidate(t *testing.T) {
	good := Tier{Name: "hourly", Resolution: 3600, ChunkSeconds: 24 * 3600, Aggregates: AllAggregates}
	if err := good.Validate(); err != nil {
		t.Errorf("valid tier rejected: %v", err)
	}

	bad := good
	bad.ChunkSeconds = 5000 // not a multiple
	if err := bad.Validate(); err == nil {
		t.Error("tier with misaligned chunk size accepted")
	}

	bad = good
	bad.Aggregates = 0
	if err := bad.Validate(); err == nil {
		t.Error("tier with empty aggregate set accepted")
	}

	if got := good.BucketStart(1700000000); got != 1699999200 {
		t.Errorf("BucketStart = %d", got)
	}
	if got := good.ChunkStart(1700000000); got != 1699920000 {
		t.Errorf("ChunkStart = %d", got)
	}
}
