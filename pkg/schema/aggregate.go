// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"fmt"
	"math"
	"math/bits"
)

// Aggregate identifies one summary statistic computed over a bucket.
// The numeric values double as bit positions in an AggregateMask and
// define the on-disk field order inside a tier chunk.
type Aggregate uint8

const (
	AggAvg Aggregate = iota
	AggMin
	AggMax
	AggCount
	AggSum
	AggLast

	NumAggregates
)

var aggregateNames = [NumAggregates]string{"avg", "min", "max", "count", "sum", "last"}

func (a Aggregate) String() string {
	if a >= NumAggregates {
		return fmt.Sprintf("aggregate(%d)", uint8(a))
	}
	return aggregateNames[a]
}

func ParseAggregate(str string) (Aggregate, error) {
	for i, name := range aggregateNames {
		if name == str {
			return Aggregate(i), nil
		}
	}
	return 0, fmt.Errorf("unknown aggregate: %s", str)
}

// AggregateMask is a bitset over the six aggregates. Bit i set means
// aggregate i is present, in the fixed order avg,min,max,count,sum,last.
type AggregateMask uint8

const AllAggregates AggregateMask = 1<<NumAggregates - 1

func MaskOf(aggs ...Aggregate) AggregateMask {
	var m AggregateMask
	for _, a := range aggs {
		m |= 1 << a
	}
	return m
}

func ParseAggregateMask(strs []string) (AggregateMask, error) {
	var m AggregateMask
	for _, s := range strs {
		a, err := ParseAggregate(s)
		if err != nil {
			return 0, err
		}
		m |= 1 << a
	}
	return m, nil
}

func (m AggregateMask) Has(a Aggregate) bool {
	return m&(1<<a) != 0
}

func (m AggregateMask) Count() int {
	return bits.OnesCount8(uint8(m))
}

// ForEach visits the set aggregates in on-disk order.
func (m AggregateMask) ForEach(f func(a Aggregate)) {
	for a := Aggregate(0); a < NumAggregates; a++ {
		if m.Has(a) {
			f(a)
		}
	}
}

// A Bucket holds the aggregates of one tier resolution interval
// [Start, Start+resolution) for one series. Fields not covered by the
// tier's aggregate mask are left at their zero value.
type Bucket struct {
	Start int64
	Avg   float64
	Min   float64
	Max   float64
	Count int64
	Sum   float64
	Last  float64
}

// Value returns the bucket field selected by a.
func (b *Bucket) Value(a Aggregate) float64 {
	switch a {
	case AggAvg:
		return b.Avg
	case AggMin:
		return b.Min
	case AggMax:
		return b.Max
	case AggCount:
		return float64(b.Count)
	case AggSum:
		return b.Sum
	case AggLast:
		return b.Last
	}
	return math.NaN()
}
