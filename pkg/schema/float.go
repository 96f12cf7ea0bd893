// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"math"
	"strconv"
)

// A NaN-aware float64. NaN marks a bucket or sample for which no data
// exists; it serializes to `null` in JSON.
type Float float64

var NaN Float = Float(math.NaN())

func (f Float) IsNaN() bool {
	return math.IsNaN(float64(f))
}

var nullAsBytes = []byte("null")

func (f Float) MarshalJSON() ([]byte, error) {
	if f.IsNaN() {
		return nullAsBytes, nil
	}

	return strconv.AppendFloat(make([]byte, 0, 10), float64(f), 'f', -1, 64), nil
}

func (f *Float) UnmarshalJSON(input []byte) error {
	if string(input) == "null" {
		*f = NaN
		return nil
	}

	val, err := strconv.ParseFloat(string(input), 64)
	if err != nil {
		return err
	}
	*f = Float(val)
	return nil
}
