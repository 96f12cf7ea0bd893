// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"sort"
	"strings"
)

// MaxMetricNameLen bounds metric names accepted by the write path.
const MaxMetricNameLen = 255

// A Series is the identity one stream of samples is stored under.
// The pair (Metric, canonical labels) is unique; ID is the stable
// surrogate used on disk and is never reused.
type Series struct {
	ID     int64
	Metric string
	Labels map[string]string
}

// A Sample is one (timestamp, value) measurement. Timestamps are
// seconds since the Unix epoch.
type Sample struct {
	Ts    int64
	Value float64
}

// A Point is a sample bound to its series.
type Point struct {
	SeriesID int64
	Ts       int64
	Value    float64
}

// CanonicalLabels renders a label set into its canonical blob form:
// labels sorted by name ascending, joined as name=value with a 0x1f
// unit separator. The blob is what registry fingerprints and the
// metadata store key on.
func CanonicalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(labels[name])
	}
	return sb.String()
}

// ParseCanonicalLabels is the inverse of CanonicalLabels.
func ParseCanonicalLabels(blob string) map[string]string {
	labels := make(map[string]string)
	if blob == "" {
		return labels
	}

	for _, field := range strings.Split(blob, "\x1f") {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		labels[name] = value
	}
	return labels
}
