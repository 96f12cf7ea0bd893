// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"fmt"
	"regexp"
)

type MatchOp int

const (
	MatchEqual MatchOp = iota
	MatchNotEqual
	MatchRegexp
	MatchNotRegexp
)

func (op MatchOp) String() string {
	switch op {
	case MatchEqual:
		return "="
	case MatchNotEqual:
		return "!="
	case MatchRegexp:
		return "=~"
	case MatchNotRegexp:
		return "!~"
	}
	return "?"
}

// A Matcher is one label predicate of a query. Regex matchers are
// anchored: the value must match as a whole.
type Matcher struct {
	Name  string
	Op    MatchOp
	Value string

	re *regexp.Regexp
}

func NewMatcher(name string, op MatchOp, value string) (*Matcher, error) {
	m := &Matcher{Name: name, Op: op, Value: value}
	if op == MatchRegexp || op == MatchNotRegexp {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: bad matcher regex %q: %s", ErrInvalidInput, value, err.Error())
		}
		m.re = re
	}
	return m, nil
}

func MustMatcher(name string, op MatchOp, value string) *Matcher {
	m, err := NewMatcher(name, op, value)
	if err != nil {
		panic(err)
	}
	return m
}

// Matches applies the predicate to a label set. A label missing from
// the set is treated as the empty string, like in PromQL.
func (m *Matcher) Matches(labels map[string]string) bool {
	val := labels[m.Name]
	switch m.Op {
	case MatchEqual:
		return val == m.Value
	case MatchNotEqual:
		return val != m.Value
	case MatchRegexp:
		return m.re.MatchString(val)
	case MatchNotRegexp:
		return !m.re.MatchString(val)
	}
	return false
}
