// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry maintains the append-only bijection between
// (metric, canonical labels) and the 64-bit series id used everywhere
// on disk. The authoritative copy lives in a small sqlite database;
// a copy-on-write in-memory index serves the hot paths lock-free.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/awksedgreep/timeless/pkg/schema"
)

// SeriesRegistry resolves and assigns series ids. Reads go against an
// immutable snapshot swapped atomically; creates take a short lock.
type SeriesRegistry struct {
	db *sqlx.DB

	mu       sync.Mutex // serializes GetOrCreate
	snapshot atomic.Pointer[index]
}

type index struct {
	byFingerprint map[uint64]int64
	byMetric      map[string][]*schema.Series
	byID          map[int64]*schema.Series
}

func fingerprint(metric, canonical string) uint64 {
	h := xxhash.New()
	h.WriteString(metric)
	h.Write([]byte{0})
	h.WriteString(canonical)
	return h.Sum64()
}

// Open connects to (or creates) the metadata database at path, runs
// migrations and loads the full series set into memory.
func Open(path string) (*SeriesRegistry, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}

	// sqlite does not multithread. Having more than one connection open
	// would just mean waiting for locks.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	r := &SeriesRegistry{db: db}
	if err := r.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SeriesRegistry) loadAll() error {
	q, args, err := sq.Select("id", "metric", "labels").From("series").OrderBy("id").ToSql()
	if err != nil {
		return err
	}

	rows, err := r.db.Queryx(q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	idx := &index{
		byFingerprint: make(map[uint64]int64),
		byMetric:      make(map[string][]*schema.Series),
		byID:          make(map[int64]*schema.Series),
	}

	for rows.Next() {
		var id int64
		var metric, labels string
		if err := rows.Scan(&id, &metric, &labels); err != nil {
			return err
		}

		s := &schema.Series{ID: id, Metric: metric, Labels: schema.ParseCanonicalLabels(labels)}
		idx.byFingerprint[fingerprint(metric, labels)] = id
		idx.byMetric[metric] = append(idx.byMetric[metric], s)
		idx.byID[id] = s
	}

	r.snapshot.Store(idx)
	return rows.Err()
}

func (r *SeriesRegistry) Close() error {
	return r.db.Close()
}

// GetOrCreate returns the series id for (metric, labels), assigning
// and persisting the next id on first sight. Ids are monotonic and
// never reused.
func (r *SeriesRegistry) GetOrCreate(metric string, labels map[string]string) (int64, error) {
	canonical := schema.CanonicalLabels(labels)
	fp := fingerprint(metric, canonical)

	if id, ok := r.snapshot.Load().byFingerprint[fp]; ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another writer may have created it while we waited for the lock.
	old := r.snapshot.Load()
	if id, ok := old.byFingerprint[fp]; ok {
		return id, nil
	}

	q, args, err := sq.Insert("series").
		Columns("metric", "labels", "created_at").
		Values(metric, canonical, time.Now().Unix()).
		ToSql()
	if err != nil {
		return 0, err
	}

	res, err := r.db.Exec(q, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	s := &schema.Series{ID: id, Metric: metric, Labels: schema.ParseCanonicalLabels(canonical)}

	// Copy-on-write swap so readers never block.
	next := &index{
		byFingerprint: make(map[uint64]int64, len(old.byFingerprint)+1),
		byMetric:      make(map[string][]*schema.Series, len(old.byMetric)+1),
		byID:          make(map[int64]*schema.Series, len(old.byID)+1),
	}
	for k, v := range old.byFingerprint {
		next.byFingerprint[k] = v
	}
	for k, v := range old.byMetric {
		next.byMetric[k] = v
	}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	next.byFingerprint[fp] = id
	next.byMetric[metric] = append(append([]*schema.Series{}, next.byMetric[metric]...), s)
	next.byID[id] = s
	r.snapshot.Store(next)

	return id, nil
}

// Resolve returns every series of the metric satisfying all matchers.
func (r *SeriesRegistry) Resolve(metric string, matchers []*schema.Matcher) []*schema.Series {
	candidates := r.snapshot.Load().byMetric[metric]
	if len(matchers) == 0 {
		return candidates
	}

	out := make([]*schema.Series, 0, len(candidates))
outer:
	for _, s := range candidates {
		for _, m := range matchers {
			if !m.Matches(s.Labels) {
				continue outer
			}
		}
		out = append(out, s)
	}
	return out
}

// Lookup returns the series record behind an id, or nil.
func (r *SeriesRegistry) Lookup(id int64) *schema.Series {
	return r.snapshot.Load().byID[id]
}

// ListMetrics returns all known metric names, sorted.
func (r *SeriesRegistry) ListMetrics() ([]string, error) {
	q, args, err := sq.Select("DISTINCT metric").From("series").OrderBy("metric").ToSql()
	if err != nil {
		return nil, err
	}

	var metrics []string
	if err := r.db.Select(&metrics, q, args...); err != nil {
		return nil, err
	}
	return metrics, nil
}

// ListLabelValues returns the distinct values of one label name across
// all series, sorted.
func (r *SeriesRegistry) ListLabelValues(name string) []string {
	seen := make(map[string]struct{})
	for _, list := range r.snapshot.Load().byMetric {
		for _, s := range list {
			if v, ok := s.Labels[name]; ok {
				seen[v] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ListSeries returns the label sets of all series of a metric.
func (r *SeriesRegistry) ListSeries(metric string) []map[string]string {
	list := r.snapshot.Load().byMetric[metric]
	out := make([]map[string]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Labels)
	}
	return out
}

// Count returns the number of registered series.
func (r *SeriesRegistry) Count() int {
	return len(r.snapshot.Load().byID)
}
