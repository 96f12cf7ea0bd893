// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskmanager schedules the store's periodic maintenance:
// window sealing, per-tier rollup passes, retention and tier file
// compaction. One gocron scheduler drives all of them. A rollup pass
// that is still running when its next tick fires is skipped by the
// rollup engine, not queued; the other services have no such guard.
package taskmanager

import (
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"

	"github.com/awksedgreep/timeless/internal/store"
)

var s gocron.Scheduler

const (
	sealCheckInterval  = time.Minute
	retentionInterval  = time.Hour
	compactionInterval = 30 * time.Minute
)

// Start registers all maintenance services and starts the scheduler.
func Start(st *store.Store, pendingFlushInterval time.Duration) {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		cclog.Abortf("Taskmanager Start: Could not create gocron scheduler.\nError: %s\n", err.Error())
	}

	RegisterSealService(st)
	for tier := range st.Tiers() {
		RegisterRollupService(st, tier, rollupInterval(st, tier, pendingFlushInterval))
	}
	RegisterRetentionService(st)
	RegisterCompactionService(st)

	s.Start()
}

// rollupInterval derives a tier's pass cadence: the finest tier runs
// at the WAL checkpoint cadence, coarser tiers at a quarter of their
// resolution, clamped to [pendingFlushInterval, 6h].
func rollupInterval(st *store.Store, tier int, pendingFlushInterval time.Duration) time.Duration {
	if pendingFlushInterval <= 0 {
		pendingFlushInterval = time.Minute
	}
	if tier == 0 {
		return pendingFlushInterval
	}

	d := time.Duration(st.Tiers()[tier].Resolution) * time.Second / 4
	if d < pendingFlushInterval {
		d = pendingFlushInterval
	}
	if d > 6*time.Hour {
		d = 6 * time.Hour
	}
	return d
}

func RegisterSealService(st *store.Store) {
	cclog.Debug("Register seal service")

	s.NewJob(gocron.DurationJob(sealCheckInterval),
		gocron.NewTask(func() {
			st.RunSealPass(time.Now().Unix())
		}))
}

func RegisterRollupService(st *store.Store, tier int, interval time.Duration) {
	cclog.Debugf("Register rollup service for tier %s (every %s)",
		st.Tiers()[tier].Name, interval.String())

	s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			st.RunRollupPass(tier, time.Now().Unix())
		}))
}

func RegisterRetentionService(st *store.Store) {
	cclog.Debug("Register retention service")

	s.NewJob(gocron.DurationJob(retentionInterval),
		gocron.NewTask(func() {
			st.RunRetentionPass(time.Now().Unix())
		}))
}

func RegisterCompactionService(st *store.Store) {
	cclog.Debug("Register compaction service")

	s.NewJob(gocron.DurationJob(compactionInterval),
		gocron.NewTask(func() {
			st.RunCompactionCheck()
		}))
}

// Shutdown stops the scheduler and waits for running passes.
func Shutdown() {
	if s != nil {
		s.Shutdown()
	}
}
