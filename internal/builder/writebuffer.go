// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package builder

import (
	"context"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/awksedgreep/timeless/pkg/schema"
)

// maxWriteRetries bounds the write attempts of one drain before the
// shard is paused.
const maxWriteRetries = 3

// A WriteBuffer batches points upstream of one shard's builder. Writes
// never block: when the bounded channel is full the caller gets
// ErrBackpressure and may retry. One drain goroutine per shard hands
// batches to the builder, serializing all mutations of its files.
type WriteBuffer struct {
	builder *Builder
	ch      chan schema.Point

	flushInterval   time.Duration
	flushThreshold  int
	pendingInterval time.Duration
}

func NewWriteBuffer(b *Builder, flushInterval time.Duration, flushThreshold int, pendingInterval time.Duration) *WriteBuffer {
	return &WriteBuffer{
		builder:         b,
		ch:              make(chan schema.Point, 4*flushThreshold),
		flushInterval:   flushInterval,
		flushThreshold:  flushThreshold,
		pendingInterval: pendingInterval,
	}
}

// Write enqueues one point. Fire-and-forget: durability follows at the
// next WAL checkpoint or window seal.
func (wb *WriteBuffer) Write(p schema.Point) error {
	select {
	case wb.ch <- p:
		return nil
	default:
		return schema.ErrBackpressure
	}
}

// Start launches the drain loop. It exits after draining the remaining
// buffered points and writing a final WAL checkpoint once ctx is done.
func (wb *WriteBuffer) Start(wg *sync.WaitGroup, ctx context.Context) {
	wg.Add(1)

	go func() {
		defer wg.Done()

		flush := time.NewTicker(wb.flushInterval)
		defer flush.Stop()
		checkpoint := time.NewTicker(wb.pendingInterval)
		defer checkpoint.Stop()

		batch := make([]schema.Point, 0, wb.flushThreshold)

		drain := func() {
			if len(batch) == 0 {
				return
			}

			var err error
			for attempt := 0; attempt < maxWriteRetries; attempt++ {
				if err = wb.builder.Add(batch, time.Now().Unix()); err == nil {
					break
				}
				cclog.Warnf("[WRITEBUFFER]> shard %d: write attempt %d failed: %s",
					wb.builder.store.ID(), attempt+1, err.Error())
			}
			if err != nil {
				// The shard's files are not accepting writes; take it
				// out of service and surface that via info.
				cclog.Errorf("[WRITEBUFFER]> shard %d paused: %s", wb.builder.store.ID(), err.Error())
				wb.builder.store.Pause()
			}
			batch = batch[:0]
		}

		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case p := <-wb.ch:
						batch = append(batch, p)
						continue
					default:
					}
					break
				}
				drain()
				if err := wb.builder.Checkpoint(); err != nil {
					cclog.Errorf("[WRITEBUFFER]> shard %d: final checkpoint: %s",
						wb.builder.store.ID(), err.Error())
				}
				return

			case p := <-wb.ch:
				batch = append(batch, p)
				if len(batch) >= wb.flushThreshold {
					drain()
				}

			case <-flush.C:
				drain()

			case <-checkpoint.C:
				drain()
				if err := wb.builder.Checkpoint(); err != nil {
					cclog.Errorf("[WRITEBUFFER]> shard %d: checkpoint: %s",
						wb.builder.store.ID(), err.Error())
				}
			}
		}
	}()
}
