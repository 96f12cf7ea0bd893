// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingest feeds the write path from influx line protocol, read
// from NATS subscriptions or any other byte stream. The measurement
// becomes the metric name, tags become labels and the single field
// "value" becomes the sample.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/awksedgreep/timeless/internal/config"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/pkg/nats"
)

// DecodeLine decodes all lines from dec into batch points and writes
// them through the store. Unknown fields fail the batch; unparsable
// timestamps fall back through ms/us/ns precision like the agents that
// commonly feed this format.
func DecodeLine(dec *lineprotocol.Decoder, st *store.Store) error {
	// Reduce allocations in loop:
	t := time.Now()
	batch := make([]store.BatchPoint, 0, 128)

	for dec.Next() {
		rawmeasurement, err := dec.Measurement()
		if err != nil {
			return err
		}

		// Needs to be copied because another call to dec.* would
		// invalidate the returned slice.
		metric := string(rawmeasurement)

		labels := make(map[string]string)
		for {
			key, val, err := dec.NextTag()
			if err != nil {
				return err
			}
			if key == nil {
				break
			}
			labels[string(key)] = string(val)
		}

		var value float64
		for {
			key, val, err := dec.NextField()
			if err != nil {
				return err
			}
			if key == nil {
				break
			}

			if string(key) != "value" {
				return fmt.Errorf("metric %s: unknown field: '%s' (value: %#v)", metric, string(key), val)
			}

			switch val.Kind() {
			case lineprotocol.Float:
				value = val.FloatV()
			case lineprotocol.Int:
				value = float64(val.IntV())
			case lineprotocol.Uint:
				value = float64(val.UintV())
			default:
				return fmt.Errorf("metric %s: unsupported value type in message: %s", metric, val.Kind().String())
			}
		}

		if t, err = dec.Time(lineprotocol.Second, t); err != nil {
			t = time.Now()
			if t, err = dec.Time(lineprotocol.Millisecond, t); err != nil {
				t = time.Now()
				if t, err = dec.Time(lineprotocol.Microsecond, t); err != nil {
					t = time.Now()
					if t, err = dec.Time(lineprotocol.Nanosecond, t); err != nil {
						return fmt.Errorf("metric %s: timestamp: %#v with error : %#v", metric, t, err.Error())
					}
				}
			}
		}

		batch = append(batch, store.BatchPoint{
			Metric: metric,
			Labels: labels,
			Value:  value,
			Ts:     t.Unix(),
		})
	}

	if len(batch) == 0 {
		return nil
	}

	ok, failed := st.WriteBatch(batch)
	if failed > 0 {
		cclog.Warnf("[INGEST]> batch partially failed: %d ok, %d rejected", ok, failed)
	}
	return nil
}

// ReceiveNats connects every configured NATS block and pumps decoded
// lines into the store until ctx is cancelled. With more than one
// worker, messages fan out over a channel.
func ReceiveNats(st *store.Store, workers int, ctx context.Context, wg *sync.WaitGroup) ([]*nats.Client, error) {
	var clients []*nats.Client

	for _, nc := range config.Keys.Nats {
		client, err := nats.NewClient(nc)
		if err != nil {
			return clients, err
		}
		clients = append(clients, client)

		handler := func(subject string, data []byte) {
			dec := lineprotocol.NewDecoderWithBytes(data)
			if err := DecodeLine(dec, st); err != nil {
				cclog.Errorf("[INGEST]> error: %s", err.Error())
			}
		}

		if workers > 1 {
			msgs := make(chan []byte, workers*2)
			wg.Add(workers)
			for range workers {
				go func() {
					defer wg.Done()
					for {
						select {
						case <-ctx.Done():
							return
						case m := <-msgs:
							dec := lineprotocol.NewDecoderWithBytes(m)
							if err := DecodeLine(dec, st); err != nil {
								cclog.Errorf("[INGEST]> error: %s", err.Error())
							}
						}
					}
				}()
			}
			handler = func(subject string, data []byte) {
				msgs <- data
			}
		}

		for _, sub := range nc.Subscriptions {
			if err := client.Subscribe(sub.SubscribeTo, handler); err != nil {
				return clients, err
			}
		}
	}

	return clients, nil
}
