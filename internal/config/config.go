// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the store configuration: directory layout,
// shard count, write-path cadences, the rollup tier schema and the
// optional NATS ingest subscriptions.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/awksedgreep/timeless/internal/util"
	"github.com/awksedgreep/timeless/pkg/schema"
)

type TierConfig struct {
	Name string `json:"name"`

	// Bucket resolution, e.g. "1h".
	Resolution string `json:"resolution"`

	// Width of one chunk; a multiple of the resolution. Defaults to
	// 24x the resolution.
	ChunkSize string `json:"chunk-size"`

	// Subset of avg,min,max,count,sum,last. Empty means all six.
	Aggregates []string `json:"aggregates"`

	// Retention horizon, e.g. "2160h", or "forever".
	Retention string `json:"retention"`
}

type NatsConfig struct {
	// Address of the nats server
	Address string `json:"address"`

	// Username/Password, optional
	Username string `json:"username"`
	Password string `json:"password"`

	// Creds file path
	Credsfilepath string `json:"creds-file-path"`

	Subscriptions []struct {
		SubscribeTo string `json:"subscribe-to"`
	} `json:"subscriptions"`
}

type Config struct {
	// Root directory for shard directories and the metadata DB.
	DataDir string `json:"data-dir"`

	// Number of write shards. Must not change for an existing store.
	Shards int `json:"shards"`

	// Raw window size, e.g. "4h".
	SegmentDuration string `json:"segment-duration"`

	// Write buffer drain cadence.
	FlushInterval string `json:"flush-interval"`

	// Write buffer flush size trigger.
	FlushThreshold int `json:"flush-threshold"`

	// WAL checkpoint cadence for the open window.
	PendingFlushInterval string `json:"pending-flush-interval"`

	// Raw data retention, e.g. "168h", or "forever".
	RawRetention string `json:"raw-retention"`

	// Block compressor for segments and tier chunks.
	Compression string `json:"compression"`

	// Rollup tier schema, coarsest last. Empty selects the default
	// hourly/daily/monthly schema.
	Schema []TierConfig `json:"schema"`

	// Grace period before an elapsed window is sealed.
	SealGrace string `json:"seal-grace"`

	// Rollup safety margin against late arrivals.
	SafetyMargin string `json:"safety-margin"`

	Nats []*NatsConfig `json:"nats"`
}

var Keys Config = Config{
	Shards:               0, // 0 means runtime.NumCPU()
	SegmentDuration:      "4h",
	FlushInterval:        "5s",
	FlushThreshold:       10000,
	PendingFlushInterval: "60s",
	RawRetention:         "168h",
	Compression:          "zstd",
	SealGrace:            "60s",
	SafetyMargin:         "120s",
}

// Init loads and validates the configuration file. A missing file
// keeps the defaults.
func Init(flagConfigFile string) {
	if !util.CheckFileExists(flagConfigFile) {
		cclog.Infof("[CONFIG]> no config file at '%s', using defaults", flagConfigFile)
		return
	}

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		cclog.Fatalf("[CONFIG]> reading '%s' failed: %s", flagConfigFile, err.Error())
	}

	validate(raw)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		cclog.Abortf("Config Init: Could not decode config file '%s'.\nError: %s\n",
			flagConfigFile, err.Error())
	}
}

// validate checks the raw config against the embedded store schema
// before any field is decoded, so a typo'd tier or nats block aborts
// startup instead of silently running on defaults.
func validate(instance json.RawMessage) {
	sch, err := jsonschema.CompileString("timeless-config.json", configSchema)
	if err != nil {
		cclog.Fatalf("[CONFIG]> embedded config schema does not compile: %#v", err)
	}

	var v any
	if err := json.Unmarshal([]byte(instance), &v); err != nil {
		cclog.Fatalf("[CONFIG]> config file is not valid JSON: %s", err.Error())
	}

	if err := sch.Validate(v); err != nil {
		cclog.Fatalf("[CONFIG]> invalid store configuration: %#v", err)
	}
}

// NumShards resolves the effective shard count.
func NumShards() int {
	if Keys.Shards > 0 {
		return Keys.Shards
	}
	return runtime.NumCPU()
}

// ParseDuration parses a config duration into seconds. "forever" and
// the empty string mean 0 (no limit).
func ParseDuration(str string) (int64, error) {
	if str == "" || str == "forever" {
		return 0, nil
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q: %s", schema.ErrConfig, str, err.Error())
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative duration %q", schema.ErrConfig, str)
	}
	return int64(d / time.Second), nil
}

// Tiers materializes the configured tier schema.
func Tiers() ([]schema.Tier, error) {
	if len(Keys.Schema) == 0 {
		return schema.DefaultTiers(), nil
	}

	tiers := make([]schema.Tier, 0, len(Keys.Schema))
	prevResolution := int64(0)
	for _, tc := range Keys.Schema {
		res, err := ParseDuration(tc.Resolution)
		if err != nil {
			return nil, err
		}
		if res <= 0 {
			return nil, fmt.Errorf("%w: tier %s: missing resolution", schema.ErrConfig, tc.Name)
		}
		if res < prevResolution {
			return nil, fmt.Errorf("%w: tiers must be listed coarsest-last", schema.ErrConfig)
		}
		prevResolution = res

		chunk := res * 24
		if tc.ChunkSize != "" {
			if chunk, err = ParseDuration(tc.ChunkSize); err != nil {
				return nil, err
			}
		}

		mask := schema.AllAggregates
		if len(tc.Aggregates) > 0 {
			if mask, err = schema.ParseAggregateMask(tc.Aggregates); err != nil {
				return nil, fmt.Errorf("%w: tier %s: %s", schema.ErrConfig, tc.Name, err.Error())
			}
		}

		retention, err := ParseDuration(tc.Retention)
		if err != nil {
			return nil, err
		}

		tier := schema.Tier{
			Name:         tc.Name,
			Resolution:   res,
			ChunkSeconds: chunk,
			Aggregates:   mask,
			Retention:    retention,
		}
		if err := tier.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", schema.ErrConfig, err.Error())
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}
