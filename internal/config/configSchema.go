// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

const configSchema = `{
    "type": "object",
    "description": "Configuration of the timeless storage core.",
    "properties": {
        "data-dir": {
            "description": "Root directory for shard directories and the metadata database.",
            "type": "string"
        },
        "shards": {
            "description": "Number of write shards. Defaults to the host CPU count. Must not change for an existing store.",
            "type": "integer",
            "minimum": 1
        },
        "segment-duration": {
            "description": "Size of one raw segment window, e.g. '4h'.",
            "type": "string"
        },
        "flush-interval": {
            "description": "Cadence at which write buffers are drained into the segment builders.",
            "type": "string"
        },
        "flush-threshold": {
            "description": "Number of buffered points that triggers an early drain.",
            "type": "integer",
            "minimum": 1
        },
        "pending-flush-interval": {
            "description": "Cadence at which the open window is checkpointed into the WAL.",
            "type": "string"
        },
        "raw-retention": {
            "description": "How long sealed raw segments are kept, e.g. '168h', or 'forever'.",
            "type": "string"
        },
        "compression": {
            "description": "Block compressor for segments and tier chunks. Only 'zstd' is supported.",
            "type": "string",
            "enum": ["zstd"]
        },
        "seal-grace": {
            "description": "Grace period after a window elapses before it is sealed.",
            "type": "string"
        },
        "safety-margin": {
            "description": "Rollup safety margin against late arrivals.",
            "type": "string"
        },
        "schema": {
            "description": "Rollup tier definitions, coarsest last.",
            "type": "array",
            "items": {
                "type": "object",
                "properties": {
                    "name": {
                        "description": "Tier name, also the tier directory suffix.",
                        "type": "string"
                    },
                    "resolution": {
                        "description": "Bucket width of this tier, e.g. '1h'.",
                        "type": "string"
                    },
                    "chunk-size": {
                        "description": "Width of one stored chunk; a multiple of the resolution.",
                        "type": "string"
                    },
                    "aggregates": {
                        "description": "Aggregates kept per bucket.",
                        "type": "array",
                        "items": {
                            "type": "string",
                            "enum": ["avg", "min", "max", "count", "sum", "last"]
                        }
                    },
                    "retention": {
                        "description": "How long this tier's chunks are kept, or 'forever'.",
                        "type": "string"
                    }
                },
                "required": ["name", "resolution"]
            }
        },
        "nats": {
            "description": "NATS subscriptions feeding the write path with influx line protocol.",
            "type": "array",
            "items": {
                "type": "object",
                "properties": {
                    "address": {
                        "description": "Address of the nats server.",
                        "type": "string"
                    },
                    "username": { "type": "string" },
                    "password": { "type": "string" },
                    "creds-file-path": { "type": "string" },
                    "subscriptions": {
                        "type": "array",
                        "items": {
                            "type": "object",
                            "properties": {
                                "subscribe-to": {
                                    "description": "Subject to subscribe to.",
                                    "type": "string"
                                }
                            }
                        }
                    }
                },
                "required": ["address"]
            }
        }
    }
}`
