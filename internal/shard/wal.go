// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/awksedgreep/timeless/pkg/schema"
)

// One WAL record per segment blob handed off by the builder's pending
// flush. Fixed little-endian header followed by the compressed data:
//
//	series_id    : i64
//	start_time   : i64
//	end_time     : i64
//	point_count  : u32
//	data_length  : u32
//	crc32        : u32   (IEEE, over data only)
//	data         : bytes
const walHeaderLen = 8 + 8 + 8 + 4 + 4 + 4

type WALRecord struct {
	SeriesID   int64
	Start      int64
	End        int64
	PointCount uint32
	Data       []byte
}

// A wal is the append log for the open window of one shard. Records
// are buffered in the kernel and fsynced once per Append batch.
type wal struct {
	f    *os.File
	path string
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &wal{f: f, path: path}, nil
}

// Append writes the record batch followed by a single fsync.
func (w *wal) Append(recs []WALRecord) error {
	var hdr [walHeaderLen]byte
	for _, rec := range recs {
		binary.LittleEndian.PutUint64(hdr[0:], uint64(rec.SeriesID))
		binary.LittleEndian.PutUint64(hdr[8:], uint64(rec.Start))
		binary.LittleEndian.PutUint64(hdr[16:], uint64(rec.End))
		binary.LittleEndian.PutUint32(hdr[24:], rec.PointCount)
		binary.LittleEndian.PutUint32(hdr[28:], uint32(len(rec.Data)))
		binary.LittleEndian.PutUint32(hdr[32:], crc32.ChecksumIEEE(rec.Data))

		if _, err := w.f.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.f.Write(rec.Data); err != nil {
			return err
		}
	}

	return w.f.Sync()
}

func (w *wal) Close() error {
	return w.f.Close()
}

// recoverWAL scans a WAL left behind by a crash, validating every CRC.
// The log is truncated at the first corrupt or torn record; everything
// before it is returned for replay into the builder's open window.
func recoverWAL(path string) ([]WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var recs []WALRecord
	var hdr [walHeaderLen]byte
	var goodBytes int64

	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				cclog.Warnf("[SHARDSTORE]> torn WAL header in %s, truncating at %d", path, goodBytes)
				break
			}
			return recs, err
		}

		rec := WALRecord{
			SeriesID:   int64(binary.LittleEndian.Uint64(hdr[0:])),
			Start:      int64(binary.LittleEndian.Uint64(hdr[8:])),
			End:        int64(binary.LittleEndian.Uint64(hdr[16:])),
			PointCount: binary.LittleEndian.Uint32(hdr[24:]),
		}
		length := binary.LittleEndian.Uint32(hdr[28:])
		sum := binary.LittleEndian.Uint32(hdr[32:])

		rec.Data = make([]byte, length)
		if _, err := io.ReadFull(f, rec.Data); err != nil {
			cclog.Warnf("[SHARDSTORE]> torn WAL record in %s, truncating at %d", path, goodBytes)
			break
		}

		if crc32.ChecksumIEEE(rec.Data) != sum {
			cclog.Warnf("[SHARDSTORE]> %s in %s at offset %d, truncating",
				schema.ErrCorruptWAL.Error(), path, goodBytes)
			break
		}

		recs = append(recs, rec)
		goodBytes += walHeaderLen + int64(length)
	}

	if err := os.Truncate(path, goodBytes); err != nil {
		return recs, fmt.Errorf("truncating WAL %s: %w", path, err)
	}

	return recs, nil
}
