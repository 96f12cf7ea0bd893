// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shard

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/awksedgreep/timeless/pkg/schema"
)

// Sealed segment file layout, all integers little-endian:
//
//	magic "TS"      : 2 B
//	version         : u8
//	segment_count   : u32
//	reserved        : 5 B
//	compressed segment payloads, concatenated
//	index entries sorted by (series_id asc, start_time asc), 40 B each:
//	  series_id : i64, start_time : i64, end_time : i64,
//	  point_ct : u32, offset : u64, length : u32
//	footer:
//	  index_offset : u64
const (
	segMagic      = "TS"
	segVersion    = 1
	segHeaderLen  = 2 + 1 + 4 + 5
	segIndexEntry = 8 + 8 + 8 + 4 + 8 + 4
	segFooterLen  = 8
)

// A SegmentEntry is one series' compressed payload for one window,
// as handed over by the segment builder.
type SegmentEntry struct {
	SeriesID   int64
	Start      int64
	End        int64
	PointCount uint32
	Data       []byte
}

// A Segment is one sealed, immutable window file, mmapped for reads.
type Segment struct {
	path        string
	windowStart int64
	data        []byte
	indexOff    int
	count       int
}

type segIndex struct {
	seriesID   int64
	start, end int64
	pointCount uint32
	offset     uint64
	length     uint32
}

// writeSegmentFile produces <windowStart>.seg under dir using the
// tmp-write, fsync, rename, fsync-dir sequence.
func writeSegmentFile(dir string, windowStart int64, entries []SegmentEntry) (string, error) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SeriesID != entries[j].SeriesID {
			return entries[i].SeriesID < entries[j].SeriesID
		}
		return entries[i].Start < entries[j].Start
	})

	final := filepath.Join(dir, fmt.Sprintf("%d.seg", windowStart))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var hdr [segHeaderLen]byte
	copy(hdr[0:], segMagic)
	hdr[2] = segVersion
	binary.LittleEndian.PutUint32(hdr[3:], uint32(len(entries)))
	if _, err := f.Write(hdr[:]); err != nil {
		return "", err
	}

	offset := uint64(segHeaderLen)
	for _, e := range entries {
		if _, err := f.Write(e.Data); err != nil {
			return "", err
		}
		offset += uint64(len(e.Data))
	}

	indexOff := offset
	var ent [segIndexEntry]byte
	dataOff := uint64(segHeaderLen)
	for _, e := range entries {
		binary.LittleEndian.PutUint64(ent[0:], uint64(e.SeriesID))
		binary.LittleEndian.PutUint64(ent[8:], uint64(e.Start))
		binary.LittleEndian.PutUint64(ent[16:], uint64(e.End))
		binary.LittleEndian.PutUint32(ent[24:], e.PointCount)
		binary.LittleEndian.PutUint64(ent[28:], dataOff)
		binary.LittleEndian.PutUint32(ent[36:], uint32(len(e.Data)))
		if _, err := f.Write(ent[:]); err != nil {
			return "", err
		}
		dataOff += uint64(len(e.Data))
	}

	var footer [segFooterLen]byte
	binary.LittleEndian.PutUint64(footer[:], indexOff)
	if _, err := f.Write(footer[:]); err != nil {
		return "", err
	}

	if err := f.Sync(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}
	if err := syncDir(dir); err != nil {
		return "", err
	}

	return final, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// openSegment mmaps a sealed segment and validates its framing.
func openSegment(path string, windowStart int64) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmapFile(f)
	if err != nil {
		return nil, err
	}

	sg := &Segment{path: path, windowStart: windowStart, data: data}
	if err := sg.validate(); err != nil {
		munmapFile(data)
		return nil, err
	}
	return sg, nil
}

func (sg *Segment) validate() error {
	if len(sg.data) < segHeaderLen+segFooterLen {
		return fmt.Errorf("%w: %s: file too short", schema.ErrCorruptSegment, sg.path)
	}
	if string(sg.data[0:2]) != segMagic || sg.data[2] != segVersion {
		return fmt.Errorf("%w: %s: bad magic or version", schema.ErrCorruptSegment, sg.path)
	}

	sg.count = int(binary.LittleEndian.Uint32(sg.data[3:]))
	indexOff := binary.LittleEndian.Uint64(sg.data[len(sg.data)-segFooterLen:])
	need := indexOff + uint64(sg.count)*segIndexEntry + segFooterLen
	if indexOff < segHeaderLen || need != uint64(len(sg.data)) {
		return fmt.Errorf("%w: %s: index out of bounds", schema.ErrCorruptSegment, sg.path)
	}
	sg.indexOff = int(indexOff)
	return nil
}

func (sg *Segment) close() {
	munmapFile(sg.data)
	sg.data = nil
}

func (sg *Segment) indexEntry(i int) segIndex {
	off := sg.indexOff + i*segIndexEntry
	e := sg.data[off : off+segIndexEntry]
	return segIndex{
		seriesID:   int64(binary.LittleEndian.Uint64(e[0:])),
		start:      int64(binary.LittleEndian.Uint64(e[8:])),
		end:        int64(binary.LittleEndian.Uint64(e[16:])),
		pointCount: binary.LittleEndian.Uint32(e[24:]),
		offset:     binary.LittleEndian.Uint64(e[28:]),
		length:     binary.LittleEndian.Uint32(e[36:]),
	}
}

// find returns the payload blobs of seriesID whose [start, end] range
// overlaps [from, to). Lookup is a binary search for the series run,
// then a scan within it.
func (sg *Segment) find(seriesID, from, to int64) ([][]byte, error) {
	lo := sort.Search(sg.count, func(i int) bool {
		return sg.indexEntry(i).seriesID >= seriesID
	})

	var blobs [][]byte
	for i := lo; i < sg.count; i++ {
		e := sg.indexEntry(i)
		if e.seriesID != seriesID {
			break
		}
		if e.start >= to || e.end < from {
			continue
		}
		blob, err := sg.payload(e)
		if err != nil {
			return blobs, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

func (sg *Segment) payload(e segIndex) ([]byte, error) {
	end := e.offset + uint64(e.length)
	if end > uint64(sg.indexOff) {
		return nil, fmt.Errorf("%w: %s: payload out of bounds", schema.ErrCorruptSegment, sg.path)
	}
	return sg.data[e.offset:end], nil
}

// forEach visits every index entry of the segment.
func (sg *Segment) forEach(f func(seriesID int64, start, end int64, pointCount uint32, blob []byte) error) error {
	for i := 0; i < sg.count; i++ {
		e := sg.indexEntry(i)
		blob, err := sg.payload(e)
		if err != nil {
			return err
		}
		if err := f(e.seriesID, e.start, e.end, e.pointCount, blob); err != nil {
			return err
		}
	}
	return nil
}

func (sg *Segment) pointsEstimate() int64 {
	var n int64
	for i := 0; i < sg.count; i++ {
		n += int64(sg.indexEntry(i).pointCount)
	}
	return n
}
