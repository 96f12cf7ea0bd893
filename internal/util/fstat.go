// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// CheckFileExists reports whether path names an existing file. The
// config loader uses it to distinguish "no config file, run on
// defaults" from a file that exists but cannot be read.
func CheckFileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

// DiskUsage sums the sizes of all regular files below dirpath. Shard
// directories nest (raw/, tier_*/), so the walk is recursive; info's
// storage-bytes-by-shard is computed from this.
func DiskUsage(dirpath string) int64 {
	var size int64

	err := filepath.WalkDir(dirpath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		cclog.Errorf("DiskUsage() error: %v", err)
	}

	return size
}
