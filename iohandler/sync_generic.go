// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !linux || arm

package iohandler

func (f *fileHandler) SyncData() error {
	if f.readOnly {
		return nil
	}
	return f.File.Sync()
}
