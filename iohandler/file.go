// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package iohandler

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Create creates the named file for reading and writing, truncating it if it
// already exists.
func Create(name string) (Handler, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC|syscall.O_CLOEXEC, 0666)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &fileHandler{File: f}, nil
}

// Open opens the named file. When readOnly is set the returned handler
// refuses writes and truncation.
func Open(name string, readOnly bool) (Handler, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(name, flag|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &fileHandler{File: f, readOnly: readOnly}, nil
}

type fileHandler struct {
	*os.File
	readOnly bool
}

func (f *fileHandler) Write(p []byte) (int, error) {
	if f.readOnly {
		return 0, errors.Newf("bento/iohandler: %s opened read-only", errors.Safe(f.Name()))
	}
	return f.File.Write(p)
}

func (f *fileHandler) Truncate(size int64) error {
	if f.readOnly {
		return ErrTruncateUnsupported
	}
	return f.File.Truncate(size)
}

func (f *fileHandler) Size() (int64, error) {
	fi, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
