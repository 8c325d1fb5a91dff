// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package iohandler defines the blocking I/O interface a container is stored
// behind, along with file and memory backed implementations.
package iohandler

import (
	"io"

	"github.com/cockroachdb/errors"
)

// Handler is a seekable, readable, writable medium holding one container.
//
// Typically, it will wrap an *os.File, but test code may choose to substitute
// memory-backed implementations. Read and Write may transfer fewer bytes than
// requested without returning an error; callers that need the whole transfer
// should use ReadAt and WriteAt.
type Handler interface {
	io.Closer
	io.Seeker
	io.Reader
	io.Writer

	// Truncate changes the size of the medium. Handlers that cannot shrink the
	// medium return ErrTruncateUnsupported.
	Truncate(size int64) error

	// Size returns the current physical size of the medium.
	Size() (int64, error)
}

var (
	// ErrTruncateUnsupported is returned by Handler.Truncate when the medium
	// cannot be truncated.
	ErrTruncateUnsupported = errors.New("bento/iohandler: truncate unsupported")

	// ErrShortRead is returned when a read makes no progress before the
	// requested number of bytes was transferred.
	ErrShortRead = errors.New("bento/iohandler: short read")

	// ErrShortWrite is returned when a write makes no progress before the
	// requested number of bytes was transferred.
	ErrShortWrite = errors.New("bento/iohandler: short write")
)

// ReadAt seeks to off and reads exactly len(p) bytes, retrying partial
// transfers. It returns ErrShortRead if the medium stops yielding bytes.
func ReadAt(h Handler, p []byte, off int64) error {
	if _, err := h.Seek(off, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek to %d", off)
	}
	for n := 0; n < len(p); {
		m, err := h.Read(p[n:])
		n += m
		if n == len(p) {
			break
		}
		if err != nil && err != io.EOF {
			return errors.Wrapf(err, "read %d bytes at %d", len(p), off)
		}
		if m == 0 {
			return errors.Wrapf(ErrShortRead, "read %d of %d bytes at %d", n, len(p), off)
		}
	}
	return nil
}

// WriteAt seeks to off and writes all of p, retrying partial transfers. It
// returns ErrShortWrite if the medium stops accepting bytes.
func WriteAt(h Handler, p []byte, off int64) error {
	if _, err := h.Seek(off, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek to %d", off)
	}
	return writeFull(h, p, off)
}

func writeFull(h Handler, p []byte, off int64) error {
	for n := 0; n < len(p); {
		m, err := h.Write(p[n:])
		n += m
		if n == len(p) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "write %d bytes at %d", len(p), off)
		}
		if m == 0 {
			return errors.Wrapf(ErrShortWrite, "wrote %d of %d bytes at %d", n, len(p), off)
		}
	}
	return nil
}

// Append writes p at the current end of the medium and returns the offset it
// was written at.
func Append(h Handler, p []byte) (int64, error) {
	off, err := h.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "seek to end")
	}
	return off, writeFull(h, p, off)
}

// Syncer is implemented by handlers whose writes may be buffered below the
// process, such as file handlers.
type Syncer interface {
	// SyncData persists written data to stable storage.
	SyncData() error
}

// Sync persists h's written data if h implements Syncer. It is a no-op for
// other handlers.
func Sync(h Handler) error {
	if s, ok := h.(Syncer); ok {
		return errors.Wrap(s.SyncData(), "sync")
	}
	return nil
}
