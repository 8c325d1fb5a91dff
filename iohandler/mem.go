// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package iohandler

import (
	"io"

	"github.com/cockroachdb/errors"
)

// MemOption configures a memory-backed Handler.
type MemOption func(*MemHandler)

// WithoutTruncate makes the handler refuse Truncate, like media that can only
// grow.
func WithoutTruncate() MemOption {
	return func(m *MemHandler) { m.noTruncate = true }
}

// WithMaxTransfer caps the bytes moved by a single Read or Write call,
// simulating media that return partial transfers.
func WithMaxTransfer(n int) MemOption {
	return func(m *MemHandler) { m.maxTransfer = n }
}

// NewMem returns a new memory-backed Handler holding a copy of data.
func NewMem(data []byte, opts ...MemOption) *MemHandler {
	m := &MemHandler{data: append([]byte(nil), data...)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MemHandler implements Handler over a byte slice.
type MemHandler struct {
	data        []byte
	pos         int64
	noTruncate  bool
	maxTransfer int
	closed      bool
}

var _ Handler = (*MemHandler)(nil)

// Bytes returns the current contents of the medium. The returned slice aliases
// the handler's storage until the next write.
func (m *MemHandler) Bytes() []byte {
	return m.data
}

// Close implements io.Closer.
func (m *MemHandler) Close() error {
	if m.closed {
		return errors.New("bento/iohandler: double close")
	}
	m.closed = true
	return nil
}

// Seek implements io.Seeker.
func (m *MemHandler) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += m.pos
	case io.SeekEnd:
		offset += int64(len(m.data))
	default:
		return 0, errors.Newf("bento/iohandler: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Newf("bento/iohandler: negative offset %d", offset)
	}
	m.pos = offset
	return offset, nil
}

func (m *MemHandler) limit(n int) int {
	if m.maxTransfer > 0 && n > m.maxTransfer {
		return m.maxTransfer
	}
	return n
}

// Read implements io.Reader.
func (m *MemHandler) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p[:m.limit(len(p))], m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

// Write implements io.Writer. Writing past the end zero-fills any gap.
func (m *MemHandler) Write(p []byte) (int, error) {
	p = p[:m.limit(len(p))]
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.data)
			m.data = grown
		} else {
			old := len(m.data)
			m.data = m.data[:end]
			clear(m.data[old:])
		}
	}
	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

// Truncate implements Handler.
func (m *MemHandler) Truncate(size int64) error {
	if m.noTruncate {
		return ErrTruncateUnsupported
	}
	if size < 0 {
		return errors.Newf("bento/iohandler: negative size %d", size)
	}
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	m.data = append(m.data, make([]byte, size-int64(len(m.data)))...)
	return nil
}

// Size implements Handler.
func (m *MemHandler) Size() (int64, error) {
	return int64(len(m.data)), nil
}
