// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package errorinject wraps an iohandler.Handler, injecting errors into its
// operations.
package errorinject

import (
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
)

// ErrInjected is the error returned by injected faults.
var ErrInjected = errors.New("injected error")

// Op identifies a Handler operation.
type Op int

const (
	// OpSeek is Handler.Seek.
	OpSeek Op = iota
	// OpRead is Handler.Read.
	OpRead
	// OpWrite is Handler.Write.
	OpWrite
	// OpTruncate is Handler.Truncate.
	OpTruncate
	// OpSize is Handler.Size.
	OpSize
)

// Injector decides whether an operation fails.
type Injector interface {
	MaybeError(op Op) error
}

// OnIndex constructs an injector that returns an error on the (n+1)-th
// invocation of its MaybeError function.
func OnIndex(index int32) *InjectIndex {
	return &InjectIndex{index: index}
}

// InjectIndex implements Injector, injecting an error at a specific index.
type InjectIndex struct {
	index int32
}

// Index returns the index at which the error will be injected.
func (ii *InjectIndex) Index() int32 { return ii.index }

// SetIndex sets the index at which the error will be injected.
func (ii *InjectIndex) SetIndex(v int32) { ii.index = v }

// MaybeError implements the Injector interface.
func (ii *InjectIndex) MaybeError(Op) error {
	ii.index--
	if ii.index == -1 {
		return ErrInjected
	}
	return nil
}

// OnOp returns an injector that fails only the given operation, on its
// (n+1)-th invocation.
func OnOp(op Op, index int32) Injector {
	return &onOp{op: op, inner: InjectIndex{index: index}}
}

type onOp struct {
	op    Op
	inner InjectIndex
}

func (o *onOp) MaybeError(op Op) error {
	if op != o.op {
		return nil
	}
	return o.inner.MaybeError(op)
}

// Handler implements iohandler.Handler, injecting errors into its operations.
type Handler struct {
	h   iohandler.Handler
	inj Injector
}

var _ iohandler.Handler = (*Handler)(nil)

// Wrap wraps an existing handler. If the injector returns an error for an
// operation, the error is returned instead of performing the operation.
func Wrap(h iohandler.Handler, inj Injector) *Handler {
	return &Handler{h: h, inj: inj}
}

// Close implements io.Closer. Close is never failed.
func (e *Handler) Close() error {
	return e.h.Close()
}

// Seek implements io.Seeker.
func (e *Handler) Seek(offset int64, whence int) (int64, error) {
	if err := e.inj.MaybeError(OpSeek); err != nil {
		return 0, err
	}
	return e.h.Seek(offset, whence)
}

// Read implements io.Reader.
func (e *Handler) Read(p []byte) (int, error) {
	if err := e.inj.MaybeError(OpRead); err != nil {
		return 0, err
	}
	return e.h.Read(p)
}

// Write implements io.Writer.
func (e *Handler) Write(p []byte) (int, error) {
	if err := e.inj.MaybeError(OpWrite); err != nil {
		return 0, err
	}
	return e.h.Write(p)
}

// Truncate implements iohandler.Handler.
func (e *Handler) Truncate(size int64) error {
	if err := e.inj.MaybeError(OpTruncate); err != nil {
		return err
	}
	return e.h.Truncate(size)
}

// Size implements iohandler.Handler.
func (e *Handler) Size() (int64, error) {
	if err := e.inj.MaybeError(OpSize); err != nil {
		return 0, err
	}
	return e.h.Size()
}
