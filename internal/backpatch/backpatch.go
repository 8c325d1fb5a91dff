// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package backpatch records TOC value fields whose contents are only known
// once the TOC has been written, and overwrites them afterwards.
//
// The TOC describes its own location and the size of the container holding
// it, so those values are written as (0, 0) placeholders and patched once the
// writer has finished. Each patch overwrites exactly the 8 byte value field
// (a big-endian uint32 offset followed by a big-endian uint32 length).
package backpatch

import (
	"encoding/binary"
	"math"

	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Role identifies a patched value.
type Role uint8

const (
	// RoleTOC is the (offset, size) of the TOC itself.
	RoleTOC Role = iota
	// RoleNewValues is the (offset, size) of the values appended by an
	// updating container.
	RoleNewValues
	// RoleContainer is (0, size) of the whole container. It is always patched
	// last.
	RoleContainer

	numRoles
)

var roleNames = [numRoles]redact.SafeString{
	RoleTOC:       "toc",
	RoleNewValues: "new-values",
	RoleContainer: "container",
}

// String implements fmt.Stringer.
func (r Role) String() string { return redact.StringWithoutMarkers(r) }

// SafeFormat implements redact.SafeFormatter.
func (r Role) SafeFormat(w redact.SafePrinter, _ rune) {
	if r < numRoles {
		w.Print(roleNames[r])
		return
	}
	w.Printf("role(%d)", redact.SafeUint(r))
}

// FieldSize is the number of bytes overwritten per patch.
const FieldSize = 8

// Range is the value a patch writes.
type Range struct {
	Offset, Length int64
}

// Ledger tracks the value field offset of each role. The zero value is ready
// to use.
type Ledger struct {
	fields [numRoles]int64
	set    [numRoles]bool
	ranges [numRoles]Range
	have   [numRoles]bool
	spent  bool
}

// Record notes that the value field of role r is at offset off. Each role may
// be recorded at most once.
func (l *Ledger) Record(r Role, off int64) error {
	if r >= numRoles {
		return errors.AssertionFailedf("bento/backpatch: unknown role %d", r)
	}
	if l.spent {
		return errors.AssertionFailedf("bento/backpatch: ledger already applied")
	}
	if l.set[r] {
		return errors.AssertionFailedf("bento/backpatch: %s recorded twice", r)
	}
	l.fields[r], l.set[r] = off, true
	return nil
}

// Recorded returns true if role r has been recorded.
func (l *Ledger) Recorded(r Role) bool { return l.set[r] }

// Set supplies the range to write for role r.
func (l *Ledger) Set(r Role, v Range) {
	l.ranges[r], l.have[r] = v, true
}

// Apply overwrites every recorded field with its range. The container role is
// written last so that a reader never sees a complete container size in front
// of stale TOC fields. Every recorded role must have a range. The ledger can
// be applied once.
func (l *Ledger) Apply(h iohandler.Handler) error {
	if l.spent {
		return errors.AssertionFailedf("bento/backpatch: ledger already applied")
	}
	l.spent = true
	var buf [FieldSize]byte
	for _, r := range [...]Role{RoleTOC, RoleNewValues, RoleContainer} {
		if !l.set[r] {
			continue
		}
		if !l.have[r] {
			return errors.AssertionFailedf("bento/backpatch: no value for %s", r)
		}
		v := l.ranges[r]
		if v.Offset < 0 || v.Offset > math.MaxUint32 || v.Length < 0 || v.Length > math.MaxUint32 {
			return errors.Newf("bento/backpatch: %s range %d/%d does not fit a 4+4 field", r, v.Offset, v.Length)
		}
		binary.BigEndian.PutUint32(buf[0:], uint32(v.Offset))
		binary.BigEndian.PutUint32(buf[4:], uint32(v.Length))
		if err := iohandler.WriteAt(h, buf[:], l.fields[r]); err != nil {
			return errors.Wrapf(err, "bento/backpatch: patching %s", r)
		}
	}
	return nil
}
