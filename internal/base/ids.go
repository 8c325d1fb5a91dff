// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"

	"github.com/cockroachdb/redact"
)

// ObjectID identifies an object within a container. Zero is never a valid
// object ID; it is used as the "no object" sentinel.
type ObjectID uint32

// PropertyID identifies a property. Properties are objects, so a PropertyID
// shares the ObjectID space.
type PropertyID uint32

// TypeID identifies a value type. Types are objects, so a TypeID shares the
// ObjectID space.
type TypeID uint32

// Generation is the epoch number recorded with each value.
type Generation uint32

// String implements fmt.Stringer.
func (id ObjectID) String() string { return fmt.Sprintf("%d", uint32(id)) }

// SafeFormat implements redact.SafeFormatter.
func (id ObjectID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(id))
}

// String implements fmt.Stringer.
func (id PropertyID) String() string { return fmt.Sprintf("%d", uint32(id)) }

// SafeFormat implements redact.SafeFormatter.
func (id PropertyID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(id))
}

// String implements fmt.Stringer.
func (id TypeID) String() string { return fmt.Sprintf("%d", uint32(id)) }

// SafeFormat implements redact.SafeFormatter.
func (id TypeID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(id))
}

// Reserved catalog identifiers. These values are part of the persisted format
// and must not be changed.
const (
	// ObjectIDTOC is the catalog's own object. Its properties describe the TOC
	// itself, the container and the free list.
	ObjectIDTOC ObjectID = 1

	// PropertyTOCSeed holds, as a 4-byte immediate, the next object ID to hand
	// out.
	PropertyTOCSeed PropertyID = 2
	// PropertyTOCObject holds the (offset, size) of the TOC.
	PropertyTOCObject PropertyID = 4
	// PropertyTOCContainer holds (0, size) of the whole container.
	PropertyTOCContainer PropertyID = 5
	// PropertyTOCFree holds the free list, one segment per free range.
	PropertyTOCFree PropertyID = 7
	// PropertyTOCNewValues holds the (offset, size) of the values written by
	// an updating container.
	PropertyTOCNewValues PropertyID = 8

	// TypeTOCValue is the type of every value on the TOC object.
	TypeTOCValue TypeID = 19

	// PropertyReferences holds reference associations inside the private
	// object attached to a value.
	PropertyReferences PropertyID = 20
	// TypeReferences is the type of the reference association value.
	TypeReferences TypeID = 21

	// FirstUserObjectID is the lowest object ID handed out to callers.
	FirstUserObjectID ObjectID = 100
)

// ValueFlags are the persisted per-segment flags of a value.
type ValueFlags uint32

const (
	// ValueFlagImmediate indicates the segment carries its data inline.
	ValueFlagImmediate ValueFlags = 1 << 0
	// ValueFlagContinued indicates more segments of the same value follow.
	ValueFlagContinued ValueFlags = 1 << 1
	// ValueFlagProtected marks a value that may only be mutated by the
	// component that owns it.
	ValueFlagProtected ValueFlags = 1 << 2
	// ValueFlagDynamic marks a value produced by a dynamic value handler.
	ValueFlagDynamic ValueFlags = 1 << 3

	// ValueFlagsImplied are the flags carried by an entry's code rather than
	// spelled out.
	ValueFlagsImplied = ValueFlagImmediate | ValueFlagContinued
)

// String implements fmt.Stringer.
func (f ValueFlags) String() string {
	return redact.StringWithoutMarkers(f)
}

// SafeFormat implements redact.SafeFormatter.
func (f ValueFlags) SafeFormat(w redact.SafePrinter, _ rune) {
	if f == 0 {
		w.SafeString("-")
		return
	}
	sep := redact.SafeString("")
	for _, n := range [...]struct {
		f    ValueFlags
		name redact.SafeString
	}{
		{ValueFlagImmediate, "imm"},
		{ValueFlagContinued, "contd"},
		{ValueFlagProtected, "prot"},
		{ValueFlagDynamic, "dyn"},
	} {
		if f&n.f != 0 {
			w.Print(sep)
			w.Print(n.name)
			sep = "|"
			f &^= n.f
		}
	}
	if f != 0 {
		w.Printf("%s0x%x", sep, redact.SafeUint(f))
	}
}
