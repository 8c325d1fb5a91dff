// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package graph holds a container's in-memory object graph: objects, their
// properties, the typed values stored under each property and the segments
// locating each value's bytes.
//
// The TOC writer walks the graph to encode it and the TOC reader populates it
// while decoding. Nodes are plain structs owned by the Store; callers must
// serialize all access.
package graph

import (
	"slices"

	"github.com/bentoformat/bento/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
)

var (
	// ErrProtected is returned when a caller attempts to mutate a node owned
	// by another component.
	ErrProtected = errors.New("bento: object is protected")

	// ErrExists is returned when creating a node whose ID is already in use.
	ErrExists = errors.New("bento: already exists")
)

// Segment locates one contiguous chunk of a value's bytes. A segment is either
// immediate (up to 4 bytes carried inline) or an (Offset, Length) range in the
// container.
type Segment struct {
	Offset int64
	Length int64
	// Data holds the bytes of an immediate segment.
	Data [4]byte
	// Immediate is set if the segment's bytes are in Data.
	Immediate bool
	// Unexternalized is set for segments whose bytes have not yet been written
	// to the container. Such segments never describe reclaimable space.
	Unexternalized bool
}

// End returns the offset just past the segment.
func (s Segment) End() int64 { return s.Offset + s.Length }

// SafeFormat implements redact.SafeFormatter.
func (s Segment) SafeFormat(w redact.SafePrinter, _ rune) {
	if s.Immediate {
		w.Printf("imm(%x)", s.Data[:s.Length])
		return
	}
	w.Printf("[%d,%d)", redact.SafeInt(s.Offset), redact.SafeInt(s.End()))
}

// String implements fmt.Stringer.
func (s Segment) String() string { return redact.StringWithoutMarkers(s) }

// Value is one typed value under a property.
type Value struct {
	Type       base.TypeID
	Generation base.Generation
	// Flags holds the value's persistent flags. Code-implied flags
	// (immediate, continued) are tracked per segment instead.
	Flags base.ValueFlags
	// RefObject is the private object holding this value's reference
	// associations, or zero.
	RefObject base.ObjectID
	Segments  []Segment

	prop *Property
}

// Property returns the property the value belongs to.
func (v *Value) Property() *Property { return v.prop }

// Object returns the object the value belongs to.
func (v *Value) Object() *Object { return v.prop.obj }

// Size returns the total length of the value's bytes.
func (v *Value) Size() int64 {
	var n int64
	for i := range v.Segments {
		n += v.Segments[i].Length
	}
	return n
}

// Protected returns true if the value or its object is write-protected.
func (v *Value) Protected() bool {
	return v.Flags&base.ValueFlagProtected != 0 || v.prop.obj.Protected
}

// Property is a named slot on an object holding values of distinct types.
type Property struct {
	ID     base.PropertyID
	Values []*Value

	obj *Object
}

// Object returns the object the property belongs to.
func (p *Property) Object() *Object { return p.obj }

// Value returns the value of the given type, or nil.
func (p *Property) Value(t base.TypeID) *Value {
	for _, v := range p.Values {
		if v.Type == t {
			return v
		}
	}
	return nil
}

// AddValue appends a new, empty value of type t.
func (p *Property) AddValue(t base.TypeID, gen base.Generation) (*Value, error) {
	if p.Value(t) != nil {
		return nil, errors.Wrapf(ErrExists, "value %d.%d.%d", p.obj.ID, p.ID, t)
	}
	v := &Value{Type: t, Generation: gen, prop: p}
	p.Values = append(p.Values, v)
	return v, nil
}

// RemoveValue unlinks the value of type t. It returns the removed value, or
// nil if there was none.
func (p *Property) RemoveValue(t base.TypeID) *Value {
	for i, v := range p.Values {
		if v.Type == t {
			p.Values = slices.Delete(p.Values, i, i+1)
			return v
		}
	}
	return nil
}

// Object is a catalog object.
type Object struct {
	ID         base.ObjectID
	Properties []*Property
	// Private objects are excluded from enumeration. They are still persisted.
	Private bool
	// Protected objects refuse deletion and structural mutation by anyone but
	// their owner, which clears the flag first.
	Protected bool
}

// Property returns the property with the given ID, or nil.
func (o *Object) Property(id base.PropertyID) *Property {
	for _, p := range o.Properties {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AddProperty returns the property with the given ID, creating it if needed.
func (o *Object) AddProperty(id base.PropertyID) (*Property, error) {
	if p := o.Property(id); p != nil {
		return p, nil
	}
	if o.Protected {
		return nil, errors.Wrapf(ErrProtected, "object %d", o.ID)
	}
	p := &Property{ID: id, obj: o}
	o.Properties = append(o.Properties, p)
	return p, nil
}

// RemoveProperty unlinks the property with the given ID and returns it.
func (o *Object) RemoveProperty(id base.PropertyID) (*Property, error) {
	if o.Protected {
		return nil, errors.Wrapf(ErrProtected, "object %d", o.ID)
	}
	for i, p := range o.Properties {
		if p.ID == id {
			o.Properties = slices.Delete(o.Properties, i, i+1)
			return p, nil
		}
	}
	return nil, nil
}

// Value returns the value at property pid with type tid, or nil.
func (o *Object) Value(pid base.PropertyID, tid base.TypeID) *Value {
	if p := o.Property(pid); p != nil {
		return p.Value(tid)
	}
	return nil
}

// Store owns every object of one container.
type Store struct {
	objects swiss.Map[base.ObjectID, *Object]
	// ids holds every object ID. It is sorted lazily before walks.
	ids    []base.ObjectID
	sorted bool
	// seed is the next object ID handed out by NewObject.
	seed base.ObjectID
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{seed: base.FirstUserObjectID, sorted: true}
	s.objects.Init(16)
	return s
}

// Seed returns the next object ID NewObject will hand out.
func (s *Store) Seed() base.ObjectID { return s.seed }

// SetSeed sets the next object ID to hand out. Seeds below
// base.FirstUserObjectID are ignored.
func (s *Store) SetSeed(id base.ObjectID) {
	if id > s.seed {
		s.seed = id
	}
}

// Len returns the number of objects, including private ones.
func (s *Store) Len() int { return s.objects.Len() }

// Object returns the object with the given ID, or nil.
func (s *Store) Object(id base.ObjectID) *Object {
	o, _ := s.objects.Get(id)
	return o
}

// NewObject creates an object with a fresh ID.
func (s *Store) NewObject() *Object {
	for {
		id := s.seed
		s.seed++
		if o, err := s.CreateObject(id); err == nil {
			return o
		}
	}
}

// CreateObject creates an object with the given ID.
func (s *Store) CreateObject(id base.ObjectID) (*Object, error) {
	if id == 0 {
		return nil, errors.AssertionFailedf("object ID 0 is reserved")
	}
	if _, ok := s.objects.Get(id); ok {
		return nil, errors.Wrapf(ErrExists, "object %d", id)
	}
	o := &Object{ID: id}
	s.objects.Put(id, o)
	if n := len(s.ids); n > 0 && s.ids[n-1] > id {
		s.sorted = false
	}
	s.ids = append(s.ids, id)
	if id >= s.seed && id >= base.FirstUserObjectID {
		s.seed = id + 1
	}
	return o, nil
}

// GetOrCreateObject returns the object with the given ID, creating it if it
// does not exist.
func (s *Store) GetOrCreateObject(id base.ObjectID) (*Object, error) {
	if o := s.Object(id); o != nil {
		return o, nil
	}
	return s.CreateObject(id)
}

// DeleteObject removes an object and returns it so the caller can reclaim its
// values' space.
func (s *Store) DeleteObject(id base.ObjectID) (*Object, error) {
	o, ok := s.objects.Get(id)
	if !ok {
		return nil, errors.Wrapf(base.ErrNotFound, "object %d", id)
	}
	if o.Protected {
		return nil, errors.Wrapf(ErrProtected, "object %d", id)
	}
	s.objects.Delete(id)
	if i := slices.Index(s.ids, id); i >= 0 {
		s.ids = slices.Delete(s.ids, i, i+1)
	}
	return o, nil
}

func (s *Store) sortIDs() {
	if !s.sorted {
		slices.Sort(s.ids)
		s.sorted = true
	}
}

// All calls fn for every object, private ones included, in ID order. It stops
// early if fn returns false.
func (s *Store) All(fn func(*Object) bool) {
	s.sortIDs()
	for _, id := range slices.Clone(s.ids) {
		if o := s.Object(id); o != nil && !fn(o) {
			return
		}
	}
}

// Objects calls fn for every public object in ID order. It stops early if fn
// returns false.
func (s *Store) Objects(fn func(*Object) bool) {
	s.All(func(o *Object) bool {
		if o.Private {
			return true
		}
		return fn(o)
	})
}
