// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package refcache maps reference keys embedded in a value's data to the
// objects they refer to.
//
// The associations of one value are persisted as the data of a private,
// protected object linked from the value (graph.Value.RefObject). The list is
// the value at (base.PropertyReferences, base.TypeReferences) of that object
// and is a packed array of 8 byte records:
//
//	+---------+-------------+
//	| Key(4B) | Object (4B) |
//	+---------+-------------+
//
// Both fields are big-endian. The first lookup against a list reads it once
// and builds an in-memory shadow index; the shadow is then kept in step with
// every mutation and never invalidated.
package refcache

import (
	"encoding/binary"
	"slices"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/graph"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
)

// RecordSize is the size of one persisted association.
const RecordSize = 8

// ValueData reads and mutates the bytes of a value. It is implemented by the
// container, which owns the medium and the free-space allocator.
type ValueData interface {
	// ReadAt fills p from the value's bytes starting at off.
	ReadAt(v *graph.Value, p []byte, off int64) error
	// WriteAt overwrites the value's bytes at off. It never extends the value.
	WriteAt(v *graph.Value, p []byte, off int64) error
	// Append adds p to the end of the value.
	Append(v *graph.Value, p []byte) error
	// Delete removes n bytes at off, closing the gap.
	Delete(v *graph.Value, off, n int64) error
}

// Result is the outcome of Lookup.
type Result struct {
	Found bool
	// ObjectID is the target of the key if found.
	ObjectID base.ObjectID
	// Offset is the position of the key's record within the association list
	// if found, and the position a new record would be appended at otherwise.
	Offset int64
}

// Stats are cumulative cache counters.
type Stats struct {
	// Lookups counts key searches.
	Lookups int64
	// Builds counts shadow indexes built from persisted records.
	Builds int64
	// Shadows is the number of shadow indexes currently held.
	Shadows int
}

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("refs: %d lookups, %d builds, %d shadows",
		redact.SafeInt(s.Lookups), redact.SafeInt(s.Builds), redact.SafeInt(s.Shadows))
}

// String implements fmt.Stringer.
func (s Stats) String() string { return redact.StringWithoutMarkers(s) }

type record struct {
	key    uint32
	target base.ObjectID
}

// shadow mirrors one persisted association list.
type shadow struct {
	// records are in persisted order; records[i] is at offset i*RecordSize.
	records []record
	slots   swiss.Map[uint32, int]
}

func (s *shadow) init(n int) {
	s.slots.Init(n)
}

func (s *shadow) add(r record) {
	s.slots.Put(r.key, len(s.records))
	s.records = append(s.records, r)
}

func (s *shadow) remove(slot int) {
	s.slots.Delete(s.records[slot].key)
	s.records = slices.Delete(s.records, slot, slot+1)
	for i := slot; i < len(s.records); i++ {
		s.slots.Put(s.records[i].key, i)
	}
}

// Cache holds the shadow indexes of one container.
type Cache struct {
	store   *graph.Store
	data    ValueData
	shadows swiss.Map[base.ObjectID, *shadow]
	stats   Stats
}

// New returns a cache over the objects of store.
func New(store *graph.Store, data ValueData) *Cache {
	c := &Cache{store: store, data: data}
	c.shadows.Init(8)
	return c
}

// Stats returns the cache's counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Shadows = c.shadows.Len()
	return s
}

// list returns the association list value of v, or nil if v has none.
func (c *Cache) list(v *graph.Value) (*graph.Value, error) {
	if v.RefObject == 0 {
		return nil, nil
	}
	o := c.store.Object(v.RefObject)
	if o == nil {
		return nil, base.CorruptionErrorf("bento/refcache: reference object %s of value %s.%d is missing",
			v.RefObject, v.Object().ID, errors.Safe(v.Property().ID))
	}
	return o.Value(base.PropertyReferences, base.TypeReferences), nil
}

// Lookup searches the associations of v for key. The first lookup against a
// list reads it and builds its shadow index in the same pass; later lookups
// do no I/O.
func (c *Cache) Lookup(v *graph.Value, key uint32) (Result, error) {
	c.stats.Lookups++
	list, err := c.list(v)
	if err != nil || list == nil {
		return Result{}, err
	}
	if sh, ok := c.shadows.Get(v.RefObject); ok {
		return sh.lookup(key), nil
	}

	size := list.Size()
	if size%RecordSize != 0 {
		return Result{}, base.CorruptionErrorf("bento/refcache: association list of object %s has size %d",
			v.RefObject, errors.Safe(size))
	}
	buf := make([]byte, size)
	if err := c.data.ReadAt(list, buf, 0); err != nil {
		return Result{}, errors.Wrapf(err, "bento/refcache: reading associations of object %s", v.RefObject)
	}
	sh := &shadow{}
	sh.init(int(size / RecordSize))
	res := Result{Offset: size}
	for off := 0; off < len(buf); off += RecordSize {
		r := record{
			key:    binary.BigEndian.Uint32(buf[off:]),
			target: base.ObjectID(binary.BigEndian.Uint32(buf[off+4:])),
		}
		if _, dup := sh.slots.Get(r.key); dup {
			return Result{}, base.CorruptionErrorf("bento/refcache: duplicate key %d in object %s",
				errors.Safe(r.key), v.RefObject)
		}
		if r.key == key {
			res = Result{Found: true, ObjectID: r.target, Offset: int64(off)}
		}
		sh.add(r)
	}
	c.shadows.Put(v.RefObject, sh)
	c.stats.Builds++
	return res, nil
}

func (s *shadow) lookup(key uint32) Result {
	if slot, ok := s.slots.Get(key); ok {
		return Result{Found: true, ObjectID: s.records[slot].target, Offset: int64(slot) * RecordSize}
	}
	return Result{Offset: int64(len(s.records)) * RecordSize}
}

// create attaches a new, empty association list to v.
func (c *Cache) create(v *graph.Value) (*graph.Value, error) {
	o := c.store.NewObject()
	o.Private = true
	p, err := o.AddProperty(base.PropertyReferences)
	if err != nil {
		return nil, err
	}
	list, err := p.AddValue(base.TypeReferences, 0)
	if err != nil {
		return nil, err
	}
	list.Flags |= base.ValueFlagProtected
	o.Protected = true
	v.RefObject = o.ID

	sh := &shadow{}
	sh.init(4)
	c.shadows.Put(o.ID, sh)
	return list, nil
}

// Set associates key with target in v's list, creating the list on first use.
func (c *Cache) Set(v *graph.Value, key uint32, target base.ObjectID) error {
	if target == 0 {
		return errors.AssertionFailedf("bento/refcache: association with object 0")
	}
	list, err := c.list(v)
	if err != nil {
		return err
	}
	if list == nil {
		if list, err = c.create(v); err != nil {
			return err
		}
	}
	res, err := c.Lookup(v, key)
	if err != nil {
		return err
	}
	sh, _ := c.shadows.Get(v.RefObject)
	var rec [RecordSize]byte
	binary.BigEndian.PutUint32(rec[0:], key)
	binary.BigEndian.PutUint32(rec[4:], uint32(target))
	switch {
	case res.Found && res.ObjectID == target:
		return nil
	case res.Found:
		if err := c.data.WriteAt(list, rec[4:], res.Offset+4); err != nil {
			return err
		}
		sh.records[res.Offset/RecordSize].target = target
	default:
		if err := c.data.Append(list, rec[:]); err != nil {
			return err
		}
		sh.add(record{key: key, target: target})
	}
	return nil
}

// Delete removes key from v's list. When the last association goes, the
// private object holding the list is deleted and v is unlinked from it. It
// returns false if key was not associated.
func (c *Cache) Delete(v *graph.Value, key uint32) (bool, error) {
	res, err := c.Lookup(v, key)
	if err != nil || !res.Found {
		return false, err
	}
	list, err := c.list(v)
	if err != nil {
		return false, err
	}
	if err := c.data.Delete(list, res.Offset, RecordSize); err != nil {
		return false, err
	}
	sh, _ := c.shadows.Get(v.RefObject)
	sh.remove(int(res.Offset / RecordSize))
	if len(sh.records) == 0 {
		return true, c.drop(v)
	}
	return true, nil
}

// DeleteAll removes every association of v along with the private object
// holding them.
func (c *Cache) DeleteAll(v *graph.Value) error {
	list, err := c.list(v)
	if err != nil || v.RefObject == 0 {
		return err
	}
	if list != nil {
		if size := list.Size(); size > 0 {
			if err := c.data.Delete(list, 0, size); err != nil {
				return err
			}
		}
	}
	return c.drop(v)
}

func (c *Cache) drop(v *graph.Value) error {
	id := v.RefObject
	if o := c.store.Object(id); o != nil {
		o.Protected = false
		if _, err := c.store.DeleteObject(id); err != nil {
			return err
		}
	}
	c.shadows.Delete(id)
	v.RefObject = 0
	return nil
}

// ForEach calls fn for every association of v in persisted order, stopping
// early if fn returns false.
func (c *Cache) ForEach(v *graph.Value, fn func(key uint32, target base.ObjectID) bool) error {
	if v.RefObject == 0 {
		return nil
	}
	// A lookup builds the shadow if needed.
	if _, err := c.Lookup(v, 0); err != nil {
		return err
	}
	sh, ok := c.shadows.Get(v.RefObject)
	if !ok {
		return nil
	}
	for _, r := range sh.records {
		if !fn(r.key, r.target) {
			return nil
		}
	}
	return nil
}

// Len returns the number of associations of v.
func (c *Cache) Len(v *graph.Value) (int, error) {
	n := 0
	err := c.ForEach(v, func(uint32, base.ObjectID) bool {
		n++
		return true
	})
	return n, err
}
