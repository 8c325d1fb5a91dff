// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import (
	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/graph"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
)

// ObjectInfo describes one object.
type ObjectInfo struct {
	ID     ObjectID
	Values []ValueInfo
}

// ValueInfo describes one value.
type ValueInfo struct {
	ID         ValueID
	Generation Generation
	Flags      ValueFlags
	Size       int64
	// References is true if the value carries reference associations.
	References bool
}

func infoOf(v *graph.Value) ValueInfo {
	return ValueInfo{
		ID:         valueIDOf(v),
		Generation: v.Generation,
		Flags:      v.Flags,
		Size:       v.Size(),
		References: v.RefObject != 0,
	}
}

// publicObject returns the caller-visible object id. If forWrite is set, the
// object must also be mutable.
func (c *Container) publicObject(id ObjectID, forWrite bool) (*graph.Object, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if forWrite && id < base.FirstUserObjectID {
		return nil, errors.Wrapf(ErrProtected, "object %s", id)
	}
	o := c.store.Object(id)
	if o == nil || o.Private {
		return nil, errors.Wrapf(ErrNotFound, "object %s", id)
	}
	if forWrite && o.Protected {
		return nil, errors.Wrapf(ErrProtected, "object %s", id)
	}
	return o, nil
}

// lookupValue returns the value named by id, or ErrNotFound.
func (c *Container) lookupValue(id ValueID, forWrite bool) (*graph.Value, error) {
	o, err := c.publicObject(id.Object, forWrite)
	if err != nil {
		return nil, err
	}
	v := o.Value(id.Property, id.Type)
	if v == nil {
		return nil, errors.Wrapf(ErrNotFound, "value %s", id)
	}
	if forWrite && v.Protected() {
		return nil, errors.Wrapf(ErrProtected, "value %s", id)
	}
	return v, nil
}

// ensureValue returns the value named by id, creating it empty if needed.
func (c *Container) ensureValue(id ValueID) (v *graph.Value, created bool, _ error) {
	o, err := c.publicObject(id.Object, true /* forWrite */)
	if err != nil {
		return nil, false, err
	}
	p, err := o.AddProperty(id.Property)
	if err != nil {
		return nil, false, err
	}
	if v = p.Value(id.Type); v != nil {
		if v.Protected() {
			return nil, false, errors.Wrapf(ErrProtected, "value %s", id)
		}
		return v, false, nil
	}
	v, err = p.AddValue(id.Type, 0)
	return v, true, err
}

// NewObject creates an object with a fresh ID. Objects without values are not
// persisted.
func (c *Container) NewObject() (ObjectID, error) {
	if c.closed {
		return 0, ErrClosed
	}
	o := c.store.NewObject()
	c.dirty = true
	return o.ID, nil
}

// Object describes the object id.
func (c *Container) Object(id ObjectID) (ObjectInfo, error) {
	o, err := c.publicObject(id, false /* forWrite */)
	if err != nil {
		return ObjectInfo{}, err
	}
	info := ObjectInfo{ID: o.ID}
	for _, p := range o.Properties {
		for _, v := range p.Values {
			info.Values = append(info.Values, infoOf(v))
		}
	}
	return info, nil
}

// Objects calls fn with the ID of every public object in ID order, stopping
// early if fn returns false.
func (c *Container) Objects(fn func(ObjectID) bool) {
	c.store.Objects(func(o *graph.Object) bool {
		return fn(o.ID)
	})
}

// DeleteObject deletes an object along with its values and their references.
func (c *Container) DeleteObject(id ObjectID) error {
	o, err := c.publicObject(id, true /* forWrite */)
	if err != nil {
		return err
	}
	for _, p := range o.Properties {
		for _, v := range p.Values {
			if err := c.releaseValue(v); err != nil {
				return err
			}
		}
	}
	if _, err := c.store.DeleteObject(id); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// SetValue replaces the data of a value, creating the value if needed.
func (c *Container) SetValue(id ValueID, data []byte) error {
	v, created, err := c.ensureValue(id)
	if err != nil {
		return err
	}
	if !created && c.opts.BumpGenerations {
		v.Generation++
	}
	c.dirty = true
	return c.setData(v, data)
}

// AppendValue adds data to the end of a value, creating the value if needed.
func (c *Container) AppendValue(id ValueID, data []byte) error {
	v, _, err := c.ensureValue(id)
	if err != nil {
		return err
	}
	c.dirty = true
	return c.appendData(v, data)
}

// ValueSize returns the length of a value's data.
func (c *Container) ValueSize(id ValueID) (int64, error) {
	v, err := c.lookupValue(id, false /* forWrite */)
	if err != nil {
		return 0, err
	}
	return v.Size(), nil
}

// ReadValue returns a value's data.
func (c *Container) ReadValue(id ValueID) ([]byte, error) {
	v, err := c.lookupValue(id, false /* forWrite */)
	if err != nil {
		return nil, err
	}
	p := make([]byte, v.Size())
	if err := c.readAt(v, p, 0); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadValueAt reads up to len(p) bytes of a value starting at off. It returns
// the number of bytes read, which is short only at the end of the value.
func (c *Container) ReadValueAt(id ValueID, p []byte, off int64) (int, error) {
	v, err := c.lookupValue(id, false /* forWrite */)
	if err != nil {
		return 0, err
	}
	size := v.Size()
	if off < 0 || off > size {
		return 0, errors.Newf("bento: offset %d outside value %s of %d bytes", off, id, size)
	}
	n := min(int64(len(p)), size-off)
	return int(n), c.readAt(v, p[:n], off)
}

// WriteValueAt overwrites a value's data at off, which must not be past the
// end of the value. Bytes past the end extend the value.
func (c *Container) WriteValueAt(id ValueID, p []byte, off int64) error {
	v, err := c.lookupValue(id, true /* forWrite */)
	if err != nil {
		return err
	}
	size := v.Size()
	if off < 0 || off > size {
		return errors.Newf("bento: offset %d outside value %s of %d bytes", off, id, size)
	}
	c.dirty = true
	n := min(int64(len(p)), size-off)
	if err := c.writeAt(v, p[:n], off); err != nil {
		return err
	}
	if int64(len(p)) > n {
		return c.appendData(v, p[n:])
	}
	return nil
}

// DeleteValueData removes n bytes of a value's data at off, closing the gap.
func (c *Container) DeleteValueData(id ValueID, off, n int64) error {
	v, err := c.lookupValue(id, true /* forWrite */)
	if err != nil {
		return err
	}
	c.dirty = true
	return c.deleteRange(v, off, n)
}

// DeleteValue deletes a value along with its references. The property goes
// away with its last value.
func (c *Container) DeleteValue(id ValueID) error {
	v, err := c.lookupValue(id, true /* forWrite */)
	if err != nil {
		return err
	}
	if err := c.releaseValue(v); err != nil {
		return err
	}
	p := v.Property()
	p.RemoveValue(v.Type)
	if len(p.Values) == 0 {
		if _, err := p.Object().RemoveProperty(p.ID); err != nil {
			return err
		}
	}
	c.dirty = true
	return nil
}

// releaseValue frees the space and references held by v.
func (c *Container) releaseValue(v *graph.Value) error {
	if v.RefObject != 0 {
		if err := c.refs.DeleteAll(v); err != nil {
			return err
		}
	}
	for _, s := range v.Segments {
		if err := c.alloc.Release(s); err != nil {
			return err
		}
	}
	v.Segments = nil
	return nil
}

func isImmediate(v *graph.Value) bool {
	return len(v.Segments) == 1 && v.Segments[0].Immediate
}

// readAt fills p from v's data starting at off.
func (c *Container) readAt(v *graph.Value, p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > v.Size() {
		return errors.AssertionFailedf("bento: read [%d,+%d) past value of %d bytes", off, len(p), v.Size())
	}
	for i := 0; i < len(v.Segments) && len(p) > 0; i++ {
		s := &v.Segments[i]
		if off >= s.Length {
			off -= s.Length
			continue
		}
		n := min(int64(len(p)), s.Length-off)
		if s.Immediate {
			copy(p[:n], s.Data[off:])
		} else if err := iohandler.ReadAt(c.h, p[:n], s.Offset+off); err != nil {
			return errors.Wrapf(err, "bento: reading value %s", valueIDOf(v))
		}
		p, off = p[n:], 0
	}
	return nil
}

// writeAt overwrites v's data at off. It never extends v.
func (c *Container) writeAt(v *graph.Value, p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > v.Size() {
		return errors.AssertionFailedf("bento: write [%d,+%d) past value of %d bytes", off, len(p), v.Size())
	}
	for i := 0; i < len(v.Segments) && len(p) > 0; i++ {
		s := &v.Segments[i]
		if off >= s.Length {
			off -= s.Length
			continue
		}
		n := min(int64(len(p)), s.Length-off)
		if s.Immediate {
			copy(s.Data[off:], p[:n])
		} else if err := iohandler.WriteAt(c.h, p[:n], s.Offset+off); err != nil {
			return errors.Wrapf(err, "bento: writing value %s", valueIDOf(v))
		}
		p, off = p[n:], 0
	}
	return nil
}

// setData replaces v's data. Up to 4 bytes are stored inline in the TOC.
func (c *Container) setData(v *graph.Value, data []byte) error {
	for _, s := range v.Segments {
		if err := c.alloc.Release(s); err != nil {
			return err
		}
	}
	v.Segments = nil
	return c.appendData(v, data)
}

// appendData adds data to the end of v. A value outgrowing the inline limit
// moves its data onto the medium.
func (c *Container) appendData(v *graph.Value, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(v.Segments) == 0 || isImmediate(v) {
		var prefix []byte
		if isImmediate(v) {
			s := v.Segments[0]
			prefix = s.Data[:s.Length]
		}
		if len(prefix)+len(data) <= 4 {
			s := graph.Segment{Immediate: true, Length: int64(len(prefix) + len(data))}
			copy(s.Data[copy(s.Data[:], prefix):], data)
			v.Segments = append(v.Segments[:0], s)
			return nil
		}
		data = append(append([]byte(nil), prefix...), data...)
		v.Segments = nil
	}
	_, err := c.alloc.WriteWithReuse((*medium)(c), v, data)
	return err
}

// truncateData shortens v to n bytes, releasing the space past n.
func (c *Container) truncateData(v *graph.Value, n int64) error {
	if isImmediate(v) {
		if n == 0 {
			v.Segments = nil
		} else {
			v.Segments[0].Length = n
		}
		return nil
	}
	var acc int64
	keep := 0
	for i := range v.Segments {
		s := &v.Segments[i]
		if acc >= n {
			if err := c.alloc.Release(*s); err != nil {
				return err
			}
			continue
		}
		if cut := n - acc; s.Length > cut {
			if err := c.alloc.ReleaseRange(s.Offset+cut, s.Length-cut); err != nil {
				return err
			}
			s.Length = cut
		}
		acc += s.Length
		keep = i + 1
	}
	v.Segments = v.Segments[:keep]
	if len(v.Segments) == 0 {
		v.Segments = nil
	}
	return nil
}

// deleteRange removes [off, off+n) from v: the tail is read, v is truncated
// at off and the tail is written back.
func (c *Container) deleteRange(v *graph.Value, off, n int64) error {
	size := v.Size()
	if off < 0 || n < 0 || off+n > size {
		return errors.Newf("bento: range [%d,+%d) outside value %s of %d bytes", off, n, valueIDOf(v), size)
	}
	if n == 0 {
		return nil
	}
	tail := make([]byte, size-off-n)
	if err := c.readAt(v, tail, off+n); err != nil {
		return err
	}
	if err := c.truncateData(v, off); err != nil {
		return err
	}
	return c.appendData(v, tail)
}

// valueData adapts a Container to refcache.ValueData. It bypasses the
// protection checks of the public API.
type valueData Container

func (d *valueData) ReadAt(v *graph.Value, p []byte, off int64) error {
	return (*Container)(d).readAt(v, p, off)
}

func (d *valueData) WriteAt(v *graph.Value, p []byte, off int64) error {
	return (*Container)(d).writeAt(v, p, off)
}

func (d *valueData) Append(v *graph.Value, p []byte) error {
	return (*Container)(d).appendData(v, p)
}

func (d *valueData) Delete(v *graph.Value, off, n int64) error {
	return (*Container)(d).deleteRange(v, off, n)
}
