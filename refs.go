// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import "github.com/cockroachdb/errors"

// Reference associations map 32-bit keys to object IDs per value. They are
// persisted as 8 byte records in a private object attached to the value and
// indexed in memory on first use.

func (c *Container) checkReferences() error {
	if !c.format.SupportsReferences() {
		return errors.Newf("bento: format %s cannot persist references", c.format)
	}
	return nil
}

// SetReference associates key with target on a value. target must exist.
func (c *Container) SetReference(id ValueID, key uint32, target ObjectID) error {
	if err := c.checkReferences(); err != nil {
		return err
	}
	v, err := c.lookupValue(id, true /* forWrite */)
	if err != nil {
		return err
	}
	if c.store.Object(target) == nil {
		return errors.Wrapf(ErrNotFound, "reference target %s", target)
	}
	c.dirty = true
	return c.refs.Set(v, key, target)
}

// GetReference returns the object associated with key on a value. The bool is
// false if key is not associated.
func (c *Container) GetReference(id ValueID, key uint32) (ObjectID, bool, error) {
	v, err := c.lookupValue(id, false /* forWrite */)
	if err != nil {
		return 0, false, err
	}
	res, err := c.refs.Lookup(v, key)
	if err != nil {
		return 0, false, err
	}
	return res.ObjectID, res.Found, nil
}

// DeleteReference removes key from a value's associations. It returns false if
// key was not associated.
func (c *Container) DeleteReference(id ValueID, key uint32) (bool, error) {
	v, err := c.lookupValue(id, true /* forWrite */)
	if err != nil {
		return false, err
	}
	found, err := c.refs.Delete(v, key)
	if found {
		c.dirty = true
	}
	return found, err
}

// References calls fn for every association of a value in the order they were
// first set, stopping early if fn returns false.
func (c *Container) References(id ValueID, fn func(key uint32, target ObjectID) bool) error {
	v, err := c.lookupValue(id, false /* forWrite */)
	if err != nil {
		return err
	}
	return c.refs.ForEach(v, fn)
}
