// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"strconv"

	"github.com/bentoformat/bento"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
)

// openContainer opens the container stored in the named file read-only.
func openContainer(path string, opts *bento.Options) (*bento.Container, error) {
	h, err := iohandler.Open(path, true /* readOnly */)
	if err != nil {
		return nil, err
	}
	c, err := bento.Open(h, opts)
	if err != nil {
		return nil, errors.CombineErrors(errors.Wrapf(err, "%s", path), h.Close())
	}
	return c, nil
}

// withContainer opens the container at path, runs fn and closes it, printing
// any error to stderr.
func withContainer(stderr io.Writer, path string, opts *bento.Options, fn func(c *bento.Container) error) {
	c, err := openContainer(path, opts)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	err = fn(c)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", path, err)
	}
}

func parseUint32(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", errors.Safe(what), s)
	}
	return uint32(v), nil
}
