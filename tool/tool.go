// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the introspection commands of the bento command.
package tool

import (
	"github.com/bentoformat/bento"
	"github.com/bentoformat/bento/internal/base"
	"github.com/spf13/cobra"
)

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	toc      *tocT
	refs     *refsT
	opts     bento.Options
}

// New creates a new introspection tool.
func New() *T {
	t := &T{
		opts: bento.Options{
			Logger: base.NoopLogger,
		},
	}
	t.toc = newTOC(&t.opts)
	t.refs = newRefs(&t.opts)
	t.Commands = []*cobra.Command{
		t.toc.Root,
		t.refs.Root,
	}
	return t
}

// SetLogger sets the logger used by containers opened by the tools. Errors
// are reported on the command output either way.
func (t *T) SetLogger(l bento.Logger) {
	t.opts.Logger = l
}
