// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"

	"github.com/bentoformat/bento"
	"github.com/spf13/cobra"
)

// refsT implements the reference association tool.
type refsT struct {
	Root *cobra.Command

	opts *bento.Options
}

func newRefs(opts *bento.Options) *refsT {
	r := &refsT{opts: opts}
	r.Root = &cobra.Command{
		Use:   "refs <container> <object> <property> <type>",
		Short: "print the reference associations of a value",
		Args:  cobra.ExactArgs(4),
		Run:   r.run,
	}
	return r
}

func (r *refsT) run(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	var ids [3]uint32
	for i, what := range []string{"object", "property", "type"} {
		v, err := parseUint32(args[i+1], what)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			return
		}
		ids[i] = v
	}
	id := bento.ValueID{
		Object:   bento.ObjectID(ids[0]),
		Property: bento.PropertyID(ids[1]),
		Type:     bento.TypeID(ids[2]),
	}
	withContainer(stderr, args[0], r.opts, func(c *bento.Container) error {
		n := 0
		err := c.References(id, func(key uint32, target bento.ObjectID) bool {
			fmt.Fprintf(stdout, "%d -> %s\n", key, target)
			n++
			return true
		})
		if err == nil && n == 0 {
			fmt.Fprintf(stdout, "no references\n")
		}
		return err
	})
}
