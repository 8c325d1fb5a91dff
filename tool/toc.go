// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"strconv"

	"github.com/bentoformat/bento"
	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/toc"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// tocT implements TOC-level tools, including both configuration state and the
// commands themselves.
type tocT struct {
	Root    *cobra.Command
	Dump    *cobra.Command
	Objects *cobra.Command
	Free    *cobra.Command
	Label   *cobra.Command

	opts  *bento.Options
	graph bool
}

func newTOC(opts *bento.Options) *tocT {
	t := &tocT{opts: opts}

	t.Root = &cobra.Command{
		Use:   "toc",
		Short: "TOC introspection tools",
	}
	t.Dump = &cobra.Command{
		Use:   "dump <containers>",
		Short: "print the TOC entries of containers",
		Long: `
Print every segment recorded in the TOC of each container, in the
order they are stored.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  t.runDump,
	}
	t.Objects = &cobra.Command{
		Use:   "objects <containers>",
		Short: "print the objects of containers",
		Args:  cobra.MinimumNArgs(1),
		Run:   t.runObjects,
	}
	t.Free = &cobra.Command{
		Use:   "free <containers>",
		Short: "print the free list of containers",
		Long: `
Print the ranges on the free list of each container. With --graph, also
plot the size of each range in offset order.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  t.runFree,
	}
	t.Label = &cobra.Command{
		Use:   "label <containers>",
		Short: "print the label of containers",
		Args:  cobra.MinimumNArgs(1),
		Run:   t.runLabel,
	}

	t.Root.AddCommand(t.Dump, t.Objects, t.Free, t.Label)
	t.Free.Flags().BoolVar(&t.graph, "graph", false, "plot free range sizes")
	return t
}

func (t *tocT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		fmt.Fprintf(stdout, "%s\n", arg)
		if err := t.dump(stdout, arg); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
		}
	}
}

func (t *tocT) dump(stdout io.Writer, path string) error {
	h, err := iohandler.Open(path, true /* readOnly */)
	if err != nil {
		return err
	}
	defer h.Close()

	l, _, err := bento.ReadLabel(h)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "label: %s\n", l)
	format := toc.FormatDelta
	if l.Major == bento.FormatLegacyTOC {
		format = toc.FormatLegacy
	}
	dec, err := toc.NewReader(h, toc.ReaderOptions{
		Format:      format,
		BufferSize:  max(l.BufferSize(), 1<<10),
		StartOffset: l.TOCOffset,
		Size:        l.TOCSize,
		Logger:      base.NoopLogger,
	})
	if err != nil {
		return err
	}
	n := 0
	for {
		var s toc.Segment
		ok, err := dec.ReadSegment(&s)
		if err != nil {
			return errors.Wrapf(err, "after %d segments", errors.Safe(n))
		}
		if !ok {
			break
		}
		fmt.Fprintf(stdout, "  %s\n", s)
		n++
	}
	if err := dec.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s segments, %s\n",
		crhumanize.Count(n, crhumanize.Compact),
		crhumanize.Bytes(l.TOCSize, crhumanize.Compact, crhumanize.OmitI))
	return nil
}

func (t *tocT) runObjects(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		fmt.Fprintf(stdout, "%s\n", arg)
		withContainer(stderr, arg, t.opts, func(c *bento.Container) error {
			var err error
			c.Objects(func(id bento.ObjectID) bool {
				var info bento.ObjectInfo
				if info, err = c.Object(id); err != nil {
					return false
				}
				fmt.Fprintf(stdout, "  %s\n", id)
				for _, v := range info.Values {
					fmt.Fprintf(stdout, "    %s gen=%d flags=%s size=%s",
						v.ID, v.Generation, v.Flags,
						crhumanize.Bytes(v.Size, crhumanize.Compact, crhumanize.OmitI))
					if v.References {
						fmt.Fprintf(stdout, " refs")
					}
					fmt.Fprintf(stdout, "\n")
				}
				return true
			})
			return err
		})
	}
}

func (t *tocT) runFree(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		fmt.Fprintf(stdout, "%s\n", arg)
		withContainer(stderr, arg, t.opts, func(c *bento.Container) error {
			free := c.FreeList()
			if len(free) == 0 {
				fmt.Fprintf(stdout, "no free space\n")
				return nil
			}
			tbl := tablewriter.NewWriter(stdout)
			tbl.SetHeader([]string{"Offset", "Length", "End"})
			tbl.SetAlignment(tablewriter.ALIGN_RIGHT)
			sizes := make([]float64, len(free))
			var total int64
			for i, r := range free {
				tbl.Append([]string{
					strconv.FormatInt(r[0], 10),
					strconv.FormatInt(r[1], 10),
					strconv.FormatInt(r[0]+r[1], 10),
				})
				sizes[i] = float64(r[1])
				total += r[1]
			}
			tbl.Render()
			fmt.Fprintf(stdout, "%s free in %s ranges\n",
				crhumanize.Bytes(total, crhumanize.Compact, crhumanize.OmitI),
				crhumanize.Count(len(free), crhumanize.Compact))
			if t.graph {
				fmt.Fprintf(stdout, "%s\n", asciigraph.Plot(sizes, asciigraph.Height(10)))
			}
			return nil
		})
	}
}

func (t *tocT) runLabel(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		func() {
			h, err := iohandler.Open(arg, true /* readOnly */)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer h.Close()
			l, size, err := bento.ReadLabel(h)
			if err != nil {
				fmt.Fprintf(stderr, "%s: %s\n", arg, err)
				return
			}
			fmt.Fprintf(stdout, "%s\n  %s\n  medium: %d bytes\n", arg, l, size)
		}()
	}
}
