// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import (
	"bytes"
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/graph"
	"github.com/bentoformat/bento/internal/toc"
	"github.com/bentoformat/bento/iohandler"
	"github.com/bentoformat/bento/iohandler/errorinject"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var formats = []FormatMajorVersion{FormatLegacyTOC, FormatDeltaTOC}

func vid(obj ObjectID, prop PropertyID, typ TypeID) ValueID {
	return ValueID{Object: obj, Property: prop, Type: typ}
}

func testOptions(format FormatMajorVersion) *Options {
	return &Options{FormatMajorVersion: format, Logger: base.NoopLogger}
}

func testData(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func mustCreate(t *testing.T, opts *Options, memOpts ...iohandler.MemOption) (*Container, *iohandler.MemHandler) {
	t.Helper()
	h := iohandler.NewMem(nil, memOpts...)
	c, err := Create(h, opts)
	require.NoError(t, err)
	return c, h
}

// reopen closes c and opens a copy of its medium.
func reopen(
	t *testing.T, c *Container, h *iohandler.MemHandler, opts *Options, memOpts ...iohandler.MemOption,
) (*Container, *iohandler.MemHandler) {
	t.Helper()
	require.NoError(t, c.Close())
	h = iohandler.NewMem(h.Bytes(), memOpts...)
	c, err := Open(h, opts)
	require.NoError(t, err)
	return c, h
}

// checkLayout verifies that the label sits at the end of the medium and
// locates the TOC, and that the TOC describes itself and the container.
func checkLayout(t *testing.T, c *Container, h *iohandler.MemHandler) {
	t.Helper()
	l, size, err := ReadLabel(h)
	require.NoError(t, err)
	require.Equal(t, c.Label(), l)
	require.Equal(t, size, l.TOCOffset+l.TOCSize+LabelSize)

	dec, err := toc.NewReader(h, toc.ReaderOptions{
		Format:      l.Major.tocFormat(),
		BufferSize:  max(l.BufferSize(), 1<<10),
		StartOffset: l.TOCOffset,
		Size:        l.TOCSize,
		Logger:      base.NoopLogger,
	})
	require.NoError(t, err)
	found := map[PropertyID]toc.Segment{}
	for {
		var s toc.Segment
		ok, err := dec.ReadSegment(&s)
		require.NoError(t, err)
		if !ok {
			break
		}
		if s.ObjectID == base.ObjectIDTOC {
			found[s.PropertyID] = s
		}
	}
	require.NoError(t, dec.Close())
	require.Equal(t, l.TOCOffset, found[base.PropertyTOCObject].Offset)
	require.Equal(t, l.TOCSize, found[base.PropertyTOCObject].Length)
	require.Equal(t, int64(0), found[base.PropertyTOCContainer].Offset)
	require.Equal(t, size, found[base.PropertyTOCContainer].Length)
	seed := found[base.PropertyTOCSeed]
	require.True(t, seed.Immediate())
	require.Equal(t, int64(4), seed.Length)
}

// checkInvariants verifies that free ranges are disjoint and that no live
// value byte is on the free list. Free ranges are kept in release order.
func checkInvariants(t *testing.T, c *Container) {
	t.Helper()
	free := c.FreeList()
	sorted := slices.Clone(free)
	slices.SortFunc(sorted, func(a, b [2]int64) int { return cmp.Compare(a[0], b[0]) })
	for i := 1; i < len(sorted); i++ {
		require.Less(t, sorted[i-1][0]+sorted[i-1][1], sorted[i][0], "free list %v", free)
	}
	c.store.All(func(o *graph.Object) bool {
		if o.ID == base.ObjectIDTOC {
			return true
		}
		for _, p := range o.Properties {
			for _, v := range p.Values {
				for _, s := range v.Segments {
					if s.Immediate {
						continue
					}
					for _, f := range free {
						require.False(t, s.Offset < f[0]+f[1] && f[0] < s.End(),
							"segment %s of %s overlaps free range %v", s, valueIDOf(v), f)
					}
				}
			}
		}
		return true
	})
}

func TestCreateOpen(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			opts := testOptions(format)
			c, h := mustCreate(t, opts)
			checkLayout(t, c, h)
			require.Equal(t, format, c.Format())

			values := map[ValueID][]byte{}
			for _, n := range []int{0, 1, 3, 4, 5, 100, 5000} {
				id, err := c.NewObject()
				require.NoError(t, err)
				require.GreaterOrEqual(t, id, base.FirstUserObjectID)
				valID := vid(id, 200, TypeID(300+n))
				values[valID] = testData(n, byte(n))
				require.NoError(t, c.SetValue(valID, values[valID]))
			}
			require.NoError(t, c.Flush())
			checkLayout(t, c, h)

			c, h = reopen(t, c, h, opts)
			checkLayout(t, c, h)
			for id, want := range values {
				got, err := c.ReadValue(id)
				require.NoError(t, err)
				require.Equal(t, want, got, "%s", id)
			}
			var ids []ObjectID
			c.Objects(func(id ObjectID) bool {
				ids = append(ids, id)
				return true
			})
			require.Len(t, ids, len(values))

			// The seed survives, so new objects never reuse IDs.
			id, err := c.NewObject()
			require.NoError(t, err)
			require.Equal(t, ids[len(ids)-1]+1, id)
			require.NoError(t, c.Close())
			require.ErrorIs(t, c.Close(), ErrClosed)
			require.ErrorIs(t, c.Flush(), ErrClosed)
		})
	}
}

func TestCreateNonEmpty(t *testing.T) {
	_, err := Create(iohandler.NewMem([]byte("x")), testOptions(FormatDeltaTOC))
	require.Error(t, err)

	_, err = Create(iohandler.NewMem(nil), &Options{TOCBufferSize: 100})
	require.Error(t, err)
}

func TestEmptyObjectsNotPersisted(t *testing.T) {
	opts := testOptions(FormatDeltaTOC)
	c, h := mustCreate(t, opts)
	empty, err := c.NewObject()
	require.NoError(t, err)
	_, err = c.Object(empty)
	require.NoError(t, err)
	full, err := c.NewObject()
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(full, 1, 1), nil))

	c, _ = reopen(t, c, h, opts)
	_, err = c.Object(empty)
	require.ErrorIs(t, err, ErrNotFound)
	info, err := c.Object(full)
	require.NoError(t, err)
	require.Len(t, info.Values, 1)
	require.Zero(t, info.Values[0].Size)
}

func TestValueData(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			opts := testOptions(format)
			c, h := mustCreate(t, opts)
			obj, err := c.NewObject()
			require.NoError(t, err)
			id := vid(obj, 200, 300)
			var want []byte
			check := func() {
				t.Helper()
				got, err := c.ReadValue(id)
				require.NoError(t, err)
				require.Equal(t, want, got)
				size, err := c.ValueSize(id)
				require.NoError(t, err)
				require.Equal(t, int64(len(want)), size)
			}

			// Inline data grows onto the medium.
			require.NoError(t, c.AppendValue(id, []byte("abc")))
			want = []byte("abc")
			require.True(t, isImmediate(c.store.Object(obj).Value(200, 300)))
			check()
			require.NoError(t, c.AppendValue(id, []byte("d")))
			want = append(want, 'd')
			require.True(t, isImmediate(c.store.Object(obj).Value(200, 300)))
			check()
			require.NoError(t, c.AppendValue(id, []byte("efgh")))
			want = append(want, "efgh"...)
			require.False(t, isImmediate(c.store.Object(obj).Value(200, 300)))
			check()

			// Overwrites may extend the value.
			require.NoError(t, c.WriteValueAt(id, []byte("XYZ"), 6))
			want = []byte("abcdefXYZ")
			check()
			require.Error(t, c.WriteValueAt(id, []byte("!"), 10))

			require.NoError(t, c.DeleteValueData(id, 1, 3))
			want = []byte("aefXYZ")
			check()
			require.Error(t, c.DeleteValueData(id, 4, 3))

			p := make([]byte, 4)
			n, err := c.ReadValueAt(id, p, 3)
			require.NoError(t, err)
			require.Equal(t, 3, n)
			require.Equal(t, []byte("XYZ"), p[:n])
			_, err = c.ReadValueAt(id, p, 7)
			require.Error(t, err)

			c, h = reopen(t, c, h, opts)
			check()

			// Shrinking to nothing leaves an empty value behind.
			require.NoError(t, c.DeleteValueData(id, 0, int64(len(want))))
			want = []byte{}
			check()
			c, _ = reopen(t, c, h, opts)
			check()

			require.NoError(t, c.DeleteValue(id))
			_, err = c.ReadValue(id)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, c.DeleteValue(id), ErrNotFound)
			info, err := c.Object(obj)
			require.NoError(t, err)
			require.Empty(t, info.Values)
		})
	}
}

func TestProtected(t *testing.T) {
	c, _ := mustCreate(t, testOptions(FormatDeltaTOC))
	require.ErrorIs(t, c.SetValue(vid(base.ObjectIDTOC, base.PropertyTOCSeed, base.TypeTOCValue), nil), ErrProtected)
	require.ErrorIs(t, c.SetValue(vid(7, 1, 1), nil), ErrProtected)
	require.ErrorIs(t, c.DeleteObject(base.ObjectIDTOC), ErrProtected)
	_, err := c.ReadValue(vid(base.ObjectIDTOC, base.PropertyTOCSeed, base.TypeTOCValue))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Object(base.ObjectIDTOC)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, c.DeleteObject(12345), ErrNotFound)

	obj, err := c.NewObject()
	require.NoError(t, err)
	id := vid(obj, 1, 1)
	require.NoError(t, c.SetValue(id, []byte("protected")))
	c.store.Object(obj).Value(1, 1).Flags |= base.ValueFlagProtected
	require.ErrorIs(t, c.SetValue(id, nil), ErrProtected)
	require.ErrorIs(t, c.AppendValue(id, []byte("x")), ErrProtected)
	require.ErrorIs(t, c.WriteValueAt(id, []byte("x"), 0), ErrProtected)
	require.ErrorIs(t, c.DeleteValueData(id, 0, 1), ErrProtected)
	require.ErrorIs(t, c.DeleteValue(id), ErrProtected)
	got, err := c.ReadValue(id)
	require.NoError(t, err)
	require.Equal(t, []byte("protected"), got)
}

func TestBumpGenerations(t *testing.T) {
	for _, bump := range []bool{false, true} {
		t.Run(fmt.Sprint(bump), func(t *testing.T) {
			opts := testOptions(FormatDeltaTOC)
			opts.BumpGenerations = bump
			c, h := mustCreate(t, opts)
			obj, err := c.NewObject()
			require.NoError(t, err)
			id := vid(obj, 1, 1)
			require.NoError(t, c.SetValue(id, []byte("one")))
			require.NoError(t, c.SetValue(id, []byte("two")))
			require.NoError(t, c.SetValue(id, []byte("three")))

			want := Generation(0)
			if bump {
				want = 2
			}
			c, _ = reopen(t, c, h, opts)
			info, err := c.Object(obj)
			require.NoError(t, err)
			require.Equal(t, want, info.Values[0].Generation)
		})
	}
}

func TestTruncateAfterDelete(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			opts := testOptions(format)
			c, h := mustCreate(t, opts)
			obj, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(obj, 1, 1), testData(4000, 1)))
			require.NoError(t, c.Flush())
			before, _ := h.Size()

			require.NoError(t, c.DeleteObject(obj))
			require.NoError(t, c.Flush())
			after, _ := h.Size()
			require.Less(t, after, before-4000+1)
			checkLayout(t, c, h)
			require.Empty(t, c.FreeList())
			require.Zero(t, c.Metrics().TOC.SlopRewrites)
		})
	}
}

// TestSlop checks that a container that shrinks on a medium without truncate
// support still ends with its label.
func TestSlop(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			var logger base.InMemLogger
			opts := testOptions(format)
			opts.Logger = &logger
			c, h := mustCreate(t, opts, iohandler.WithoutTruncate())
			obj, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(obj, 1, 1), testData(4000, 1)))
			keep, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(keep, 1, 1), []byte("kept")))
			require.NoError(t, c.Flush())
			before, _ := h.Size()

			require.NoError(t, c.DeleteObject(obj))
			require.NoError(t, c.Flush())
			after, _ := h.Size()
			require.Equal(t, before, after)
			checkLayout(t, c, h)
			require.Equal(t, int64(1), c.Metrics().TOC.SlopRewrites)

			// Everything below the TOC is free.
			l := c.Label()
			require.Greater(t, l.TOCOffset, int64(0))
			require.Equal(t, [][2]int64{{0, l.TOCOffset}}, c.FreeList())
			require.NotContains(t, logger.String(), "unrecorded")

			c, h = reopen(t, c, h, opts, iohandler.WithoutTruncate())
			checkLayout(t, c, h)
			got, err := c.ReadValue(vid(keep, 1, 1))
			require.NoError(t, err)
			require.Equal(t, []byte("kept"), got)
			require.Equal(t, [][2]int64{{0, l.TOCOffset}}, c.FreeList())

			// A further flush lands in the same place.
			require.NoError(t, c.Flush())
			checkLayout(t, c, h)
			size, _ := h.Size()
			require.Equal(t, before, size)
			require.NotContains(t, logger.String(), "ERROR")
		})
	}
}

func TestReuseFreeSpace(t *testing.T) {
	for _, reuse := range []bool{false, true} {
		t.Run(fmt.Sprint(reuse), func(t *testing.T) {
			opts := testOptions(FormatDeltaTOC)
			opts.ReuseFreeSpace = reuse
			c, h := mustCreate(t, opts)
			a, err := c.NewObject()
			require.NoError(t, err)
			b, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(a, 1, 1), testData(1000, 1)))
			require.NoError(t, c.SetValue(vid(b, 1, 1), testData(1000, 2)))
			aOff := c.store.Object(a).Value(1, 1).Segments[0].Offset
			require.NoError(t, c.Flush())
			require.NoError(t, c.DeleteObject(a))
			// The initial TOC and label precede a, so the free ranges merge.
			require.Equal(t, [][2]int64{{0, aOff + 1000}}, c.FreeList())

			eof, _ := h.Size()
			cObj, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(cObj, 1, 1), testData(500, 3)))
			segs := c.store.Object(cObj).Value(1, 1).Segments
			if reuse {
				require.Equal(t, []graph.Segment{{Offset: 0, Length: 500}}, segs)
				require.Equal(t, [][2]int64{{500, aOff + 500}}, c.FreeList())
			} else {
				require.Equal(t, []graph.Segment{{Offset: eof, Length: 500}}, segs)
			}
			checkInvariants(t, c)

			c, h = reopen(t, c, h, opts)
			checkLayout(t, c, h)
			got, err := c.ReadValue(vid(cObj, 1, 1))
			require.NoError(t, err)
			require.Equal(t, testData(500, 3), got)
			got, err = c.ReadValue(vid(b, 1, 1))
			require.NoError(t, err)
			require.Equal(t, testData(1000, 2), got)
			checkInvariants(t, c)
		})
	}
}

func TestUpdating(t *testing.T) {
	opts := testOptions(FormatDeltaTOC)
	c, h := mustCreate(t, opts)
	a, err := c.NewObject()
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(a, 1, 1), testData(100, 1)))
	require.NoError(t, c.Close())

	_, err = Open(iohandler.NewMem(h.Bytes()), &Options{Updating: true, ReuseFreeSpace: true})
	require.Error(t, err)

	upd := testOptions(FormatDeltaTOC)
	upd.Updating = true
	h = iohandler.NewMem(h.Bytes())
	start, _ := h.Size()
	c, err = Open(h, upd)
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(a, 2, 2), testData(300, 2)))
	require.NoError(t, c.Flush())
	checkLayout(t, c, h)
	require.True(t, c.Label().Updating)
	want := []graph.Segment{{Offset: start, Length: 300}}
	require.Equal(t, want, c.reservedValue(base.PropertyTOCNewValues).Segments)

	// The container stays updating, and the new values keep their start.
	c, h = reopen(t, c, h, opts)
	require.True(t, c.Label().Updating)
	require.NoError(t, c.SetValue(vid(a, 3, 3), testData(50, 3)))
	require.NoError(t, c.Flush())
	checkLayout(t, c, h)
	v := c.reservedValue(base.PropertyTOCNewValues)
	require.Equal(t, start, v.Segments[0].Offset)
	require.Equal(t, c.liveEnd()-start, v.Segments[0].Length)
}

// TestUpdatingAfterShrink opens a container holding dead space as updating on
// a medium that can shrink, and checks that values written after the first
// flush are inside the recorded new-values range.
func TestUpdatingAfterShrink(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			opts := testOptions(format)
			c, h := mustCreate(t, opts, iohandler.WithoutTruncate())
			dead, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(dead, 1, 1), testData(4000, 1)))
			keep, err := c.NewObject()
			require.NoError(t, err)
			require.NoError(t, c.SetValue(vid(keep, 1, 1), []byte("kept")))
			require.NoError(t, c.Flush())
			require.NoError(t, c.DeleteObject(dead))
			require.NoError(t, c.Flush())

			upd := testOptions(format)
			upd.Updating = true
			c, h = reopen(t, c, h, upd)
			opened, _ := h.Size()
			require.NoError(t, c.Flush())
			checkLayout(t, c, h)

			id := vid(keep, 2, 2)
			require.NoError(t, c.SetValue(id, testData(300, 2)))
			require.NoError(t, c.Flush())
			checkLayout(t, c, h)
			seg := c.store.Object(keep).Value(2, 2).Segments[0]
			nv := c.reservedValue(base.PropertyTOCNewValues).Segments[0]
			require.Equal(t, opened, nv.Offset)
			require.LessOrEqual(t, nv.Offset, seg.Offset)
			require.LessOrEqual(t, seg.End(), nv.End())

			c, _ = reopen(t, c, h, opts)
			got, err := c.ReadValue(id)
			require.NoError(t, err)
			require.Equal(t, testData(300, 2), got)
			nv = c.reservedValue(base.PropertyTOCNewValues).Segments[0]
			require.Equal(t, opened, nv.Offset)
			require.LessOrEqual(t, seg.End(), nv.End())
		})
	}
}

// failWrites fails every write once armed.
type failWrites struct {
	armed bool
}

func (f *failWrites) MaybeError(op errorinject.Op) error {
	if f.armed && op == errorinject.OpWrite {
		return errorinject.ErrInjected
	}
	return nil
}

// TestFailedFlushKeepsTOC checks that a failed flush does not put the TOC the
// label still locates on the free list.
func TestFailedFlushKeepsTOC(t *testing.T) {
	opts := testOptions(FormatDeltaTOC)
	opts.ReuseFreeSpace = true
	mem := iohandler.NewMem(nil)
	inj := &failWrites{}
	c, err := Create(errorinject.Wrap(mem, inj), opts)
	require.NoError(t, err)
	a, err := c.NewObject()
	require.NoError(t, err)
	b, err := c.NewObject()
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(a, 1, 1), testData(1000, 1)))
	require.NoError(t, c.SetValue(vid(b, 1, 1), testData(1000, 2)))
	require.NoError(t, c.Flush())
	require.NoError(t, c.DeleteObject(b))
	free, l := c.FreeList(), c.Label()

	inj.armed = true
	require.True(t, errors.Is(c.Flush(), errorinject.ErrInjected))
	require.Equal(t, free, c.FreeList())
	require.Equal(t, l, c.Label())
	for _, r := range c.FreeList() {
		require.False(t, r[0] < l.TOCOffset+l.TOCSize+LabelSize && l.TOCOffset < r[0]+r[1],
			"free range %v overlaps the TOC at %d", r, l.TOCOffset)
	}

	inj.armed = false
	require.NoError(t, c.Flush())
	c, _ = reopen(t, c, mem, opts)
	got, err := c.ReadValue(vid(a, 1, 1))
	require.NoError(t, err)
	require.Equal(t, testData(1000, 1), got)
	checkInvariants(t, c)
}

func TestReferences(t *testing.T) {
	opts := testOptions(FormatDeltaTOC)
	c, h := mustCreate(t, opts)
	var objs [3]ObjectID
	for i := range objs {
		var err error
		objs[i], err = c.NewObject()
		require.NoError(t, err)
		require.NoError(t, c.SetValue(vid(objs[i], 1, 1), []byte{byte(i)}))
	}
	src := vid(objs[0], 1, 1)
	require.NoError(t, c.SetReference(src, 7, objs[1]))
	require.NoError(t, c.SetReference(src, 3, objs[2]))
	require.NoError(t, c.SetReference(src, 9, objs[2]))
	require.ErrorIs(t, c.SetReference(src, 1, 99999), ErrNotFound)
	require.ErrorIs(t, c.SetReference(vid(objs[0], 5, 5), 1, objs[1]), ErrNotFound)

	collect := func() map[uint32]ObjectID {
		m := map[uint32]ObjectID{}
		require.NoError(t, c.References(src, func(key uint32, target ObjectID) bool {
			m[key] = target
			return true
		}))
		return m
	}
	require.Equal(t, map[uint32]ObjectID{7: objs[1], 3: objs[2], 9: objs[2]}, collect())

	c, h = reopen(t, c, h, opts)
	var ids []ObjectID
	c.Objects(func(id ObjectID) bool {
		ids = append(ids, id)
		return true
	})
	require.Equal(t, objs[:], ids)

	target, ok, err := c.GetReference(src, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, objs[2], target)
	_, ok, err = c.GetReference(src, 4)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), c.Metrics().References.Builds)

	found, err := c.DeleteReference(src, 3)
	require.NoError(t, err)
	require.True(t, found)
	found, err = c.DeleteReference(src, 3)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, c.SetReference(src, 7, objs[2]))
	require.Equal(t, map[uint32]ObjectID{7: objs[2], 9: objs[2]}, collect())

	c, h = reopen(t, c, h, opts)
	require.Equal(t, map[uint32]ObjectID{7: objs[2], 9: objs[2]}, collect())

	// Deleting the value drops its associations and their private object.
	refObj := c.store.Object(objs[0]).Value(1, 1).RefObject
	require.NotZero(t, refObj)
	require.NoError(t, c.DeleteValue(src))
	require.Nil(t, c.store.Object(refObj))
	c, _ = reopen(t, c, h, opts)
	require.Nil(t, c.store.Object(refObj))
	checkInvariants(t, c)
}

func TestLegacyReferences(t *testing.T) {
	c, _ := mustCreate(t, testOptions(FormatLegacyTOC))
	obj, err := c.NewObject()
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(obj, 1, 1), nil))
	require.Error(t, c.SetReference(vid(obj, 1, 1), 1, obj))
}

func TestOpenCorruption(t *testing.T) {
	c, h := mustCreate(t, testOptions(FormatDeltaTOC))
	obj, err := c.NewObject()
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(obj, 1, 1), testData(64, 1)))
	require.NoError(t, c.Close())
	l := c.Label()

	corrupt := func(fn func(b []byte)) error {
		b := append([]byte(nil), h.Bytes()...)
		fn(b)
		var logger base.InMemLogger
		_, err := Open(iohandler.NewMem(b), &Options{Logger: &logger})
		if err != nil {
			require.Contains(t, logger.String(), "ERROR")
		}
		return err
	}
	require.NoError(t, corrupt(func([]byte) {}))
	for name, fn := range map[string]func(b []byte){
		"magic":         func(b []byte) { b[len(b)-LabelSize] ^= 1 },
		"reserved-code": func(b []byte) { b[l.TOCOffset] = 20 },
		"truncated":     func(b []byte) { b[len(b)-1]-- },
	} {
		t.Run(name, func(t *testing.T) {
			err := corrupt(fn)
			require.True(t, base.IsCorruptionError(err), "%v", err)
		})
	}
}

// TestErrorInjection fails every I/O operation in turn and checks that each
// failure surfaces as an error.
func TestErrorInjection(t *testing.T) {
	workload := func(h iohandler.Handler) error {
		c, err := Create(h, testOptions(FormatDeltaTOC))
		if err != nil {
			return err
		}
		objs := make([]ObjectID, 2)
		for i := range objs {
			if objs[i], err = c.NewObject(); err != nil {
				return err
			}
			if err := c.SetValue(vid(objs[i], 1, 1), testData(100*(i+1), byte(i))); err != nil {
				return err
			}
		}
		if err := c.SetReference(vid(objs[0], 1, 1), 1, objs[1]); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
		if err := c.DeleteValueData(vid(objs[1], 1, 1), 10, 20); err != nil {
			return err
		}
		return c.Close()
	}

	for i := int32(0); ; i++ {
		inj := errorinject.OnIndex(i)
		mem := iohandler.NewMem(nil)
		err := workload(errorinject.Wrap(mem, inj))
		if err == nil {
			require.GreaterOrEqual(t, inj.Index(), int32(0), "injected error %d was swallowed", i)
			require.Greater(t, i, int32(10))
			c, err := Open(iohandler.NewMem(mem.Bytes()), testOptions(FormatDeltaTOC))
			require.NoError(t, err)
			require.NoError(t, c.Close())
			return
		}
		require.True(t, errors.Is(err, errorinject.ErrInjected), "%d: %v", i, err)
	}
}

func TestMetrics(t *testing.T) {
	c, _ := mustCreate(t, testOptions(FormatDeltaTOC))
	obj, err := c.NewObject()
	require.NoError(t, err)
	require.NoError(t, c.SetValue(vid(obj, 1, 1), testData(2048, 1)))
	require.NoError(t, c.Flush())
	m := c.Metrics()
	require.Equal(t, 1, m.Objects)
	require.Equal(t, 1, m.Values)
	require.Equal(t, int64(2048), m.ValueBytes)
	require.Equal(t, int64(2), m.TOC.Writes)
	s := m.String()
	require.Contains(t, s, "objects: 1 (1 values, ")
	require.Contains(t, s, "2 writes, 0 slop rewrites")
	require.Contains(t, s, "free: ")
	require.Contains(t, s, "refs: ")
}

// TestRandomized applies random operations to a container, checking every
// value against an in-memory copy and periodically reopening the container.
func TestRandomized(t *testing.T) {
	seed := uint64(rand.Int64())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(seed, seed))

	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			opts := testOptions(format)
			opts.ReuseFreeSpace = rng.IntN(2) == 0
			var memOpts []iohandler.MemOption
			if rng.IntN(2) == 0 {
				memOpts = append(memOpts, iohandler.WithoutTruncate())
			}
			if rng.IntN(2) == 0 {
				memOpts = append(memOpts, iohandler.WithMaxTransfer(1+rng.IntN(64)))
			}
			t.Logf("reuse=%t mem options=%d", opts.ReuseFreeSpace, len(memOpts))
			c, h := mustCreate(t, opts, memOpts...)

			oracle := map[ValueID][]byte{}
			const sentinel = PropertyID(1000)
			newObject := func() ObjectID {
				id, err := c.NewObject()
				require.NoError(t, err)
				require.NoError(t, c.SetValue(vid(id, sentinel, 1), []byte("keep")))
				return id
			}
			objs := []ObjectID{newObject(), newObject(), newObject()}
			randomValue := func() ValueID {
				return vid(objs[rng.IntN(len(objs))], PropertyID(1+rng.IntN(2)), TypeID(1+rng.IntN(2)))
			}
			randomData := func() []byte {
				n := rng.IntN(6)
				if rng.IntN(2) == 0 {
					n = rng.IntN(3000)
				}
				return testData(n, byte(rng.Uint32()))
			}

			for iter := 0; iter < 400; iter++ {
				id := randomValue()
				cur, exists := oracle[id]
				switch op := rng.IntN(20); {
				case op < 5:
					data := randomData()
					require.NoError(t, c.SetValue(id, data))
					oracle[id] = data
				case op < 9:
					data := randomData()
					require.NoError(t, c.AppendValue(id, data))
					oracle[id] = append(append([]byte{}, cur...), data...)
				case op < 11 && exists:
					off := rng.Int64N(int64(len(cur)) + 1)
					data := randomData()
					require.NoError(t, c.WriteValueAt(id, data, off))
					next := append([]byte{}, cur[:off]...)
					next = append(next, data...)
					if end := off + int64(len(data)); end < int64(len(cur)) {
						next = append(next, cur[end:]...)
					}
					oracle[id] = next
				case op < 14 && exists:
					off := rng.Int64N(int64(len(cur)) + 1)
					n := rng.Int64N(int64(len(cur)) - off + 1)
					require.NoError(t, c.DeleteValueData(id, off, n))
					oracle[id] = append(append([]byte{}, cur[:off]...), cur[off+n:]...)
				case op < 15 && exists:
					require.NoError(t, c.DeleteValue(id))
					delete(oracle, id)
				case op < 16:
					i := rng.IntN(len(objs))
					require.NoError(t, c.DeleteObject(objs[i]))
					for id := range oracle {
						if id.Object == objs[i] {
							delete(oracle, id)
						}
					}
					objs[i] = newObject()
				case op < 18:
					require.NoError(t, c.Flush())
					checkLayout(t, c, h)
				case op < 19:
					c, h = reopen(t, c, h, opts, memOpts...)
					checkLayout(t, c, h)
					for id, want := range oracle {
						got, err := c.ReadValue(id)
						require.NoError(t, err)
						require.True(t, bytes.Equal(want, got), "%s", id)
					}
				default:
					if exists {
						got, err := c.ReadValue(id)
						require.NoError(t, err)
						require.True(t, bytes.Equal(cur, got), "%s", id)
					} else {
						_, err := c.ReadValue(id)
						require.ErrorIs(t, err, ErrNotFound)
					}
				}
				checkInvariants(t, c)
			}

			c, _ = reopen(t, c, h, opts, memOpts...)
			for id, want := range oracle {
				got, err := c.ReadValue(id)
				require.NoError(t, err)
				require.True(t, bytes.Equal(want, got), "%s", id)
			}
			require.NoError(t, c.Close())
		})
	}
}
