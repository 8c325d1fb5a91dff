// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package freespace

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/graph"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func describe(a *Allocator) string {
	var parts []string
	for _, e := range a.Entries() {
		parts = append(parts, e.String())
	}
	if len(parts) == 0 {
		parts = append(parts, "(empty)")
	}
	s := a.Stats()
	return fmt.Sprintf("%s\nreleased=%d abandoned=%d reused=%d pruned=%d free=%d\n",
		strings.Join(parts, " "), s.Released, s.Abandoned, s.Reused, s.Pruned, s.FreeBytes)
}

func TestAllocator(t *testing.T) {
	var a *Allocator
	datadriven.RunTest(t, "testdata/allocator", func(t *testing.T, td *datadriven.TestData) string {
		firstArg := func() int64 {
			if len(td.CmdArgs) == 0 {
				td.Fatalf(t, "expected an integer argument")
			}
			v, err := strconv.ParseInt(td.CmdArgs[0].Key, 10, 64)
			require.NoError(t, err)
			return v
		}
		switch td.Cmd {
		case "init":
			a = New(graph.NewStore(), !td.HasArg("no-reuse"))
			return describe(a)

		case "release":
			for _, line := range strings.Split(strings.TrimSpace(td.Input), "\n") {
				var off, n int64
				_, err := fmt.Sscanf(line, "%d %d", &off, &n)
				require.NoError(t, err)
				require.NoError(t, a.ReleaseRange(off, n))
			}
			return describe(a)

		case "acquire":
			off, n := a.Acquire(firstArg(), td.HasArg("must-fit"))
			return fmt.Sprintf("acquired (%d,%d)\n%s", off, n, describe(a))

		case "release-beyond":
			a.ReleaseBeyond(firstArg())
			return describe(a)

		default:
			td.Fatalf(t, "unknown command %s", td.Cmd)
			return ""
		}
	})
}

func TestReleaseIgnoresUnownedSegments(t *testing.T) {
	a := New(graph.NewStore(), true)
	require.NoError(t, a.Release(graph.Segment{Immediate: true, Length: 4}))
	require.NoError(t, a.Release(graph.Segment{Offset: 100, Length: 50, Unexternalized: true}))
	require.Equal(t, Stats{}, a.Stats())
	require.NoError(t, a.Release(graph.Segment{Offset: 100, Length: 50}))
	require.Equal(t, []graph.Segment{{Offset: 100, Length: 50}}, a.Entries())
}

// TestFreeListLivesInGraph checks the free list is the reserved TOC value and
// disappears once emptied.
func TestFreeListLivesInGraph(t *testing.T) {
	store := graph.NewStore()
	a := New(store, true)
	require.Nil(t, store.Object(base.ObjectIDTOC))

	require.NoError(t, a.ReleaseRange(100, 20))
	o := store.Object(base.ObjectIDTOC)
	require.NotNil(t, o)
	require.True(t, o.Private)
	v := o.Value(base.PropertyTOCFree, base.TypeTOCValue)
	require.NotNil(t, v)
	require.Equal(t, []graph.Segment{{Offset: 100, Length: 20}}, v.Segments)

	off, n := a.Acquire(20, true)
	require.Equal(t, int64(100), off)
	require.Equal(t, int64(20), n)
	require.Nil(t, o.Property(base.PropertyTOCFree))

	// A free list read back from a TOC is picked up as is.
	a = New(store, true)
	p, err := o.AddProperty(base.PropertyTOCFree)
	require.NoError(t, err)
	v, err = p.AddValue(base.TypeTOCValue, 0)
	require.NoError(t, err)
	v.Segments = append(v.Segments, graph.Segment{Offset: 500, Length: 30})
	off, n = a.Acquire(10, false)
	require.Equal(t, int64(500), off)
	require.Equal(t, int64(10), n)
	require.Equal(t, []graph.Segment{{Offset: 510, Length: 20}}, a.Entries())
}

func TestSnapshotRestore(t *testing.T) {
	store := graph.NewStore()
	a := New(store, true)
	empty := a.Snapshot()
	require.NoError(t, a.ReleaseRange(100, 20))
	require.NoError(t, a.ReleaseRange(300, 40))
	saved, stats := a.Snapshot(), a.Stats()

	require.NoError(t, a.ReleaseRange(120, 180))
	a.ReleaseBeyond(150)
	require.Equal(t, []graph.Segment{{Offset: 100, Length: 50}}, a.Entries())

	require.NoError(t, a.Restore(saved))
	require.Equal(t, []graph.Segment{{Offset: 100, Length: 20}, {Offset: 300, Length: 40}}, a.Entries())
	require.Equal(t, stats, a.Stats())

	require.NoError(t, a.Restore(empty))
	require.Empty(t, a.Entries())
	require.Nil(t, store.Object(base.ObjectIDTOC).Property(base.PropertyTOCFree))
}

type memMedium struct {
	data   []byte
	failAt int64
}

var errWrite = errors.New("write failed")

func (m *memMedium) WriteAt(p []byte, off int64) error {
	if off == m.failAt {
		return errWrite
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	return nil
}

func (m *memMedium) Append(p []byte) (int64, error) {
	off := int64(len(m.data))
	m.data = append(m.data, p...)
	return off, nil
}

func TestWriteWithReuse(t *testing.T) {
	m := &memMedium{data: make([]byte, 200), failAt: -1}
	a := New(graph.NewStore(), true)
	require.NoError(t, a.ReleaseRange(10, 20))
	require.NoError(t, a.ReleaseRange(60, 15))

	var v graph.Value
	data := []byte(strings.Repeat("abcdefghij", 5))
	n, err := a.WriteWithReuse(m, &v, data)
	require.NoError(t, err)
	require.Equal(t, int64(50), n)
	require.Equal(t, []graph.Segment{
		{Offset: 10, Length: 20},
		{Offset: 60, Length: 15},
		{Offset: 200, Length: 15},
	}, v.Segments)
	require.Empty(t, a.Entries())

	var got []byte
	for _, s := range v.Segments {
		got = append(got, m.data[s.Offset:s.End()]...)
	}
	require.Equal(t, data, got)

	// Appending more bytes at the end extends the last segment.
	_, err = a.WriteWithReuse(m, &v, []byte("xyz"))
	require.NoError(t, err)
	require.Equal(t, graph.Segment{Offset: 200, Length: 18}, v.Segments[2])

	// A failed write puts the acquired range back.
	require.NoError(t, a.ReleaseRange(100, 30))
	m.failAt = 100
	_, err = a.WriteWithReuse(m, &v, []byte("hello"))
	require.ErrorIs(t, err, errWrite)
	require.Equal(t, []graph.Segment{{Offset: 100, Length: 30}}, a.Entries())
	require.Len(t, v.Segments, 3)
}

func TestWriteWithoutReuse(t *testing.T) {
	m := &memMedium{data: make([]byte, 64), failAt: -1}
	a := New(graph.NewStore(), false)
	require.NoError(t, a.ReleaseRange(0, 32))
	var v graph.Value
	_, err := a.WriteWithReuse(m, &v, []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, []graph.Segment{{Offset: 64, Length: 10}}, v.Segments)
	require.Equal(t, []graph.Segment{{Offset: 0, Length: 32}}, a.Entries())
}

// TestRandomized releases disjoint ranges and acquires space in random order,
// checking the free list against a bitmap of free bytes.
func TestRandomized(t *testing.T) {
	seed := uint64(rand.Int64())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(seed, seed))

	const size = 4096
	var owned [size]bool // bytes currently held by the test
	for i := range owned {
		owned[i] = true
	}
	a := New(graph.NewStore(), true)
	abandonedBitmap := make([]bool, size)

	for iter := 0; iter < 2000; iter++ {
		switch rng.IntN(3) {
		case 0, 1:
			// Release a random owned run.
			start := rng.IntN(size)
			if !owned[start] {
				continue
			}
			end := start
			limit := start + 1 + rng.IntN(64)
			for end < size && end < limit && owned[end] {
				end++
			}
			before := a.Stats().Abandoned
			require.NoError(t, a.ReleaseRange(int64(start), int64(end-start)))
			abandoned := a.Stats().Abandoned > before
			for i := start; i < end; i++ {
				owned[i] = false
				abandonedBitmap[i] = abandoned
			}
		case 2:
			desired := int64(1 + rng.IntN(100))
			mustFit := rng.IntN(2) == 0
			entries := a.Entries()
			off, n := a.Acquire(desired, mustFit)
			if n == 0 {
				if len(entries) > 0 && mustFit {
					for _, e := range entries {
						require.Less(t, e.Length, desired)
					}
				}
				continue
			}
			require.LessOrEqual(t, n, desired)
			if mustFit {
				require.Equal(t, desired, n)
			} else {
				require.Equal(t, entries[0].Offset, off)
			}
			for i := off; i < off+n; i++ {
				require.False(t, owned[i], "byte %d handed out twice", i)
				require.False(t, abandonedBitmap[i], "abandoned byte %d handed out", i)
				owned[i] = true
			}
		}

		// Every free entry covers only released, non-owned bytes, and entries
		// never overlap or touch.
		entries := a.Entries()
		slices.SortFunc(entries, func(x, y graph.Segment) int { return int(x.Offset - y.Offset) })
		for i, e := range entries {
			require.Greater(t, e.Length, int64(0))
			if i > 0 {
				require.Less(t, entries[i-1].End(), e.Offset)
			}
			for b := e.Offset; b < e.End(); b++ {
				require.False(t, owned[b])
			}
		}
		s := a.Stats()
		require.Equal(t, s.Released-s.Abandoned-s.Reused-s.Pruned, s.FreeBytes)
	}
}
