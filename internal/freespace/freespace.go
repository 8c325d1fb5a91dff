// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package freespace tracks released byte ranges of a container and hands them
// out again.
//
// The free list is persisted with the TOC: it is the segment list of the value
// at (base.ObjectIDTOC, base.PropertyTOCFree, base.TypeTOCValue), one segment
// per free range. The allocator reads and mutates that value in place, so the
// list survives a write/read cycle without any separate encoding. The
// property and value exist only while the list is non-empty.
package freespace

import (
	"cmp"
	"slices"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/graph"
	"github.com/bentoformat/bento/internal/invariants"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// MinEntrySize is the smallest range recorded as a new free-list entry. It is
// the encoded size of the 4+4 value entry describing the range; anything
// smaller costs more TOC space than it frees.
const MinEntrySize = 9

// Medium is where WriteWithReuse places value bytes.
type Medium interface {
	// WriteAt writes all of p at off.
	WriteAt(p []byte, off int64) error
	// Append writes all of p at the end of the medium and returns its offset.
	Append(p []byte) (int64, error)
}

// Stats are cumulative allocator counters.
type Stats struct {
	// Released is the number of bytes handed to Release, including bytes that
	// were abandoned.
	Released int64
	// Abandoned is the number of released bytes too small to record.
	Abandoned int64
	// Reused is the number of bytes handed out by Acquire.
	Reused int64
	// Pruned is the number of free bytes dropped by ReleaseBeyond.
	Pruned int64
	// Entries and FreeBytes describe the current free list.
	Entries   int
	FreeBytes int64
}

// String implements fmt.Stringer.
func (s Stats) String() string { return redact.StringWithoutMarkers(s) }

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("free: %s in %s entries; released %s, reused %s, abandoned %s, pruned %s",
		crhumanize.Bytes(s.FreeBytes, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Count(s.Entries, crhumanize.Compact),
		crhumanize.Bytes(s.Released, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Bytes(s.Reused, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Bytes(s.Abandoned, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Bytes(s.Pruned, crhumanize.Compact, crhumanize.OmitI))
}

// Allocator manages the free list of one container.
type Allocator struct {
	store *graph.Store
	reuse bool
	stats Stats
}

// New returns an allocator over the free list stored in store. Acquire hands
// out space only if reuse is set; releases are recorded either way.
func New(store *graph.Store, reuse bool) *Allocator {
	return &Allocator{store: store, reuse: reuse}
}

// SetReuse enables or disables Acquire.
func (a *Allocator) SetReuse(reuse bool) { a.reuse = reuse }

// list returns the free-list value, or nil if there is none.
func (a *Allocator) list() *graph.Value {
	o := a.store.Object(base.ObjectIDTOC)
	if o == nil {
		return nil
	}
	return o.Value(base.PropertyTOCFree, base.TypeTOCValue)
}

func (a *Allocator) ensureList() (*graph.Value, error) {
	if v := a.list(); v != nil {
		return v, nil
	}
	o, err := a.store.GetOrCreateObject(base.ObjectIDTOC)
	if err != nil {
		return nil, err
	}
	o.Private = true
	p, err := o.AddProperty(base.PropertyTOCFree)
	if err != nil {
		return nil, err
	}
	return p.AddValue(base.TypeTOCValue, 0)
}

// dropList removes the free-list value, and its property if it is now empty.
func (a *Allocator) dropList() {
	o := a.store.Object(base.ObjectIDTOC)
	if o == nil {
		return
	}
	p := o.Property(base.PropertyTOCFree)
	if p == nil {
		return
	}
	p.RemoveValue(base.TypeTOCValue)
	if len(p.Values) == 0 {
		_, _ = o.RemoveProperty(base.PropertyTOCFree)
	}
}

// Entries returns a copy of the free list in list order.
func (a *Allocator) Entries() []graph.Segment {
	if v := a.list(); v != nil {
		return slices.Clone(v.Segments)
	}
	return nil
}

// Stats returns the allocator's counters.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.Entries, s.FreeBytes = 0, 0
	if v := a.list(); v != nil {
		s.Entries = len(v.Segments)
		s.FreeBytes = v.Size()
	}
	return s
}

// Snapshot is a saved copy of the free list and the allocator's counters.
type Snapshot struct {
	entries []graph.Segment
	stats   Stats
}

// Snapshot saves the free list so a failed TOC write can restore it.
func (a *Allocator) Snapshot() Snapshot {
	return Snapshot{entries: a.Entries(), stats: a.stats}
}

// Restore replaces the free list and counters with those saved in s.
func (a *Allocator) Restore(s Snapshot) error {
	a.stats = s.stats
	if len(s.entries) == 0 {
		a.dropList()
		return nil
	}
	v, err := a.ensureList()
	if err != nil {
		return err
	}
	v.Segments = slices.Clone(s.entries)
	a.check()
	return nil
}

// Release returns the bytes of seg to the free list. Immediate and
// unexternalized segments own no container space and are ignored.
func (a *Allocator) Release(seg graph.Segment) error {
	if seg.Immediate || seg.Unexternalized {
		return nil
	}
	return a.ReleaseRange(seg.Offset, seg.Length)
}

// ReleaseRange returns [off, off+n) to the free list. The range is merged
// with any entry it touches or overlaps. A range shorter than MinEntrySize
// that merges with nothing is abandoned.
func (a *Allocator) ReleaseRange(off, n int64) error {
	if n <= 0 {
		return nil
	}
	if off < 0 {
		return errors.AssertionFailedf("bento/freespace: negative offset %d", off)
	}
	a.stats.Released += n
	merged, err := a.insert(off, n)
	if err != nil {
		return err
	}
	if !merged && n < MinEntrySize {
		a.stats.Abandoned += n
	}
	a.check()
	return nil
}

// insert adds [off, off+n) to the list. It returns true if the range merged
// with an existing entry. Short ranges that merge with nothing are dropped.
func (a *Allocator) insert(off, n int64) (merged bool, _ error) {
	v := a.list()
	if v != nil {
		for i := range v.Segments {
			e := &v.Segments[i]
			if !touches(*e, off, off+n) {
				continue
			}
			start, end := min(e.Offset, off), max(e.End(), off+n)
			e.Offset, e.Length = start, end-start
			a.coalesce(v, i)
			return true, nil
		}
	}
	if n < MinEntrySize {
		return false, nil
	}
	v, err := a.ensureList()
	if err != nil {
		return false, err
	}
	v.Segments = append(v.Segments, graph.Segment{Offset: off, Length: n})
	return false, nil
}

// coalesce folds every entry touching entry i into it, repeating until no
// entry touches.
func (a *Allocator) coalesce(v *graph.Value, i int) {
	for j := 0; j < len(v.Segments); {
		e, o := v.Segments[i], v.Segments[j]
		if j == i || !touches(o, e.Offset, e.End()) {
			j++
			continue
		}
		start, end := min(e.Offset, o.Offset), max(e.End(), o.End())
		v.Segments[i].Offset, v.Segments[i].Length = start, end-start
		v.Segments = slices.Delete(v.Segments, j, j+1)
		if j < i {
			i--
		}
		// The grown entry may now touch one already passed.
		j = 0
	}
}

// touches returns true if entry e is adjacent to or overlaps [start, end).
func touches(e graph.Segment, start, end int64) bool {
	return e.Offset <= end && start <= e.End()
}

// Acquire removes up to desired bytes from the free list and returns their
// location. If mustFit is set the first entry holding at least desired bytes
// is used, and (0, 0) is returned if there is none. Otherwise the head entry
// is used regardless of its size, so fewer than desired bytes may be
// returned. (0, 0) is also returned when reuse is disabled or the list is
// empty.
func (a *Allocator) Acquire(desired int64, mustFit bool) (off, n int64) {
	v := a.list()
	if !a.reuse || v == nil || len(v.Segments) == 0 || desired <= 0 {
		return 0, 0
	}
	i := 0
	if mustFit {
		i = slices.IndexFunc(v.Segments, func(e graph.Segment) bool { return e.Length >= desired })
		if i < 0 {
			return 0, 0
		}
	}
	e := &v.Segments[i]
	off, n = e.Offset, min(e.Length, desired)
	e.Offset += n
	e.Length -= n
	if e.Length == 0 {
		v.Segments = slices.Delete(v.Segments, i, i+1)
		if len(v.Segments) == 0 {
			a.dropList()
		}
	}
	a.stats.Reused += n
	a.check()
	return off, n
}

// ReleaseBeyond drops free space at or past cutoff. Entries straddling cutoff
// are shortened, and dropped if they end up shorter than MinEntrySize.
func (a *Allocator) ReleaseBeyond(cutoff int64) {
	v := a.list()
	if v == nil {
		return
	}
	v.Segments = slices.DeleteFunc(v.Segments, func(e graph.Segment) bool {
		switch {
		case e.Offset >= cutoff:
			a.stats.Pruned += e.Length
			return true
		case e.End() > cutoff && invariants.SafeSub(cutoff, e.Offset) < MinEntrySize:
			a.stats.Pruned += e.Length
			return true
		}
		return false
	})
	for i := range v.Segments {
		if e := &v.Segments[i]; e.End() > cutoff {
			a.stats.Pruned += invariants.SafeSub(e.End(), cutoff)
			e.Length = invariants.SafeSub(cutoff, e.Offset)
		}
	}
	if len(v.Segments) == 0 {
		a.dropList()
	}
	a.check()
}

// WriteWithReuse writes data as new segments appended to v, filling free
// ranges first and appending the remainder at the end of m. Adjacent chunks
// extend the value's last segment. It returns the number of bytes written.
func (a *Allocator) WriteWithReuse(m Medium, v *graph.Value, data []byte) (int64, error) {
	var written int64
	for len(data) > 0 {
		off, n := a.Acquire(int64(len(data)), false /* mustFit */)
		if n == 0 {
			var err error
			if off, err = m.Append(data); err != nil {
				return written, err
			}
			n = int64(len(data))
		} else if err := m.WriteAt(data[:n], off); err != nil {
			// Put the range back; it was never used.
			a.stats.Reused -= n
			if _, ierr := a.insert(off, n); ierr != nil {
				err = errors.CombineErrors(err, ierr)
			}
			return written, err
		}
		appendSegment(v, off, n)
		written += n
		data = data[n:]
	}
	return written, nil
}

func appendSegment(v *graph.Value, off, n int64) {
	if k := len(v.Segments); k > 0 {
		last := &v.Segments[k-1]
		if !last.Immediate && !last.Unexternalized && last.End() == off {
			last.Length += n
			return
		}
	}
	v.Segments = append(v.Segments, graph.Segment{Offset: off, Length: n})
}

// check verifies that no two free-list entries overlap or touch and that
// every entry is non-empty.
func (a *Allocator) check() {
	if !invariants.Enabled {
		return
	}
	v := a.list()
	if v == nil {
		return
	}
	entries := slices.Clone(v.Segments)
	slices.SortFunc(entries, func(x, y graph.Segment) int {
		return cmp.Compare(x.Offset, y.Offset)
	})
	for i, e := range entries {
		if e.Length <= 0 {
			panic(errors.AssertionFailedf("bento/freespace: empty entry %s", e))
		}
		if i > 0 && entries[i-1].End() >= e.Offset {
			panic(errors.AssertionFailedf("bento/freespace: entries %s and %s overlap", entries[i-1], e))
		}
	}
}
