// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bento provides an implementation of the Bento container format: a
// single seekable medium holding objects, their typed values and a table of
// contents (TOC) locating every value.
//
// A container is laid out as value data, then the TOC, then a fixed 24 byte
// label pointing at the TOC. The TOC is rewritten by Flush and Close, placed
// after the last live value byte. Ranges freed by deletions are tracked in a
// free list persisted with the TOC and, with Options.ReuseFreeSpace, filled by
// later writes.
//
// A Container is not safe for concurrent use. Callers must serialize all
// operations against one container.
package bento // import "github.com/bentoformat/bento"

import (
	"encoding/binary"
	"time"

	"github.com/bentoformat/bento/internal/backpatch"
	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/freespace"
	"github.com/bentoformat/bento/internal/graph"
	"github.com/bentoformat/bento/internal/invariants"
	"github.com/bentoformat/bento/internal/refcache"
	"github.com/bentoformat/bento/internal/toc"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ObjectID exports the base.ObjectID type.
type ObjectID = base.ObjectID

// PropertyID exports the base.PropertyID type.
type PropertyID = base.PropertyID

// TypeID exports the base.TypeID type.
type TypeID = base.TypeID

// Generation exports the base.Generation type.
type Generation = base.Generation

// ValueFlags exports the base.ValueFlags type.
type ValueFlags = base.ValueFlags

var (
	// ErrNotFound is returned when an object or value does not exist.
	ErrNotFound = base.ErrNotFound
	// ErrCorruption is a marker for errors caused by malformed containers.
	ErrCorruption = base.ErrCorruption
	// ErrProtected is returned when mutating an object or value reserved for
	// the container's own use.
	ErrProtected = graph.ErrProtected
	// ErrClosed is returned by operations on a closed container.
	ErrClosed = errors.New("bento: closed")
)

// ValueID names a value: the value of type Type under property Property of
// object Object.
type ValueID struct {
	Object   ObjectID
	Property PropertyID
	Type     TypeID
}

// SafeFormat implements redact.SafeFormatter.
func (id ValueID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s.%s.%s", id.Object, id.Property, id.Type)
}

// String implements fmt.Stringer.
func (id ValueID) String() string { return redact.StringWithoutMarkers(id) }

// Container is an open container.
type Container struct {
	h          iohandler.Handler
	opts       *Options
	format     FormatMajorVersion
	bufferSize int

	store *graph.Store
	alloc *freespace.Allocator
	refs  *refcache.Cache

	// label is the label most recently read or written.
	label Label
	// hasTOC is set once a TOC is on the medium; label then locates it.
	hasTOC   bool
	updating bool
	// newValuesStart is the offset of the first value written by an updating
	// container.
	newValuesStart int64
	dirty          bool
	closed         bool

	tocStats struct {
		writes       int64
		slopRewrites int64
		lastDuration time.Duration
	}
}

func newContainer(h iohandler.Handler, opts *Options, format FormatMajorVersion, bufferSize int) *Container {
	c := &Container{
		h:          h,
		opts:       opts,
		format:     format,
		bufferSize: bufferSize,
		store:      graph.NewStore(),
		updating:   opts.Updating,
	}
	c.alloc = freespace.New(c.store, opts.ReuseFreeSpace && !opts.Updating)
	c.refs = refcache.New(c.store, (*valueData)(c))
	return c
}

// Create initializes a new container on h, which must be empty, and writes
// its initial TOC.
func Create(h iohandler.Handler, opts *Options) (*Container, error) {
	opts = opts.Clone().EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	size, err := h.Size()
	if err != nil {
		return nil, err
	}
	if size != 0 {
		return nil, errors.Newf("bento: cannot create a container on a medium holding %d bytes", size)
	}
	c := newContainer(h, opts, opts.FormatMajorVersion, opts.TOCBufferSize)
	if _, err := c.tocObject(); err != nil {
		return nil, err
	}
	if err := c.Flush(); err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens the container stored in h. The format and TOC buffer size are
// taken from the container's label; the corresponding options are ignored.
func Open(h iohandler.Handler, opts *Options) (*Container, error) {
	opts = opts.Clone().EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	l, size, err := ReadLabel(h)
	if err != nil {
		opts.Logger.Errorf("bento: %v", err)
		return nil, err
	}
	bufferSize := l.BufferSize()
	if l.Major.tocFormat() == toc.FormatLegacy && bufferSize == 0 {
		bufferSize = opts.TOCBufferSize
	}
	c := newContainer(h, opts, l.Major, bufferSize)
	if err := c.readTOC(l); err != nil {
		opts.Logger.Errorf("bento: reading TOC: %v", err)
		return nil, err
	}
	c.label, c.hasTOC = l, true

	if opts.Updating || l.Updating {
		c.updating = true
		c.alloc.SetReuse(false)
		c.newValuesStart = size
		if v := c.reservedValue(base.PropertyTOCNewValues); v != nil && len(v.Segments) == 1 {
			c.newValuesStart = v.Segments[0].Offset
		}
	}
	return c, nil
}

// Flush writes the TOC and label, making every change since the previous
// flush durable on the medium.
func (c *Container) Flush() error {
	if c.closed {
		return ErrClosed
	}
	if err := c.writeTOC(); err != nil {
		c.opts.Logger.Errorf("bento: writing TOC: %v", err)
		return err
	}
	if err := iohandler.Sync(c.h); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// Close flushes any pending changes and closes the underlying handler.
func (c *Container) Close() error {
	if c.closed {
		return ErrClosed
	}
	var err error
	if c.dirty {
		err = c.Flush()
	}
	c.closed = true
	return errors.CombineErrors(err, c.h.Close())
}

// Format returns the container's format major version.
func (c *Container) Format() FormatMajorVersion { return c.format }

// Label returns the label most recently read or written.
func (c *Container) Label() Label { return c.label }

// FreeList returns the ranges currently on the free list.
func (c *Container) FreeList() [][2]int64 {
	entries := c.alloc.Entries()
	ranges := make([][2]int64, len(entries))
	for i, e := range entries {
		ranges[i] = [2]int64{e.Offset, e.Length}
	}
	return ranges
}

// tocObject returns the container's own object, creating it if needed.
func (c *Container) tocObject() (*graph.Object, error) {
	o, err := c.store.GetOrCreateObject(base.ObjectIDTOC)
	if err != nil {
		return nil, err
	}
	o.Private = true
	return o, nil
}

func (c *Container) reservedValue(pid PropertyID) *graph.Value {
	if o := c.store.Object(base.ObjectIDTOC); o != nil {
		return o.Value(pid, base.TypeTOCValue)
	}
	return nil
}

// setReserved replaces the segments of a reserved TOC value.
func (c *Container) setReserved(pid PropertyID, seg graph.Segment) error {
	o, err := c.tocObject()
	if err != nil {
		return err
	}
	p, err := o.AddProperty(pid)
	if err != nil {
		return err
	}
	v := p.Value(base.TypeTOCValue)
	if v == nil {
		if v, err = p.AddValue(base.TypeTOCValue, 0); err != nil {
			return err
		}
	}
	v.Segments = append(v.Segments[:0], seg)
	return nil
}

// reservedRole returns the back-patch role of a reserved TOC property.
func reservedRole(pid PropertyID) (backpatch.Role, bool) {
	switch pid {
	case base.PropertyTOCObject:
		return backpatch.RoleTOC, true
	case base.PropertyTOCContainer:
		return backpatch.RoleContainer, true
	case base.PropertyTOCNewValues:
		return backpatch.RoleNewValues, true
	}
	return 0, false
}

// readTOC materializes the graph from the TOC located by l.
func (c *Container) readTOC(l Label) error {
	dec, err := toc.NewReader(c.h, toc.ReaderOptions{
		Format:      c.format.tocFormat(),
		BufferSize:  c.bufferSize,
		StartOffset: l.TOCOffset,
		Size:        l.TOCSize,
		Logger:      c.opts.Logger,
	})
	if err != nil {
		return err
	}
	var cur *graph.Value
	var contd bool
	for {
		var s toc.Segment
		ok, err := dec.ReadSegment(&s)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if cur, err = c.materialize(&s, cur, contd); err != nil {
			_ = dec.Close()
			return err
		}
		contd = s.Continued()
	}
	if err := dec.Close(); err != nil {
		return err
	}
	if contd {
		return base.CorruptionErrorf("bento: TOC ends inside value %s", valueIDOf(cur))
	}
	return c.linkTOC(l)
}

// materialize adds one decoded segment to the graph. cur is the value the
// previous segment belonged to and contd is set if that segment was
// continued. It returns the value s belongs to.
func (c *Container) materialize(s *toc.Segment, cur *graph.Value, contd bool) (*graph.Value, error) {
	v := cur
	if contd {
		id := valueIDOf(cur)
		if id.Object != s.ObjectID || id.Property != s.PropertyID || id.Type != s.TypeID {
			return nil, base.CorruptionErrorf("bento: value %s ends without its final segment", id)
		}
	} else {
		o, err := c.store.GetOrCreateObject(s.ObjectID)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		p, err := o.AddProperty(s.PropertyID)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		if v, err = p.AddValue(s.TypeID, s.Generation); err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		v.Flags = s.Flags &^ base.ValueFlagsImplied
		v.RefObject = s.RefObjectID
	}
	switch {
	case s.Immediate() && s.Length == 0:
		// An empty value.
	case s.Immediate():
		v.Segments = append(v.Segments, graph.Segment{Immediate: true, Data: s.Data, Length: s.Length})
	default:
		v.Segments = append(v.Segments, graph.Segment{Offset: s.Offset, Length: s.Length})
	}
	return v, nil
}

// linkTOC restores the state carried by the reserved TOC values and marks the
// objects holding reference lists private.
func (c *Container) linkTOC(l Label) error {
	o, err := c.tocObject()
	if err != nil {
		return err
	}
	v := o.Value(base.PropertyTOCObject, base.TypeTOCValue)
	if v == nil || len(v.Segments) != 1 || v.Segments[0].Offset != l.TOCOffset || v.Segments[0].Length != l.TOCSize {
		return base.CorruptionErrorf("bento: TOC does not describe itself at [%d,+%d)",
			errors.Safe(l.TOCOffset), errors.Safe(l.TOCSize))
	}
	if v := o.Value(base.PropertyTOCSeed, base.TypeTOCValue); v != nil {
		if len(v.Segments) != 1 || !v.Segments[0].Immediate || v.Segments[0].Length != 4 {
			return base.CorruptionErrorf("bento: malformed object ID seed")
		}
		c.store.SetSeed(ObjectID(binary.BigEndian.Uint32(v.Segments[0].Data[:])))
	}

	var missing ObjectID
	c.store.All(func(o *graph.Object) bool {
		for _, p := range o.Properties {
			for _, v := range p.Values {
				if v.RefObject == 0 {
					continue
				}
				ro := c.store.Object(v.RefObject)
				if ro == nil {
					missing = v.RefObject
					return false
				}
				ro.Private, ro.Protected = true, true
			}
		}
		return true
	})
	if missing != 0 {
		return base.CorruptionErrorf("bento: reference object %s is missing", missing)
	}
	return nil
}

func valueIDOf(v *graph.Value) ValueID {
	if v == nil {
		return ValueID{}
	}
	return ValueID{Object: v.Object().ID, Property: v.Property().ID, Type: v.Type}
}

// liveEnd returns the end of the last byte of value data.
func (c *Container) liveEnd() int64 {
	var end int64
	c.store.All(func(o *graph.Object) bool {
		if o.ID == base.ObjectIDTOC {
			return true
		}
		for _, p := range o.Properties {
			for _, v := range p.Values {
				for _, s := range v.Segments {
					if !s.Immediate {
						end = max(end, s.End())
					}
				}
			}
		}
		return true
	})
	return end
}

// tocStart returns where the next TOC begins: after the last live value byte
// and, in an updating container, never below the first new value.
func (c *Container) tocStart() int64 {
	start := c.liveEnd()
	if c.updating {
		start = max(start, c.newValuesStart)
	}
	return start
}

// writeTOC writes a new TOC after the last live value byte and a label after
// it. If the medium ends up shorter than before and cannot be truncated, the
// TOC is rewritten so that the label lands at the end of the medium. If the
// write fails the free list is restored, since the label on the medium still
// locates the previous TOC.
func (c *Container) writeTOC() (err error) {
	startTime := time.Now()
	oldEOF, err := c.h.Size()
	if err != nil {
		return err
	}
	saved := c.alloc.Snapshot()
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, c.alloc.Restore(saved))
		}
	}()
	if c.hasTOC {
		// The previous TOC and label are dead once the new ones are written.
		start := c.label.TOCOffset
		end := min(oldEOF, start+c.label.TOCSize+LabelSize)
		if err := c.alloc.ReleaseRange(start, invariants.SafeSub(end, start)); err != nil {
			return err
		}
	}
	tocStart := c.tocStart()
	c.alloc.ReleaseBeyond(tocStart)

	size, err := c.encodeTOC(tocStart, 0 /* total */)
	if err != nil {
		return err
	}
	if end := tocStart + size + LabelSize; end < oldEOF {
		switch err := c.h.Truncate(end); {
		case err == nil:
		case errors.Is(err, iohandler.ErrTruncateUnsupported):
			if tocStart, size, err = c.rewriteIntoSlop(tocStart, size, oldEOF); err != nil {
				return err
			}
			c.tocStats.slopRewrites++
		default:
			return errors.Wrap(err, "bento: truncating")
		}
	}

	c.label = Label{
		Updating:      c.updating,
		BufferSizeKiB: uint16(c.bufferSize >> 10),
		Major:         c.format,
		Minor:         formatMinorVersion,
		TOCOffset:     tocStart,
		TOCSize:       size,
	}
	c.hasTOC = true
	c.tocStats.writes++
	c.tocStats.lastDuration = time.Since(startTime)
	if c.opts.TOCWriteLatency != nil {
		c.opts.TOCWriteLatency.Observe(c.tocStats.lastDuration.Seconds())
	}
	return nil
}

// rewriteIntoSlop rewrites a TOC that ends before oldEOF so that its label
// lands exactly at the end of a medium that cannot shrink. It returns the new
// TOC location.
//
// In the current format, the space between the end of live data and the TOC
// is pushed onto the free list and the TOC is padded to a fixed size that
// leaves room for the extra free-list entry. If that does not fit, the TOC
// stays where it was and absorbs the whole slop as padding. Legacy TOCs cannot
// be padded, but a new free-list entry grows them by exactly one record, so
// the slop is recorded and the TOC moved up against the label. Only a slop
// too small to record is left unrecorded.
func (c *Container) rewriteIntoSlop(tocStart, size, oldEOF int64) (int64, int64, error) {
	avail := invariants.SafeSub(oldEOF-LabelSize, tocStart)
	if c.format.tocFormat() == toc.FormatLegacy {
		return c.rewriteLegacyIntoSlop(tocStart, size, avail)
	}

	reserve := size + int64(c.bufferSize)
	if slop := avail - reserve; slop >= freespace.MinEntrySize {
		if err := c.alloc.ReleaseRange(tocStart, slop); err != nil {
			return 0, 0, err
		}
		start := tocStart + slop
		size, err := c.encodeTOC(start, reserve)
		if err == nil {
			return start, size, nil
		}
		if !errors.Is(err, toc.ErrOverflow) {
			return 0, 0, err
		}
		c.opts.Logger.Infof("bento: TOC outgrew the slop; padding it instead")
		c.alloc.ReleaseBeyond(tocStart)
	}
	size, err := c.encodeTOC(tocStart, avail)
	return tocStart, size, err
}

func (c *Container) rewriteLegacyIntoSlop(tocStart, size, avail int64) (int64, int64, error) {
	slop := avail - size - toc.LegacyRecordSize
	if slop < freespace.MinEntrySize {
		start := tocStart + avail - size
		c.opts.Logger.Infof("bento: leaving %s below the TOC unrecorded",
			crhumanize.Bytes(start-tocStart, crhumanize.Compact, crhumanize.OmitI))
		n, err := c.encodeTOC(start, 0)
		return start, n, err
	}
	entries := len(c.alloc.Entries())
	if err := c.alloc.ReleaseRange(tocStart, slop); err != nil {
		return 0, 0, err
	}
	if len(c.alloc.Entries()) == entries {
		// The slop extended an entry ending at tocStart, so the TOC keeps its
		// size and the record reserved for a new entry is free too.
		if err := c.alloc.ReleaseRange(tocStart+slop, toc.LegacyRecordSize); err != nil {
			return 0, 0, err
		}
		slop += toc.LegacyRecordSize
	}
	start := tocStart + slop
	n, err := c.encodeTOC(start, 0)
	if err != nil {
		return 0, 0, err
	}
	if start+n != tocStart+avail {
		return 0, 0, errors.AssertionFailedf("bento: legacy TOC of %d bytes at %d does not end at %d",
			errors.Safe(n), errors.Safe(start), errors.Safe(tocStart+avail))
	}
	return start, n, nil
}

// encodeTOC writes the TOC at start, patches its self-describing values and
// writes the label after it. If total is non-zero the TOC is padded to total
// bytes. It returns the size of the TOC.
func (c *Container) encodeTOC(start, total int64) (int64, error) {
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], uint32(c.store.Seed()))
	if err := c.setReserved(base.PropertyTOCSeed, graph.Segment{Immediate: true, Data: seed, Length: 4}); err != nil {
		return 0, err
	}
	for _, pid := range []PropertyID{base.PropertyTOCObject, base.PropertyTOCContainer} {
		if err := c.setReserved(pid, graph.Segment{}); err != nil {
			return 0, err
		}
	}
	if c.updating {
		if err := c.setReserved(base.PropertyTOCNewValues, graph.Segment{}); err != nil {
			return 0, err
		}
	}

	enc, err := toc.NewWriter(c.h, toc.WriterOptions{
		Format:      c.format.tocFormat(),
		BufferSize:  c.bufferSize,
		StartOffset: start,
		TotalSize:   total,
		Logger:      c.opts.Logger,
	})
	if err != nil {
		return 0, err
	}
	var ledger backpatch.Ledger
	var werr error
	c.store.All(func(o *graph.Object) bool {
		for _, p := range o.Properties {
			for _, v := range p.Values {
				if werr = encodeValue(enc, &ledger, o, p, v); werr != nil {
					return false
				}
			}
		}
		return true
	})
	if werr != nil {
		return 0, werr
	}
	size, err := enc.Close()
	if err != nil {
		return 0, err
	}

	ranges := map[backpatch.Role]backpatch.Range{
		backpatch.RoleTOC:       {Offset: start, Length: size},
		backpatch.RoleContainer: {Length: start + size + LabelSize},
	}
	if c.updating {
		newEnd := max(c.liveEnd(), c.newValuesStart)
		ranges[backpatch.RoleNewValues] = backpatch.Range{Offset: c.newValuesStart, Length: newEnd - c.newValuesStart}
	}
	for r, v := range ranges {
		ledger.Set(r, v)
	}
	if err := ledger.Apply(c.h); err != nil {
		return 0, err
	}
	c.syncReserved(ranges)

	l := Label{
		Updating:      c.updating,
		BufferSizeKiB: uint16(c.bufferSize >> 10),
		Major:         c.format,
		Minor:         formatMinorVersion,
		TOCOffset:     start,
		TOCSize:       size,
	}
	b, err := l.encode()
	if err != nil {
		return 0, err
	}
	if err := iohandler.WriteAt(c.h, b[:], start+size); err != nil {
		return 0, errors.Wrap(err, "bento: writing label")
	}
	return size, nil
}

// syncReserved mirrors patched ranges into the in-memory reserved values.
func (c *Container) syncReserved(ranges map[backpatch.Role]backpatch.Range) {
	for _, pid := range []PropertyID{base.PropertyTOCObject, base.PropertyTOCContainer, base.PropertyTOCNewValues} {
		role, _ := reservedRole(pid)
		r, ok := ranges[role]
		if v := c.reservedValue(pid); v != nil && ok && len(v.Segments) == 1 {
			v.Segments[0] = graph.Segment{Offset: r.Offset, Length: r.Length}
		}
	}
}

// encodeValue writes the segments of one value, recording the value field of
// reserved TOC values in the ledger.
func encodeValue(
	enc toc.Encoder, ledger *backpatch.Ledger, o *graph.Object, p *graph.Property, v *graph.Value,
) error {
	role, patched := backpatch.Role(0), false
	if o.ID == base.ObjectIDTOC {
		role, patched = reservedRole(p.ID)
	}
	segs := v.Segments
	if len(segs) == 0 {
		segs = []graph.Segment{{Immediate: true}}
	}
	for i := range segs {
		gs := &segs[i]
		s := toc.Segment{
			ObjectID:    o.ID,
			PropertyID:  p.ID,
			TypeID:      v.Type,
			Generation:  v.Generation,
			Flags:       v.Flags &^ base.ValueFlagsImplied,
			RefObjectID: v.RefObject,
		}
		if gs.Immediate {
			s.Flags |= base.ValueFlagImmediate
			s.Data, s.Length = gs.Data, gs.Length
		} else {
			s.Offset, s.Length = gs.Offset, gs.Length
		}
		if i < len(segs)-1 {
			s.Flags |= base.ValueFlagContinued
		}
		off, err := enc.WriteSegment(&s)
		if err != nil {
			return err
		}
		if patched && i == 0 {
			if err := ledger.Record(role, off); err != nil {
				return err
			}
		}
	}
	return nil
}

// medium adapts a Container to freespace.Medium.
type medium Container

func (m *medium) WriteAt(p []byte, off int64) error {
	return iohandler.WriteAt(m.h, p, off)
}

func (m *medium) Append(p []byte) (int64, error) {
	return iohandler.Append(m.h, p)
}
