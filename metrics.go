// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import (
	"time"

	"github.com/bentoformat/bento/internal/freespace"
	"github.com/bentoformat/bento/internal/refcache"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
)

// TOCMetrics describes the TOC most recently written and the writes that
// produced it.
type TOCMetrics struct {
	// Offset and Size locate the TOC on the medium.
	Offset int64
	Size   int64
	// Writes is the number of TOCs written since the container was opened.
	Writes int64
	// SlopRewrites is the number of TOCs rewritten to end at the end of a
	// medium that could not be truncated.
	SlopRewrites int64
	// LastDuration is the time taken by the most recent TOC write.
	LastDuration time.Duration
}

// Metrics holds metrics for a container.
type Metrics struct {
	// Objects is the number of public objects.
	Objects int
	// Values is the number of values on public objects.
	Values int
	// ValueBytes is the total size of those values.
	ValueBytes int64
	TOC        TOCMetrics
	FreeSpace  freespace.Stats
	References refcache.Stats
}

// Metrics returns the container's metrics.
func (c *Container) Metrics() *Metrics {
	m := &Metrics{
		TOC: TOCMetrics{
			Offset:       c.label.TOCOffset,
			Size:         c.label.TOCSize,
			Writes:       c.tocStats.writes,
			SlopRewrites: c.tocStats.slopRewrites,
			LastDuration: c.tocStats.lastDuration,
		},
		FreeSpace:  c.alloc.Stats(),
		References: c.refs.Stats(),
	}
	c.Objects(func(id ObjectID) bool {
		m.Objects++
		info, _ := c.Object(id)
		for _, v := range info.Values {
			m.Values++
			m.ValueBytes += v.Size
		}
		return true
	})
	return m
}

// Pretty-print the metrics:
//
//	objects: 3 (5 values, 1.2KB)
//	toc: [1234,+96) 2 writes, 0 slop rewrites, last 41µs
//	free: 512B in 2 entries; released 600B, reused 80B, abandoned 8B, pruned 0B
//	refs: 4 lookups, 1 builds, 1 shadows
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("objects: %d (%d values, %s)\n",
		redact.SafeInt(m.Objects), redact.SafeInt(m.Values),
		redact.SafeString(crhumanize.Bytes(m.ValueBytes, crhumanize.Compact, crhumanize.OmitI)))
	w.Printf("toc: [%d,+%d) %d writes, %d slop rewrites, last %s\n",
		redact.SafeInt(m.TOC.Offset), redact.SafeInt(m.TOC.Size),
		redact.SafeInt(m.TOC.Writes), redact.SafeInt(m.TOC.SlopRewrites),
		redact.Safe(m.TOC.LastDuration))
	w.Printf("%s\n", m.FreeSpace)
	w.Printf("%s\n", m.References)
}

// String implements fmt.Stringer.
func (m *Metrics) String() string { return redact.StringWithoutMarkers(m) }
