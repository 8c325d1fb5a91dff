// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import (
	"fmt"

	"github.com/bentoformat/bento/internal/toc"
	"github.com/cockroachdb/errors"
)

// FormatMajorVersion is a constant controlling the format of persisted
// data. It is stored in the label at the end of every container and selects
// the TOC encoding.
//
// The zero value format is the FormatDefault constant. The exact
// FormatMajorVersion that the default corresponds to may change with time.
type FormatMajorVersion uint16

// String implements fmt.Stringer.
func (v FormatMajorVersion) String() string {
	// NB: This must not change. It's used in the options string and must
	// always parse as a base 10 integer.
	return fmt.Sprintf("%03d", v)
}

const (
	// FormatDefault leaves the format version unspecified. Containers created
	// with it use FormatNewest.
	FormatDefault FormatMajorVersion = iota
	// FormatLegacyTOC stores the TOC as fixed 24 byte records. It cannot
	// record reference lists, and limits generations and flags to 16 bits and
	// value ranges to 32 bits.
	FormatLegacyTOC
	// FormatDeltaTOC stores the TOC delta-compressed in independently
	// decodable blocks.
	FormatDeltaTOC
	// FormatNewest always contains the most recent format major version.
	FormatNewest FormatMajorVersion = FormatDeltaTOC

	// FormatMinSupported is the oldest format major version that can be
	// opened.
	FormatMinSupported = FormatLegacyTOC
)

// formatMinorVersion is the minor version written to new labels. Readers
// ignore it.
const formatMinorVersion = 0

// resolve maps FormatDefault to the version it stands for.
func (v FormatMajorVersion) resolve() FormatMajorVersion {
	if v == FormatDefault {
		return FormatNewest
	}
	return v
}

// tocFormat returns the TOC encoding used by the format major version.
func (v FormatMajorVersion) tocFormat() toc.Format {
	switch v.resolve() {
	case FormatLegacyTOC:
		return toc.FormatLegacy
	default:
		return toc.FormatDelta
	}
}

// SupportsReferences returns true if containers in this format can persist
// reference associations.
func (v FormatMajorVersion) SupportsReferences() bool {
	return v.resolve() >= FormatDeltaTOC
}

func validateFormatMajorVersion(v FormatMajorVersion) error {
	if v < FormatMinSupported || v > FormatNewest {
		return errors.Newf("bento: unsupported format major version %s", v)
	}
	return nil
}
