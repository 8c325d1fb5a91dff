// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/toc"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// defaultTOCBufferSize is the TOC block capacity of new containers.
	defaultTOCBufferSize = 1 << 10
	// maxTOCBufferSize is the largest block capacity the label can record.
	maxTOCBufferSize = (1<<16 - 1) << 10
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger = base.DefaultLogger

// Options holds the optional parameters for configuring a container. These
// options apply to the Container at large; per-call options are arguments of
// the individual methods.
type Options struct {
	// FormatMajorVersion sets the format of new containers. Existing
	// containers keep the format recorded in their label. The default is
	// FormatNewest.
	FormatMajorVersion FormatMajorVersion

	// TOCBufferSize is the block capacity used when writing the TOC of a new
	// container. It must be a multiple of 1 KiB. Existing containers keep the
	// size recorded in their label. The default is 1 KiB.
	TOCBufferSize int

	// ReuseFreeSpace makes value writes fill ranges released by earlier
	// deletions before growing the container. Released ranges are tracked
	// either way.
	ReuseFreeSpace bool

	// Updating marks the container as a set of updates to another container.
	// The range of values written since opening is recorded in the TOC so it
	// can be merged into its target. Updating containers never reuse free
	// space, so the values they were opened with stay untouched.
	Updating bool

	// BumpGenerations increments a value's generation each time its data is
	// replaced.
	BumpGenerations bool

	// Logger used to write log messages and report errors. The default
	// logger uses the Go standard library log package.
	Logger Logger

	// TOCWriteLatency, if set, observes the duration in seconds of every TOC
	// write.
	TOCWriteLatency prometheus.Histogram
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	o.FormatMajorVersion = o.FormatMajorVersion.resolve()
	if o.TOCBufferSize <= 0 {
		o.TOCBufferSize = defaultTOCBufferSize
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	return o
}

// Clone creates a shallow copy of the supplied options.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
	}
	return n
}

// Validate verifies that the options are mutually consistent. For example,
// a TOC buffer size that the label cannot record.
func (o *Options) Validate() error {
	// Note that we can presume Options.EnsureDefaults has been called, so there
	// is no need to check for zero values.

	var buf strings.Builder
	if err := validateFormatMajorVersion(o.FormatMajorVersion); err != nil {
		fmt.Fprintf(&buf, "FormatMajorVersion (%s) must be between %s and %s\n",
			o.FormatMajorVersion, FormatMinSupported, FormatNewest)
	}
	if o.TOCBufferSize%(1<<10) != 0 {
		fmt.Fprintf(&buf, "TOCBufferSize (%d) must be a multiple of 1024\n", o.TOCBufferSize)
	}
	if o.TOCBufferSize < toc.MinBufferSize || o.TOCBufferSize > maxTOCBufferSize {
		fmt.Fprintf(&buf, "TOCBufferSize (%d) must be between %d and %d\n",
			o.TOCBufferSize, toc.MinBufferSize, maxTOCBufferSize)
	}
	if o.Updating && o.ReuseFreeSpace {
		fmt.Fprintf(&buf, "ReuseFreeSpace cannot be set on an updating container\n")
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}

// String returns a textual representation of the Options that can be passed
// to Options.Parse.
func (o *Options) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[Version]\n")
	fmt.Fprintf(&buf, "  bento_version=0.1\n")
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  bump_generations=%t\n", o.BumpGenerations)
	fmt.Fprintf(&buf, "  format_major_version=%d\n", o.FormatMajorVersion)
	fmt.Fprintf(&buf, "  reuse_free_space=%t\n", o.ReuseFreeSpace)
	fmt.Fprintf(&buf, "  toc_buffer_size=%d\n", o.TOCBufferSize)
	fmt.Fprintf(&buf, "  updating=%t\n", o.Updating)
	return buf.String()
}

// Parse parses the options from the specified string. Note that certain
// options cannot be parsed into populated fields, such as Logger and
// TOCWriteLatency.
func (o *Options) Parse(s string) error {
	var section string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			// Skip blank lines and comments.
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			continue
		}
		pos := strings.Index(line, "=")
		if pos < 0 {
			return errors.Errorf("bento: invalid key=value syntax: %q", errors.Safe(line))
		}
		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])

		var err error
		switch section {
		case "Version":
			switch key {
			case "bento_version":
			default:
				return errors.Errorf("bento: unknown option: %s.%s",
					errors.Safe(section), errors.Safe(key))
			}
		case "Options":
			switch key {
			case "bump_generations":
				o.BumpGenerations, err = strconv.ParseBool(value)
			case "format_major_version":
				var v uint64
				v, err = strconv.ParseUint(value, 10, 16)
				o.FormatMajorVersion = FormatMajorVersion(v)
			case "reuse_free_space":
				o.ReuseFreeSpace, err = strconv.ParseBool(value)
			case "toc_buffer_size":
				o.TOCBufferSize, err = strconv.Atoi(value)
			case "updating":
				o.Updating, err = strconv.ParseBool(value)
			default:
				return errors.Errorf("bento: unknown option: %s.%s",
					errors.Safe(section), errors.Safe(key))
			}
		default:
			return errors.Errorf("bento: unknown section: %q", errors.Safe(section))
		}
		if err != nil {
			return errors.Wrapf(err, "bento: invalid value for %s.%s", errors.Safe(section), errors.Safe(key))
		}
	}
	return nil
}
