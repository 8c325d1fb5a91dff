// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types used across the container engine:
// catalog identifiers, the corruption error marker and the Logger interface.
//
// # Identifiers
//
// Every entry in a container's table of contents names an object, one of the
// object's properties and the type of the value stored under that property.
// All three are 32-bit identifiers drawn from a single space: properties and
// types are themselves objects. IDs below FirstUserObjectID are reserved for
// the catalog's own bookkeeping (see ObjectIDTOC and the Property* and Type*
// constants).
package base
