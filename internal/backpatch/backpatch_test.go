// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package backpatch

import (
	"math"
	"testing"

	"github.com/bentoformat/bento/iohandler"
	"github.com/bentoformat/bento/iohandler/errorinject"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	mem := iohandler.NewMem(make([]byte, 32))
	var l Ledger
	require.NoError(t, l.Record(RoleContainer, 2))
	require.NoError(t, l.Record(RoleTOC, 12))
	require.False(t, l.Recorded(RoleNewValues))
	require.Error(t, l.Record(RoleTOC, 20))

	l.Set(RoleTOC, Range{Offset: 0x0102, Length: 0x0304})
	l.Set(RoleContainer, Range{Length: 0xaabbccdd})
	require.NoError(t, l.Apply(mem))
	require.Equal(t, []byte{
		0, 0,
		0, 0, 0, 0, 0xaa, 0xbb, 0xcc, 0xdd,
		0, 0,
		0, 0, 0x01, 0x02, 0, 0, 0x03, 0x04,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}, mem.Bytes())

	require.Error(t, l.Apply(mem))
	require.Error(t, l.Record(RoleNewValues, 24))
}

func TestApplyErrors(t *testing.T) {
	var l Ledger
	require.NoError(t, l.Record(RoleTOC, 0))
	require.Error(t, l.Apply(iohandler.NewMem(nil)))

	l = Ledger{}
	require.NoError(t, l.Record(RoleTOC, 0))
	l.Set(RoleTOC, Range{Offset: math.MaxUint32 + 1})
	require.Error(t, l.Apply(iohandler.NewMem(nil)))

	require.Error(t, (&Ledger{}).Record(numRoles, 0))
}

// TestContainerLast fails the final write and checks that every other role
// was already patched.
func TestContainerLast(t *testing.T) {
	mem := iohandler.NewMem(make([]byte, 24))
	var l Ledger
	require.NoError(t, l.Record(RoleContainer, 0))
	require.NoError(t, l.Record(RoleNewValues, 8))
	require.NoError(t, l.Record(RoleTOC, 16))
	for _, r := range []Role{RoleContainer, RoleNewValues, RoleTOC} {
		l.Set(r, Range{Offset: 1, Length: 1})
	}
	h := errorinject.Wrap(mem, errorinject.OnOp(errorinject.OpWrite, 2))
	err := l.Apply(h)
	require.True(t, errors.Is(err, errorinject.ErrInjected))
	require.Contains(t, err.Error(), "container")

	b := mem.Bytes()
	require.Equal(t, make([]byte, 8), b[0:8])
	require.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 1}, b[8:16])
	require.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 1}, b[16:24])
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "toc", RoleTOC.String())
	require.Equal(t, "container", RoleContainer.String())
	require.Equal(t, "role(9)", Role(9).String())
}
