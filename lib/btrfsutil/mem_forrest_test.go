// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/containers"
)

func TestMemForrestTreeWalk(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newFileForrest().TreeOperator()

	var keys []btrfsprim.Key
	fs.TreeWalk(ctx, btrfsprim.FS_TREE_OBJECTID,
		func(err *btrfstree.TreeError) {
			t.Error(err)
		},
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.Path, item btrfstree.Item) {
				keys = append(keys, item.Key)
			},
		})

	require.Len(t, keys, 8)
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, keys[i-1].Compare(keys[i]),
			"items out of key order: %v then %v", keys[i-1], keys[i])
	}
}

func TestMemForrestMissingNode(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	f := newFileForrest()

	_, err := f.AcquireNode(ctx, 0x00dead00, btrfstree.NodeExpectations{})
	assert.ErrorIs(t, err, btrfstree.ErrNoNode)
}

func TestCachingNodeSource(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	src := NewCachingNodeSource(newFileForrest(), 2)

	a, err := src.AcquireNode(ctx, addrFSLeaf, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	b, err := src.AcquireNode(ctx, addrFSLeaf, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	assert.Same(t, a, b)
	src.ReleaseNode(a)
	src.ReleaseNode(b)

	// expectations are still checked on cache hits
	_, err = src.AcquireNode(ctx, addrFSLeaf, btrfstree.NodeExpectations{
		Level: containers.OptionalValue[uint8](3),
	})
	assert.Error(t, err)
}

func TestForrestDumpRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	orig := newFileForrest()

	dump, err := DumpForrest(orig)
	require.NoError(t, err)
	require.Len(t, dump.Nodes, 4)

	restored, err := dump.Forrest()
	require.NoError(t, err)
	assert.Equal(t, orig.NodeAddrs(), restored.NodeAddrs())

	// the restored forrest answers queries just like the original
	roots, err := FindAllRoots(ctx, restored.TreeOperator(), addrData)
	require.NoError(t, err)
	assert.Equal(t, containers.Set[btrfsprim.ObjID]{
		btrfsprim.FS_TREE_OBJECTID: struct{}{},
	}, roots)
}
