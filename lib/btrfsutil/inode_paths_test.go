// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
)

func fsTree(t *testing.T) *btrfstree.RawTree {
	t.Helper()
	ctx := dlog.NewTestContext(t, true)
	tree, err := newFileForrest().TreeOperator().RawTree(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	return tree
}

func TestPathsFromInode(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	tree := fsTree(t)

	// inode 257 is hard-linked twice, in different directories
	ret, err := PathsFromInode(ctx, tree, 257, 4096)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b", "c/d/e"}, ret.Paths)
	assert.Equal(t, 2, ret.ElemCnt)
	assert.Equal(t, 0, ret.ElemMissed)
	assert.Equal(t, 4096-(len("a/b")+1)-(len("c/d/e")+1), ret.BytesLeft)
	assert.Equal(t, 0, ret.BytesMissing)
}

func TestPathsFromInodeExtref(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	tree := fsTree(t)

	// inode 261 has only an INODE_EXTREF link
	ret, err := PathsFromInode(ctx, tree, 261, 4096)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ret.Paths)
}

func TestPathsFromInodeBudget(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	tree := fsTree(t)

	// "a/b" (3+1 bytes) fits in 5; "c/d/e" (5+1 bytes) does not
	// fit in the 1 byte left over
	ret, err := PathsFromInode(ctx, tree, 257, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b"}, ret.Paths)
	assert.Equal(t, 1, ret.ElemCnt)
	assert.Equal(t, 1, ret.ElemMissed)
	assert.Equal(t, 0, ret.BytesLeft)
	assert.Equal(t, 5, ret.BytesMissing)

	// with no budget at all, both paths are missed in full
	ret, err = PathsFromInode(ctx, tree, 257, 0)
	require.NoError(t, err)
	assert.Empty(t, ret.Paths)
	assert.Equal(t, 0, ret.ElemCnt)
	assert.Equal(t, 2, ret.ElemMissed)
	assert.Equal(t, 0, ret.BytesLeft)
	assert.Equal(t, 10, ret.BytesMissing)
}

// A subvolume whose queried inode's INODE_REF items are the very
// first items of the tree, plus one inode whose link name is longer
// than a name is allowed to be.
const (
	addrRootLeaf4 = btrfsvol.LogicalAddr(0x0060_0000)
	addrLinkLeaf  = btrfsvol.LogicalAddr(0x0060_4000)
)

func newLinkForrest() *MemForrest {
	f := NewMemForrest(testSuperblock(addrRootLeaf4))
	f.AddNode(leaf(btrfsprim.ROOT_TREE_OBJECTID, addrRootLeaf4,
		item(k(btrfsprim.FS_TREE_OBJECTID, btrfsitem.ROOT_ITEM_KEY, 0), rootItem(addrLinkLeaf, 0)),
	))
	f.AddNode(leaf(btrfsprim.FS_TREE_OBJECTID, addrLinkLeaf,
		item(k(100, btrfsitem.INODE_REF_KEY, 256), inodeRefs("a")),
		item(k(100, btrfsitem.INODE_REF_KEY, 258), inodeRefs("b")),
		item(k(256, btrfsitem.INODE_REF_KEY, 256), inodeRefs("..")),
		item(k(258, btrfsitem.INODE_REF_KEY, 256), inodeRefs("dir")),
		item(k(300, btrfsitem.INODE_REF_KEY, 256), inodeRefs(strings.Repeat("n", btrfsitem.MaxNameLen+1))),
	))
	return f
}

func TestPathsFromInodeAtTreeStart(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	tree, err := newLinkForrest().TreeOperator().RawTree(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)

	// inode 100's links open the tree; both of them must still be
	// found, not just the last one
	ret, err := PathsFromInode(ctx, tree, 100, 4096)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "dir/b"}, ret.Paths)
}

func TestPathsFromInodeNameTooLong(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	tree, err := newLinkForrest().TreeOperator().RawTree(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)

	_, err = PathsFromInode(ctx, tree, 300, 4096)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPathsFromInodeMissing(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	tree := fsTree(t)

	_, err := PathsFromInode(ctx, tree, 999, 4096)
	assert.ErrorIs(t, err, btrfstree.ErrNoItem)
}
