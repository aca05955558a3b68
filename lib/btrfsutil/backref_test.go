// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/containers"
)

const (
	testGen      = btrfsprim.Generation(100)
	testNodeSize = uint32(16384)
)

func k(obj btrfsprim.ObjID, typ btrfsprim.ItemType, off uint64) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: obj, ItemType: typ, Offset: off}
}

func item(key btrfsprim.Key, body btrfsitem.Item) btrfstree.Item {
	return btrfstree.Item{Key: key, Body: body}
}

func leaf(owner btrfsprim.ObjID, addr btrfsvol.LogicalAddr, items ...btrfstree.Item) *btrfstree.Node {
	return &btrfstree.Node{
		Head: btrfstree.NodeHeader{
			Addr:       addr,
			Generation: testGen,
			Owner:      owner,
			Level:      0,
		},
		BodyLeaf: items,
	}
}

func rootItem(rootNode btrfsvol.LogicalAddr, level uint8) *btrfsitem.Root {
	return &btrfsitem.Root{
		Generation: testGen,
		RootDirID:  256,
		ByteNr:     rootNode,
		Level:      level,
	}
}

func metadataRec(refs int64, inlineRefs ...btrfsitem.ExtentInlineRef) *btrfsitem.Metadata {
	return &btrfsitem.Metadata{
		Head: btrfsitem.ExtentHeader{
			Refs:       refs,
			Generation: testGen,
			Flags:      btrfsitem.EXTENT_FLAG_TREE_BLOCK,
		},
		Refs: inlineRefs,
	}
}

func dataRec(refs int64, inlineRefs ...btrfsitem.ExtentInlineRef) *btrfsitem.Extent {
	return &btrfsitem.Extent{
		Head: btrfsitem.ExtentHeader{
			Refs:       refs,
			Generation: testGen,
			Flags:      btrfsitem.EXTENT_FLAG_DATA,
		},
		Refs: inlineRefs,
	}
}

func tbRef(root btrfsprim.ObjID) btrfsitem.ExtentInlineRef {
	return btrfsitem.ExtentInlineRef{Type: btrfsitem.TREE_BLOCK_REF_KEY, Offset: uint64(root)}
}

func sharedBlockRef(parent btrfsvol.LogicalAddr) btrfsitem.ExtentInlineRef {
	return btrfsitem.ExtentInlineRef{Type: btrfsitem.SHARED_BLOCK_REF_KEY, Offset: uint64(parent)}
}

func sharedDataRef(parent btrfsvol.LogicalAddr, count int32) btrfsitem.ExtentInlineRef {
	return btrfsitem.ExtentInlineRef{
		Type:   btrfsitem.SHARED_DATA_REF_KEY,
		Offset: uint64(parent),
		Body:   &btrfsitem.SharedDataRef{Count: count},
	}
}

func dataRef(root, inode btrfsprim.ObjID, offset int64, count int32) btrfsitem.ExtentInlineRef {
	return btrfsitem.ExtentInlineRef{
		Type: btrfsitem.EXTENT_DATA_REF_KEY,
		Body: &btrfsitem.ExtentDataRef{Root: root, ObjectID: inode, Offset: offset, Count: count},
	}
}

func inodeRefs(name string) *btrfsitem.InodeRefs {
	return &btrfsitem.InodeRefs{Refs: []btrfsitem.InodeRef{{Name: []byte(name)}}}
}

func testSuperblock(rootTree btrfsvol.LogicalAddr) btrfstree.Superblock {
	return btrfstree.Superblock{
		Generation:    testGen,
		RootTree:      rootTree,
		NodeSize:      testNodeSize,
		RootLevel:     0,
		IncompatFlags: btrfstree.FeatureIncompatSkinnyMetadata | btrfstree.FeatureIncompatExtendedIRef,
	}
}

// A subvolume with one file (inode 257, hard-linked as "a/b" and
// "c/d/e") whose data lives in one 8KiB extent; the subvolume tree is
// two levels tall so that root attribution has to climb through an
// interior node.
const (
	addrRootLeaf = btrfsvol.LogicalAddr(0x0010_0000)
	addrExtLeaf  = btrfsvol.LogicalAddr(0x0010_4000)
	addrFSNode   = btrfsvol.LogicalAddr(0x0010_8000)
	addrFSLeaf   = btrfsvol.LogicalAddr(0x0010_c000)
	addrData     = btrfsvol.LogicalAddr(0x0050_0000)
)

func newFileForrest() *MemForrest {
	f := NewMemForrest(testSuperblock(addrRootLeaf))
	f.AddNode(leaf(btrfsprim.ROOT_TREE_OBJECTID, addrRootLeaf,
		item(k(btrfsprim.EXTENT_TREE_OBJECTID, btrfsitem.ROOT_ITEM_KEY, 0), rootItem(addrExtLeaf, 0)),
		item(k(btrfsprim.FS_TREE_OBJECTID, btrfsitem.ROOT_ITEM_KEY, 0), rootItem(addrFSNode, 1)),
	))
	f.AddNode(&btrfstree.Node{
		Head: btrfstree.NodeHeader{
			Addr:       addrFSNode,
			Generation: testGen,
			Owner:      btrfsprim.FS_TREE_OBJECTID,
			Level:      1,
		},
		BodyInterior: []btrfstree.KeyPointer{
			{Key: k(256, btrfsitem.INODE_REF_KEY, 256), BlockPtr: addrFSLeaf, Generation: testGen},
		},
	})
	f.AddNode(leaf(btrfsprim.FS_TREE_OBJECTID, addrFSLeaf,
		item(k(256, btrfsitem.INODE_REF_KEY, 256), inodeRefs("..")),
		item(k(257, btrfsitem.INODE_REF_KEY, 258), inodeRefs("b")),
		item(k(257, btrfsitem.INODE_REF_KEY, 260), inodeRefs("e")),
		item(k(257, btrfsitem.EXTENT_DATA_KEY, 0), &btrfsitem.FileExtent{
			Generation: testGen,
			Type:       btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr:   addrData,
				DiskNumBytes: 8192,
				Offset:       0,
				NumBytes:     8192,
			},
		}),
		item(k(258, btrfsitem.INODE_REF_KEY, 256), inodeRefs("a")),
		item(k(259, btrfsitem.INODE_REF_KEY, 256), inodeRefs("c")),
		item(k(260, btrfsitem.INODE_REF_KEY, 259), inodeRefs("d")),
		item(k(261, btrfsitem.INODE_EXTREF_KEY, 0x9d26), &btrfsitem.InodeExtrefs{
			Refs: []btrfsitem.InodeExtref{{ParentObjectID: 256, Index: 7, Name: []byte("x")}},
		}),
	))
	f.AddNode(leaf(btrfsprim.EXTENT_TREE_OBJECTID, addrExtLeaf,
		item(k(btrfsprim.ObjID(addrFSNode), btrfsitem.METADATA_ITEM_KEY, 1), metadataRec(2, tbRef(btrfsprim.FS_TREE_OBJECTID))),
		item(k(btrfsprim.ObjID(addrFSNode), btrfsitem.TREE_BLOCK_REF_KEY, uint64(btrfsprim.FS_TREE_OBJECTID)), new(btrfsitem.Empty)),
		item(k(btrfsprim.ObjID(addrFSLeaf), btrfsitem.METADATA_ITEM_KEY, 0), metadataRec(1, tbRef(btrfsprim.FS_TREE_OBJECTID))),
		item(k(btrfsprim.ObjID(addrData), btrfsitem.EXTENT_ITEM_KEY, 8192), dataRec(1,
			dataRef(btrfsprim.FS_TREE_OBJECTID, 257, 0, 1))),
	))
	return f
}

// Extents with direct (shared) refs and with refs that no longer
// resolve; only the extent tree is populated.
const (
	addrRootLeaf2 = btrfsvol.LogicalAddr(0x0020_0000)
	addrExtLeaf2  = btrfsvol.LogicalAddr(0x0020_4000)
	addrSharedE   = btrfsvol.LogicalAddr(0x0030_0000) // two shared-data refs
	addrSharedF   = btrfsvol.LogicalAddr(0x0031_0000) // shared-block ref to a gone parent
	addrSharedG   = btrfsvol.LogicalAddr(0x0032_0000) // data ref to a gone root
	addrSharedH   = btrfsvol.LogicalAddr(0x0033_0000) // data ref owned by the reloc tree
	addrSharedI   = btrfsvol.LogicalAddr(0x0034_0000) // ref with a bogus type
	addrParent1   = btrfsvol.LogicalAddr(0x0040_0000)
	addrParent2   = btrfsvol.LogicalAddr(0x0040_4000)
	addrParent3   = btrfsvol.LogicalAddr(0x0040_8000)
)

func newSharedForrest() *MemForrest {
	f := NewMemForrest(testSuperblock(addrRootLeaf2))
	f.AddNode(leaf(btrfsprim.ROOT_TREE_OBJECTID, addrRootLeaf2,
		item(k(btrfsprim.EXTENT_TREE_OBJECTID, btrfsitem.ROOT_ITEM_KEY, 0), rootItem(addrExtLeaf2, 0)),
	))
	f.AddNode(leaf(btrfsprim.EXTENT_TREE_OBJECTID, addrExtLeaf2,
		item(k(btrfsprim.ObjID(addrSharedE), btrfsitem.EXTENT_ITEM_KEY, 8192), dataRec(5,
			sharedDataRef(addrParent1, 3),
			sharedDataRef(addrParent2, 2))),
		item(k(btrfsprim.ObjID(addrSharedF), btrfsitem.METADATA_ITEM_KEY, 0), metadataRec(1,
			sharedBlockRef(addrParent3))),
		item(k(btrfsprim.ObjID(addrSharedG), btrfsitem.EXTENT_ITEM_KEY, 4096), dataRec(1,
			dataRef(999, 257, 0, 1))),
		item(k(btrfsprim.ObjID(addrSharedH), btrfsitem.EXTENT_ITEM_KEY, 4096), dataRec(1,
			dataRef(btrfsprim.DATA_RELOC_TREE_OBJECTID, 257, 0, 1))),
		item(k(btrfsprim.ObjID(addrSharedI), btrfsitem.EXTENT_ITEM_KEY, 4096), dataRec(1,
			btrfsitem.ExtentInlineRef{Type: btrfsprim.ItemType(0x42), Offset: 1})),
	))
	return f
}

// A subvolume whose first tree item is already the wanted file
// extent, at a file offset above the one the backref recorded.
const (
	addrRootLeaf3 = btrfsvol.LogicalAddr(0x0070_0000)
	addrExtLeaf3  = btrfsvol.LogicalAddr(0x0070_4000)
	addrFrontLeaf = btrfsvol.LogicalAddr(0x0070_8000)
	addrFrontData = btrfsvol.LogicalAddr(0x0080_0000)
)

func newFrontForrest() *MemForrest {
	f := NewMemForrest(testSuperblock(addrRootLeaf3))
	f.AddNode(leaf(btrfsprim.ROOT_TREE_OBJECTID, addrRootLeaf3,
		item(k(btrfsprim.EXTENT_TREE_OBJECTID, btrfsitem.ROOT_ITEM_KEY, 0), rootItem(addrExtLeaf3, 0)),
		item(k(btrfsprim.FS_TREE_OBJECTID, btrfsitem.ROOT_ITEM_KEY, 0), rootItem(addrFrontLeaf, 0)),
	))
	f.AddNode(leaf(btrfsprim.FS_TREE_OBJECTID, addrFrontLeaf,
		item(k(257, btrfsitem.EXTENT_DATA_KEY, 4096), &btrfsitem.FileExtent{
			Generation: testGen,
			Type:       btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr:   addrFrontData,
				DiskNumBytes: 8192,
				Offset:       0,
				NumBytes:     8192,
			},
		}),
	))
	f.AddNode(leaf(btrfsprim.EXTENT_TREE_OBJECTID, addrExtLeaf3,
		item(k(btrfsprim.ObjID(addrFrontLeaf), btrfsitem.METADATA_ITEM_KEY, 0), metadataRec(1,
			tbRef(btrfsprim.FS_TREE_OBJECTID))),
		item(k(btrfsprim.ObjID(addrFrontData), btrfsitem.EXTENT_ITEM_KEY, 8192), dataRec(1,
			dataRef(btrfsprim.FS_TREE_OBJECTID, 257, 0, 1))),
	))
	return f
}

func TestFindAllLeafs(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newFileForrest().TreeOperator()

	leafs, err := FindAllLeafs(ctx, fs, addrData)
	require.NoError(t, err)
	assert.Equal(t, containers.Set[btrfsvol.LogicalAddr]{
		addrFSLeaf: struct{}{},
	}, leafs)
}

func TestFindAllRoots(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newFileForrest().TreeOperator()

	// The data extent attributes through the leaf and the interior
	// node up to the subvolume root.
	roots, err := FindAllRoots(ctx, fs, addrData)
	require.NoError(t, err)
	assert.Equal(t, containers.Set[btrfsprim.ObjID]{
		btrfsprim.FS_TREE_OBJECTID: struct{}{},
	}, roots)

	// Resolving twice gives the same answer.
	again, err := FindAllRoots(ctx, fs, addrData)
	require.NoError(t, err)
	assert.Equal(t, roots, again)
}

func TestFindAllRootsTolerance(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newSharedForrest().TreeOperator()

	// The parent block's extent item is already gone; the walk
	// swallows that rather than failing.
	roots, err := FindAllRoots(ctx, fs, addrSharedF)
	require.NoError(t, err)
	assert.Len(t, roots, 0)

	// The owning root is gone; the ref is dropped.
	leafs, err := FindAllLeafs(ctx, fs, addrSharedG)
	require.NoError(t, err)
	assert.Len(t, leafs, 0)

	// Relocation-tree ownership never counts as a root.
	roots, err = FindAllRoots(ctx, fs, addrSharedH)
	require.NoError(t, err)
	assert.Len(t, roots, 0)

	// An extent with no record at all is ErrNoItem for a direct
	// query, though.
	_, err = FindAllLeafs(ctx, fs, 0x00dead00)
	assert.ErrorIs(t, err, btrfstree.ErrNoItem)
}

func TestUnknownRefType(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newSharedForrest().TreeOperator()

	// an unrecognized ref type means the extent item cannot be
	// trusted at all; the scan aborts rather than dropping the ref
	_, err := FindAllLeafs(ctx, fs, addrSharedI)
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = FindAllRoots(ctx, fs, addrSharedI)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDataRefBeforeFirstItem(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newFrontForrest().TreeOperator()

	// The backref's recorded offset sorts below every key in the
	// subvolume tree, but the wanted file extent is the tree's
	// first item; resolution starts the scan from the tree front.
	leafs, err := FindAllLeafs(ctx, fs, addrFrontData)
	require.NoError(t, err)
	assert.Equal(t, containers.Set[btrfsvol.LogicalAddr]{
		addrFrontLeaf: struct{}{},
	}, leafs)

	roots, err := FindAllRoots(ctx, fs, addrFrontData)
	require.NoError(t, err)
	assert.Equal(t, containers.Set[btrfsprim.ObjID]{
		btrfsprim.FS_TREE_OBJECTID: struct{}{},
	}, roots)
}

func TestSharedDataRefs(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newSharedForrest().TreeOperator()

	leafs, err := FindAllLeafs(ctx, fs, addrSharedE)
	require.NoError(t, err)
	assert.Equal(t, containers.Set[btrfsvol.LogicalAddr]{
		addrParent1: struct{}{},
		addrParent2: struct{}{},
	}, leafs)

	// Both refs carry explicit parents, so the scan alone fully
	// resolves them; their counts must add up to the item
	// header's refcount.
	state := new(prelimState)
	rec, err := state.scanExtentRefs(ctx, fs, addrSharedE, false)
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.refs)
	assert.Len(t, state.pending, 2)
	assert.Len(t, state.missingKeys, 0)
	assert.Len(t, state.indirect, 0)
	total := 0
	for _, ref := range state.pending {
		assert.NotZero(t, ref.parent)
		total += ref.count
	}
	assert.EqualValues(t, rec.refs, total)
}

func TestMergeRefs(t *testing.T) {
	t.Parallel()

	refs := []*prelimRef{
		{level: 1, rootID: 5, parent: 0x1000, count: 1},
		{level: 1, rootID: 5, parent: 0x1000, count: 2},
		{level: 0, rootID: 7, parent: 0x2000, count: 1,
			inodePositions: []InodePosition{{Inode: 257, Offset: 0}}},
		{level: 0, rootID: 8, parent: 0x2000, count: 1,
			inodePositions: []InodePosition{{Inode: 258, Offset: 4096}}},
	}

	refs = mergeRefs(refs, mergeSameBlock)
	require.Len(t, refs, 3)
	assert.Equal(t, 3, refs[0].count)

	// merging an already-merged set is a no-op
	again := mergeRefs(append([]*prelimRef(nil), refs...), mergeSameBlock)
	require.Len(t, again, 3)
	assert.Equal(t, 3, again[0].count)

	// mode 2 consolidates refs that landed on the same parent
	refs = mergeRefs(refs, mergeSameParent)
	require.Len(t, refs, 2)
	assert.Equal(t, 2, refs[1].count)
	assert.Equal(t, []InodePosition{
		{Inode: 257, Offset: 0},
		{Inode: 258, Offset: 4096},
	}, refs[1].inodePositions)
}

func TestIterateExtentInodes(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newFileForrest().TreeOperator()

	type triple struct {
		Inode  btrfsprim.INum
		Offset int64
		Root   btrfsprim.ObjID
	}
	var got []triple
	err := IterateExtentInodes(ctx, fs, addrData, 4096,
		func(inode btrfsprim.INum, offset int64, root btrfsprim.ObjID) error {
			got = append(got, triple{inode, offset, root})
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []triple{
		{Inode: 257, Offset: 4096, Root: btrfsprim.FS_TREE_OBJECTID},
	}, got)

	// early stop propagates the callback's error
	sentinel := assert.AnError
	err = IterateExtentInodes(ctx, fs, addrData, 0,
		func(btrfsprim.INum, int64, btrfsprim.ObjID) error {
			return sentinel
		})
	assert.ErrorIs(t, err, sentinel)
}

func TestExtentFromLogical(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	fs := newFileForrest().TreeOperator()

	// an address in the middle of the data extent
	item, err := ExtentFromLogical(ctx, fs, addrData+4096)
	require.NoError(t, err)
	assert.Equal(t, btrfsprim.ObjID(addrData), item.Key.ObjectID)
	assert.Equal(t, btrfsprim.EXTENT_ITEM_KEY, item.Key.ItemType)
	item.Body.Free()

	// an address in the middle of a tree block; METADATA_ITEM
	// size comes from the superblock's node size
	item, err = ExtentFromLogical(ctx, fs, addrFSLeaf+btrfsvol.LogicalAddr(testNodeSize)-1)
	require.NoError(t, err)
	assert.Equal(t, btrfsprim.ObjID(addrFSLeaf), item.Key.ObjectID)
	assert.Equal(t, btrfsprim.METADATA_ITEM_KEY, item.Key.ItemType)
	item.Body.Free()

	// an address in a gap between extents
	_, err = ExtentFromLogical(ctx, fs, addrData+8192)
	assert.ErrorIs(t, err, btrfstree.ErrNoItem)
}
