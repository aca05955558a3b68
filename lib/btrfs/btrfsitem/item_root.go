// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/fmtutil"
)

// A Root goes in the ROOT_TREE and defines one of the other trees in
// the filesystem.  All trees have a Root item describing them, except
// for the ROOT_TREE, CHUNK_TREE, TREE_LOG, and BLOCK_GROUP_TREE,
// which are defined directly in the superblock.
//
// Key:
//
//	key.objectid = tree ID
//	key.offset   = one of:
//	   - 0 if objectid is one of the BTRFS_*_TREE_OBJECTID defines or a non-snapshot volume; or
//	   - transaction_id of when this snapshot was created
type Root struct { // ROOT_ITEM=132
	Generation   btrfsprim.Generation
	RootDirID    btrfsprim.ObjID      // inode number of the root inode
	ByteNr       btrfsvol.LogicalAddr // root node
	ByteLimit    int64                // always 0 (unused)
	BytesUsed    int64
	LastSnapshot int64
	Flags        RootFlags
	Refs         int32
	DropProgress btrfsprim.Key
	DropLevel    uint8
	Level        uint8
}

var rootPool = &typedsync.Pool[*Root]{New: func() *Root { return new(Root) }}

func (*Root) isItem() {}

func (o *Root) Free() {
	*o = Root{}
	rootPool.Put(o)
}

func (o Root) Clone() Root { return o }

func (o *Root) CloneItem() Item {
	ret, _ := rootPool.Get()
	*ret = *o
	return ret
}

type RootFlags uint64

const (
	ROOT_SUBVOL_RDONLY RootFlags = 1 << iota
)

var rootFlagNames = []string{
	"SUBVOL_RDONLY",
}

func (f RootFlags) Has(req RootFlags) bool { return f&req == req }
func (f RootFlags) String() string         { return fmtutil.BitfieldString(f, rootFlagNames, fmtutil.HexLower) }
