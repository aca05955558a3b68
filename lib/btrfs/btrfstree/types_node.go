// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/fmtutil"
)

type NodeFlags uint64

const (
	NodeWritten = NodeFlags(1 << iota)
	NodeReloc
)

var nodeFlagNames = []string{
	"WRITTEN",
	"RELOC",
}

func (f NodeFlags) Has(req NodeFlags) bool { return f&req == req }
func (f NodeFlags) String() string         { return fmtutil.BitfieldString(f, nodeFlagNames, fmtutil.HexLower) }

// Node: main //////////////////////////////////////////////////////////////////////////////////////

type Node struct {
	// Some context from the parent filesystem
	Size uint32 // superblock.NodeSize

	// The node's header (always present)
	Head NodeHeader

	// The node's body (which one of these is present depends on
	// the node's type, as specified in the header)
	BodyInterior []KeyPointer // for interior nodes
	BodyLeaf     []Item       // for leaf nodes
}

type NodeHeader struct {
	Addr       btrfsvol.LogicalAddr // Logical address of this node
	Flags      NodeFlags
	Generation btrfsprim.Generation
	Owner      btrfsprim.ObjID // The ID of the tree that contains this node
	NumItems   uint32
	Level      uint8 // 0 for leaf nodes, >=1 for interior nodes
}

func (node Node) MinItem() (btrfsprim.Key, bool) {
	if node.Head.Level > 0 {
		if len(node.BodyInterior) == 0 {
			return btrfsprim.Key{}, false
		}
		return node.BodyInterior[0].Key, true
	}
	if len(node.BodyLeaf) == 0 {
		return btrfsprim.Key{}, false
	}
	return node.BodyLeaf[0].Key, true
}

func (node Node) MaxItem() (btrfsprim.Key, bool) {
	if node.Head.Level > 0 {
		if len(node.BodyInterior) == 0 {
			return btrfsprim.Key{}, false
		}
		return node.BodyInterior[len(node.BodyInterior)-1].Key, true
	}
	if len(node.BodyLeaf) == 0 {
		return btrfsprim.Key{}, false
	}
	return node.BodyLeaf[len(node.BodyLeaf)-1].Key, true
}

// Node: "interior" ////////////////////////////////////////////////////////////////////////////////

type KeyPointer struct {
	Key        btrfsprim.Key
	BlockPtr   btrfsvol.LogicalAddr
	Generation btrfsprim.Generation
}

// Node: "leaf" ////////////////////////////////////////////////////////////////////////////////////

type Item struct {
	Key      btrfsprim.Key
	BodySize uint32
	Body     btrfsitem.Item
}
