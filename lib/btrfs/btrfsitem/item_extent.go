// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/fmtutil"
)

// Extent items track the reference counts of data and metadata
// extents.
//
// key.objectid = laddr of the extent
// key.offset = length of the extent
type Extent struct { // EXTENT_ITEM=168
	Head ExtentHeader
	Info TreeBlockInfo // only if .Head.Flags.Has(EXTENT_FLAG_TREE_BLOCK)
	Refs []ExtentInlineRef
}

var extentPool = &typedsync.Pool[*Extent]{New: func() *Extent { return new(Extent) }}

func (*Extent) isItem() {}

func (o *Extent) Free() {
	for i := range o.Refs {
		if o.Refs[i].Body != nil {
			o.Refs[i].Body.Free()
		}
	}
	*o = Extent{}
	extentPool.Put(o)
}

func (o Extent) Clone() Extent {
	refs := make([]ExtentInlineRef, len(o.Refs))
	for i, ref := range o.Refs {
		refs[i] = ref.Clone()
	}
	o.Refs = refs
	return o
}

func (o *Extent) CloneItem() Item {
	ret, _ := extentPool.Get()
	*ret = o.Clone()
	return ret
}

type ExtentHeader struct {
	Refs       int64
	Generation btrfsprim.Generation
	Flags      ExtentFlags
}

type TreeBlockInfo struct {
	Key   btrfsprim.Key
	Level uint8
}

type ExtentFlags uint64

const (
	EXTENT_FLAG_DATA = ExtentFlags(1 << iota)
	EXTENT_FLAG_TREE_BLOCK
)

var extentFlagNames = []string{
	"DATA",
	"TREE_BLOCK",
}

func (f ExtentFlags) Has(req ExtentFlags) bool { return f&req == req }
func (f ExtentFlags) String() string {
	return fmtutil.BitfieldString(f, extentFlagNames, fmtutil.HexNone)
}

// An ExtentInlineRef is one of the back-references stored inline in
// an Extent or Metadata item.
type ExtentInlineRef struct {
	Type   Type   // only 4 valid values: {TREE,SHARED}_BLOCK_REF_KEY, {EXTENT,SHARED}_DATA_REF_KEY
	Offset uint64 // only when Type != EXTENT_DATA_REF_KEY
	Body   Item   // only when Type == *_DATA_REF_KEY
}

func (o ExtentInlineRef) Clone() ExtentInlineRef {
	if o.Body != nil {
		o.Body = o.Body.CloneItem()
	}
	return o
}
