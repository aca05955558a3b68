// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"
)

// Metadata is like Extent, but doesn't have .Info; the tree level is
// stored in the key's offset instead (the SKINNY_METADATA incompat
// feature).
//
// key.objectid = laddr of the tree node
// key.offset = level of the tree node
type Metadata struct { // METADATA_ITEM=169
	Head ExtentHeader
	Refs []ExtentInlineRef
}

var metadataPool = &typedsync.Pool[*Metadata]{New: func() *Metadata { return new(Metadata) }}

func (*Metadata) isItem() {}

func (o *Metadata) Free() {
	for i := range o.Refs {
		if o.Refs[i].Body != nil {
			o.Refs[i].Body.Free()
		}
	}
	*o = Metadata{}
	metadataPool.Put(o)
}

func (o Metadata) Clone() Metadata {
	refs := make([]ExtentInlineRef, len(o.Refs))
	for i, ref := range o.Refs {
		refs[i] = ref.Clone()
	}
	o.Refs = refs
	return o
}

func (o *Metadata) CloneItem() Item {
	ret, _ := metadataPool.Get()
	*ret = o.Clone()
	return ret
}
