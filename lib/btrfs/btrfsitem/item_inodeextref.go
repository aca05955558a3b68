// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
)

// An InodeExtrefs item holds the back-references that overflowed out
// of an InodeRefs item; unlike an InodeRefs, each ref names its own
// parent directory.
//
// key.objectid = inode number of the file
// key.offset = crc64(parent inode number, name)
type InodeExtrefs struct { // INODE_EXTREF=13
	Refs []InodeExtref
}

type InodeExtref struct {
	ParentObjectID btrfsprim.ObjID // inode number of the parent directory
	Index          int64           // index of this name within the parent directory
	Name           []byte          // name of the file within the parent directory
}

var inodeExtrefsPool = &typedsync.Pool[*InodeExtrefs]{New: func() *InodeExtrefs { return new(InodeExtrefs) }}

func (*InodeExtrefs) isItem() {}

func (o *InodeExtrefs) Free() {
	*o = InodeExtrefs{}
	inodeExtrefsPool.Put(o)
}

func (o InodeExtrefs) Clone() InodeExtrefs {
	refs := make([]InodeExtref, len(o.Refs))
	for i, ref := range o.Refs {
		ref.Name = cloneBytes(ref.Name)
		refs[i] = ref
	}
	o.Refs = refs
	return o
}

func (o *InodeExtrefs) CloneItem() Item {
	ret, _ := inodeExtrefsPool.Get()
	*ret = o.Clone()
	return ret
}
