// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"
)

// An InodeRefs item is a set of back-references from an inode to the
// directories that contain it; one InodeRef per name that the inode
// has in directories with that parent inode.
//
// key.objectid = inode number of the file
// key.offset = inode number of the parent directory
type InodeRefs struct { // INODE_REF=12
	Refs []InodeRef
}

type InodeRef struct {
	Index int64  // index of this name within the parent directory
	Name  []byte // name of the file within the parent directory
}

var inodeRefsPool = &typedsync.Pool[*InodeRefs]{New: func() *InodeRefs { return new(InodeRefs) }}

func (*InodeRefs) isItem() {}

func (o *InodeRefs) Free() {
	*o = InodeRefs{}
	inodeRefsPool.Put(o)
}

func (o InodeRefs) Clone() InodeRefs {
	refs := make([]InodeRef, len(o.Refs))
	for i, ref := range o.Refs {
		ref.Name = cloneBytes(ref.Name)
		refs[i] = ref
	}
	o.Refs = refs
	return o
}

func (o *InodeRefs) CloneItem() Item {
	ret, _ := inodeRefsPool.Get()
	*ret = o.Clone()
	return ret
}
