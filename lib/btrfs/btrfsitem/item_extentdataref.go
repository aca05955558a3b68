// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
)

// key.objectid = laddr of the extent being referenced
// key.offset = crc32c([root,objectid,offset])
type ExtentDataRef struct { // EXTENT_DATA_REF=178
	Root     btrfsprim.ObjID // subvolume tree ID that references this extent
	ObjectID btrfsprim.ObjID // inode number that references this extent within the .Root subvolume
	Offset   int64           // byte offset for the extent within the file
	Count    int32           // reference count
}

var extentDataRefPool = &typedsync.Pool[*ExtentDataRef]{New: func() *ExtentDataRef { return new(ExtentDataRef) }}

func (*ExtentDataRef) isItem() {}

func (o *ExtentDataRef) Free() {
	*o = ExtentDataRef{}
	extentDataRefPool.Put(o)
}

func (o ExtentDataRef) Clone() ExtentDataRef { return o }

func (o *ExtentDataRef) CloneItem() Item {
	ret, _ := extentDataRefPool.Get()
	*ret = *o
	return ret
}
