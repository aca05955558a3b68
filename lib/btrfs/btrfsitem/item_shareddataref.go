// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"
)

// key.objectid = laddr of the extent being referenced
// key.offset = laddr of the leaf node with the EXTENT_DATA items that reference it
type SharedDataRef struct { // SHARED_DATA_REF=184
	Count int32 // reference count
}

var sharedDataRefPool = &typedsync.Pool[*SharedDataRef]{New: func() *SharedDataRef { return new(SharedDataRef) }}

func (*SharedDataRef) isItem() {}

func (o *SharedDataRef) Free() {
	*o = SharedDataRef{}
	sharedDataRefPool.Put(o)
}

func (o SharedDataRef) Clone() SharedDataRef { return o }

func (o *SharedDataRef) CloneItem() Item {
	ret, _ := sharedDataRefPool.Get()
	*ret = *o
	return ret
}
