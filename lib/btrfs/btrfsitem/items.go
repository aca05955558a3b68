// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsitem contains the definitions of the "items" that may
// be stored in a btrfs tree.
package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
)

type Type = btrfsprim.ItemType

const (
	INODE_ITEM_KEY       = btrfsprim.INODE_ITEM_KEY
	INODE_REF_KEY        = btrfsprim.INODE_REF_KEY
	INODE_EXTREF_KEY     = btrfsprim.INODE_EXTREF_KEY
	EXTENT_DATA_KEY      = btrfsprim.EXTENT_DATA_KEY
	ROOT_ITEM_KEY        = btrfsprim.ROOT_ITEM_KEY
	EXTENT_ITEM_KEY      = btrfsprim.EXTENT_ITEM_KEY
	METADATA_ITEM_KEY    = btrfsprim.METADATA_ITEM_KEY
	TREE_BLOCK_REF_KEY   = btrfsprim.TREE_BLOCK_REF_KEY
	EXTENT_DATA_REF_KEY  = btrfsprim.EXTENT_DATA_REF_KEY
	SHARED_BLOCK_REF_KEY = btrfsprim.SHARED_BLOCK_REF_KEY
	SHARED_DATA_REF_KEY  = btrfsprim.SHARED_DATA_REF_KEY
)

const MaxNameLen = 255

type Item interface {
	isItem()
	Free()
	CloneItem() Item
}

// NewItem returns a zeroed Item of the Go type corresponding to the
// given key type, or false if the key type is not one that this
// package has a type for.
func NewItem(typ Type) (Item, bool) {
	mk, ok := keytype2new[typ]
	if !ok {
		return nil, false
	}
	return mk(), true
}

var keytype2new = map[Type]func() Item{
	INODE_REF_KEY:    func() Item { ret, _ := inodeRefsPool.Get(); return ret },
	INODE_EXTREF_KEY: func() Item { ret, _ := inodeExtrefsPool.Get(); return ret },
	EXTENT_DATA_KEY:  func() Item { ret, _ := fileExtentPool.Get(); return ret },
	ROOT_ITEM_KEY:    func() Item { ret, _ := rootPool.Get(); return ret },
	EXTENT_ITEM_KEY:  func() Item { ret, _ := extentPool.Get(); return ret },
	METADATA_ITEM_KEY: func() Item {
		ret, _ := metadataPool.Get()
		return ret
	},
	EXTENT_DATA_REF_KEY:  func() Item { ret, _ := extentDataRefPool.Get(); return ret },
	SHARED_DATA_REF_KEY:  func() Item { ret, _ := sharedDataRefPool.Get(); return ret },
	TREE_BLOCK_REF_KEY:   func() Item { ret, _ := emptyPool.Get(); return ret },
	SHARED_BLOCK_REF_KEY: func() Item { ret, _ := emptyPool.Get(); return ret },
}

// An Error item takes the place of an item that could not be decoded.
type Error struct {
	Dat []byte
	Err error
}

var errorPool = &typedsync.Pool[*Error]{New: func() *Error { return new(Error) }}

func (*Error) isItem() {}

func (o *Error) Free() {
	*o = Error{}
	errorPool.Put(o)
}

func (o Error) Clone() Error { return o }

func (o *Error) CloneItem() Item {
	ret, _ := errorPool.Get()
	*ret = *o
	return ret
}

// An Empty item is an item with a zero-length body; TREE_BLOCK_REF
// and SHARED_BLOCK_REF items are all-key, no-body.
type Empty struct{}

var emptyPool = &typedsync.Pool[*Empty]{New: func() *Empty { return new(Empty) }}

func (*Empty) isItem() {}

func (o *Empty) Free() {
	*o = Empty{}
	emptyPool.Put(o)
}

func (o Empty) Clone() Empty { return o }

func (o *Empty) CloneItem() Item {
	ret, _ := emptyPool.Get()
	*ret = *o
	return ret
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
