// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"

	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
)

// key.objectid = inode
// key.offset = offset within file
type FileExtent struct { // EXTENT_DATA=108
	Generation btrfsprim.Generation // transaction ID that created this extent
	RAMBytes   int64                // upper bound of what compressed data will decompress to

	// 32 bits describing the data encoding
	Compression   CompressionType
	Encryption    uint8
	OtherEncoding uint16 // reserved for later use

	Type FileExtentType // inline data or real extent

	// only one of these, depending on .Type
	BodyInline []byte           // .Type == FILE_EXTENT_INLINE
	BodyExtent FileExtentExtent // .Type == FILE_EXTENT_REG or FILE_EXTENT_PREALLOC
}

type FileExtentExtent struct {
	// Position and size of extent within the logical address space
	DiskByteNr   btrfsvol.LogicalAddr
	DiskNumBytes btrfsvol.AddrDelta

	// Position of data within the extent
	Offset btrfsvol.AddrDelta

	// Decompressed/unencrypted size
	NumBytes int64
}

var fileExtentPool = &typedsync.Pool[*FileExtent]{New: func() *FileExtent { return new(FileExtent) }}

func (*FileExtent) isItem() {}

func (o *FileExtent) Free() {
	*o = FileExtent{}
	fileExtentPool.Put(o)
}

func (o FileExtent) Clone() FileExtent {
	o.BodyInline = cloneBytes(o.BodyInline)
	return o
}

func (o *FileExtent) CloneItem() Item {
	ret, _ := fileExtentPool.Get()
	*ret = o.Clone()
	return ret
}

type FileExtentType uint8

const (
	FILE_EXTENT_INLINE FileExtentType = iota
	FILE_EXTENT_REG
	FILE_EXTENT_PREALLOC
)

var fileExtentTypeNames = []string{
	"inline",
	"regular",
	"prealloc",
}

func (o FileExtent) Size() (int64, error) {
	switch o.Type {
	case FILE_EXTENT_INLINE:
		return int64(len(o.BodyInline)), nil
	case FILE_EXTENT_REG, FILE_EXTENT_PREALLOC:
		return o.BodyExtent.NumBytes, nil
	default:
		return 0, fmt.Errorf("unknown file extent type %v", o.Type)
	}
}

// IsPlain reports whether the extent's data is stored raw, with no
// compression, encryption, or other encoding; only then does a byte
// position within the extent map 1:1 to a byte position within the
// file.
func (o FileExtent) IsPlain() bool {
	return o.Compression == COMPRESS_NONE && o.Encryption == 0 && o.OtherEncoding == 0
}

func (fet FileExtentType) String() string {
	name := "unknown"
	if int(fet) < len(fileExtentTypeNames) {
		name = fileExtentTypeNames[fet]
	}
	return fmt.Sprintf("%d (%s)", fet, name)
}

type CompressionType uint8

const (
	COMPRESS_NONE CompressionType = iota
	COMPRESS_ZLIB
	COMPRESS_LZO
	COMPRESS_ZSTD
)

var compressionTypeNames = []string{
	"none",
	"zlib",
	"lzo",
	"zstd",
}

func (ct CompressionType) String() string {
	name := "unknown"
	if int(ct) < len(compressionTypeNames) {
		name = compressionTypeNames[ct]
	}
	return fmt.Sprintf("%d (%s)", ct, name)
}
