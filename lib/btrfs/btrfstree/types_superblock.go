// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/fmtutil"
)

// Superblock holds the per-filesystem facts that tree operations need
// to know: where the well-known trees' root nodes are, how big a tree
// node is, and which incompat features affect how items are keyed.
type Superblock struct {
	Generation btrfsprim.Generation

	RootTree  btrfsvol.LogicalAddr // logical address of the root tree root
	ChunkTree btrfsvol.LogicalAddr // logical address of the chunk tree root
	LogTree   btrfsvol.LogicalAddr // logical address of the log tree root

	NodeSize uint32

	RootLevel  uint8
	ChunkLevel uint8
	LogLevel   uint8

	ChunkRootGeneration btrfsprim.Generation

	BlockGroupRoot           btrfsvol.LogicalAddr
	BlockGroupRootGeneration btrfsprim.Generation
	BlockGroupRootLevel      uint8

	IncompatFlags IncompatFlags // only implementations that support the flags can use the filesystem
}

type IncompatFlags uint64

const (
	FeatureIncompatMixedBackref = IncompatFlags(1 << iota)
	FeatureIncompatDefaultSubvol
	FeatureIncompatMixedGroups
	FeatureIncompatCompressLZO
	FeatureIncompatCompressZSTD
	FeatureIncompatBigMetadata // buggy
	FeatureIncompatExtendedIRef
	FeatureIncompatRAID56
	FeatureIncompatSkinnyMetadata
	FeatureIncompatNoHoles
	FeatureIncompatMetadataUUID
	FeatureIncompatRAID1C34
	FeatureIncompatZoned
	FeatureIncompatExtentTreeV2
)

var incompatFlagNames = []string{
	"FeatureIncompatMixedBackref",
	"FeatureIncompatDefaultSubvol",
	"FeatureIncompatMixedGroups",
	"FeatureIncompatCompressLZO",
	"FeatureIncompatCompressZSTD",
	"FeatureIncompatBigMetadata",
	"FeatureIncompatExtendedIRef",
	"FeatureIncompatRAID56",
	"FeatureIncompatSkinnyMetadata",
	"FeatureIncompatNoHoles",
	"FeatureIncompatMetadataUUID",
	"FeatureIncompatRAID1C34",
	"FeatureIncompatZoned",
	"FeatureIncompatExtentTreeV2",
}

func (f IncompatFlags) Has(req IncompatFlags) bool { return f&req == req }
func (f IncompatFlags) String() string {
	return fmtutil.BitfieldString(f, incompatFlagNames, fmtutil.HexLower)
}
