// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/containers"
)

// A prelimRef is one candidate backref of an extent, part-way through
// resolution.
type prelimRef struct {
	// rootID is the tree that owns the referencing block; 0 until
	// known.
	rootID btrfsprim.ObjID
	// key is the key to search rootID's tree for in order to find
	// the referencing block; unset for refs that carry an
	// explicit parent, and for tree-block refs until the block's
	// first key has been read.
	key containers.Optional[btrfsprim.Key]
	// level is the tree level that the referencing block lives
	// at; 0 for data refs.
	level uint8
	// count is the reference multiplicity; merging duplicates
	// sums counts.
	count int
	// parent is the logical address of the referencing block; 0
	// until resolved.
	parent btrfsvol.LogicalAddr
	// wantedDiskByte is the address of the extent being resolved,
	// for when the referencing block must be read before its key
	// is known.
	wantedDiskByte btrfsvol.LogicalAddr

	inodePositions []InodePosition
}

func (a *prelimRef) forSameBlock(b *prelimRef) bool {
	if a.level != b.level || a.rootID != b.rootID || a.parent != b.parent {
		return false
	}
	if a.key.OK != b.key.OK {
		return false
	}
	return !a.key.OK || a.key.Val == b.key.Val
}

// A prelimState is the set of work queues for resolving one extent's
// backrefs.  A ref moves strictly missingKeys → indirect → pending,
// and is only ever duplicated when indirect resolution fans out to
// multiple parents.
type prelimState struct {
	pending     []*prelimRef
	missingKeys []*prelimRef
	indirect    []*prelimRef
}

func (state *prelimState) addPrelimRef(
	rootID btrfsprim.ObjID, key containers.Optional[btrfsprim.Key], level uint8,
	parent, wanted btrfsvol.LogicalAddr, count int,
) error {
	if count < 0 {
		return corruptf("backref to %v with negative count %v", wanted, count)
	}
	if parent == 0 && rootID == 0 && !key.OK {
		return corruptf("backref to %v with no parent, no root, and no key", wanted)
	}
	ref := &prelimRef{
		rootID:         rootID,
		key:            key,
		level:          level,
		count:          count,
		parent:         parent,
		wantedDiskByte: wanted,
	}
	switch {
	case parent != 0:
		state.pending = append(state.pending, ref)
	case key.OK:
		state.indirect = append(state.indirect, ref)
	default:
		state.missingKeys = append(state.missingKeys, ref)
	}
	return nil
}

// addMissingKeys reads each tree-block ref's block to learn its first
// key, moving the ref to the indirect queue.  Unlike indirect
// resolution, a failed read here is fatal; the block is the very
// extent being resolved, so it must exist.
func (state *prelimState) addMissingKeys(ctx context.Context, fs btrfstree.TreeOperatorImpl) error {
	for _, ref := range state.missingKeys {
		node, err := fs.AcquireNode(ctx, ref.wantedDiskByte, btrfstree.NodeExpectations{
			LAddr: containers.OptionalValue(ref.wantedDiskByte),
			Level: containers.OptionalValue(ref.level - 1),
		})
		if err != nil {
			fs.ReleaseNode(node)
			return err
		}
		key, ok := node.MinItem()
		fs.ReleaseNode(node)
		if !ok {
			return corruptf("tree block %v has no items", ref.wantedDiskByte)
		}
		ref.key = containers.OptionalValue(key)
		state.indirect = append(state.indirect, ref)
	}
	state.missingKeys = nil
	return nil
}

type mergeMode int8

const (
	// mergeSameBlock merges refs whose level, root, search key,
	// and parent all match.
	mergeSameBlock mergeMode = iota + 1
	// mergeSameParent merges refs that resolved to the same
	// non-zero parent, regardless of how they got there.
	mergeSameParent
)

// mergeRefs collapses equivalent refs within a queue, summing counts
// and concatenating inode-position lists.  O(n²), but fan-in per
// extent is normally small.
func mergeRefs(refs []*prelimRef, mode mergeMode) []*prelimRef {
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			var same bool
			switch mode {
			case mergeSameBlock:
				same = refs[i].forSameBlock(refs[j])
			case mergeSameParent:
				same = refs[i].parent != 0 && refs[i].parent == refs[j].parent
			}
			if !same {
				continue
			}
			refs[i].count += refs[j].count
			refs[i].inodePositions = append(refs[i].inodePositions, refs[j].inodePositions...)
			refs = append(refs[:j], refs[j+1:]...)
			j--
		}
	}
	return refs
}
