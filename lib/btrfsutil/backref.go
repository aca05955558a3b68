// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsutil resolves extent back-references: given the
// logical address of an extent, it can answer which leaf blocks
// reference it, which top-level trees ultimately own it, and which
// (inode, offset) file positions a byte within a data extent maps to.
package btrfsutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/containers"
	"git.lukeshu.com/btrfs-backref/lib/maps"
)

// ErrCorrupt indicates that the on-disk backref structures are
// inconsistent with themselves; the filesystem needs repair, not this
// library.
var ErrCorrupt = errors.New("corrupt backrefs")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
}

// An InodePosition is one file position that references an extent.
type InodePosition struct {
	Inode  btrfsprim.INum
	Offset int64
}

// A parentSet accumulates the referencing blocks discovered for one
// extent, mapping each parent's logical address to the inode
// positions resolved within it.  Re-adding a known parent merges the
// position lists.
type parentSet map[btrfsvol.LogicalAddr][]InodePosition

func (s parentSet) add(parent btrfsvol.LogicalAddr, positions []InodePosition) {
	old, ok := s[parent]
	if !ok {
		s[parent] = positions
		return
	}
	s[parent] = append(old, positions...)
}

// Trees are at most 8 levels tall, and each resolution pass climbs at
// least one level, so a walk still discovering new parents after this
// many passes is following a reference cycle.
const maxBackrefPasses = 16

// FindAllLeafs returns the logical addresses of all blocks that
// directly reference the given extent.
func FindAllLeafs(
	ctx context.Context, fs btrfstree.TreeOperatorImpl, bytenr btrfsvol.LogicalAddr,
) (containers.Set[btrfsvol.LogicalAddr], error) {
	parents := make(parentSet)
	if err := findParentNodes(ctx, fs, bytenr,
		containers.OptionalNil[btrfsvol.AddrDelta](), false, nil, parents,
	); err != nil {
		return nil, fmt.Errorf("leafs of extent %v: %w", bytenr, err)
	}
	ret := make(containers.Set[btrfsvol.LogicalAddr], len(parents))
	for parent := range parents {
		ret.Insert(parent)
	}
	return ret, nil
}

// FindAllRoots returns the IDs of all trees that ultimately own the
// given extent, walking the backref graph upward until only root
// attributions remain.  An address whose extent item has already been
// deleted contributes nothing rather than failing the walk.
func FindAllRoots(
	ctx context.Context, fs btrfstree.TreeOperatorImpl, bytenr btrfsvol.LogicalAddr,
) (containers.Set[btrfsprim.ObjID], error) {
	roots := make(containers.Set[btrfsprim.ObjID])
	seen := make(containers.Set[btrfsvol.LogicalAddr])
	todo := containers.Set[btrfsvol.LogicalAddr]{bytenr: struct{}{}}
	for pass := 0; len(todo) > 0; pass++ {
		if pass >= maxBackrefPasses {
			return nil, fmt.Errorf("roots of extent %v: %w", bytenr,
				corruptf("no fixed point after %d passes", pass))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := make(containers.Set[btrfsvol.LogicalAddr])
		for _, addr := range maps.SortedKeys(todo) {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen.Insert(addr)
			parents := make(parentSet)
			err := findParentNodes(ctx, fs, addr,
				containers.OptionalNil[btrfsvol.AddrDelta](), true, roots, parents)
			if err != nil {
				if errors.Is(err, btrfstree.ErrNoItem) {
					dlog.Debugf(ctx, "backrefs: extent %v: gone, skipping", addr)
					continue
				}
				return nil, fmt.Errorf("roots of extent %v: %w", bytenr, err)
			}
			for parent := range parents {
				if _, ok := seen[parent]; !ok {
					next.Insert(parent)
				}
			}
		}
		todo = next
	}
	return roots, nil
}

// IterateExtentInodes calls fn once for every (inode, offset, root)
// triple that maps the byte at extentPos within the given data extent
// to a file position; fn returning an error stops the iteration, and
// the error is returned.
func IterateExtentInodes(
	ctx context.Context, fs btrfstree.TreeOperatorImpl,
	extentBytenr btrfsvol.LogicalAddr, extentPos btrfsvol.AddrDelta,
	fn func(inode btrfsprim.INum, offset int64, root btrfsprim.ObjID) error,
) error {
	parents := make(parentSet)
	if err := findParentNodes(ctx, fs, extentBytenr,
		containers.OptionalValue(extentPos), false, nil, parents,
	); err != nil {
		return fmt.Errorf("inodes of extent %v: %w", extentBytenr, err)
	}
	for _, leaf := range maps.SortedKeys(parents) {
		roots, err := FindAllRoots(ctx, fs, leaf)
		if err != nil {
			return fmt.Errorf("inodes of extent %v: %w", extentBytenr, err)
		}
		for _, root := range maps.SortedKeys(roots) {
			for _, pos := range parents[leaf] {
				if err := fn(pos.Inode, pos.Offset, root); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ExtentFromLogical returns the extent-tree record (EXTENT_ITEM or
// METADATA_ITEM) covering the given logical address, which need not
// be the extent's start.  The returned item's body is a clone; the
// caller may Free it.
func ExtentFromLogical(
	ctx context.Context, fs btrfstree.TreeOperatorImpl, laddr btrfsvol.LogicalAddr,
) (btrfstree.Item, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return btrfstree.Item{}, err
	}
	extTree, err := fs.RawTree(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return btrfstree.Item{}, err
	}
	target := btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(laddr),
		ItemType: btrfsprim.METADATA_ITEM_KEY,
		Offset:   btrfsprim.MaxOffset,
	}
	path, node, err := extTree.SearchSlot(ctx, keyFloorSearcher{key: target}, 0)
	if err != nil {
		return btrfstree.Item{}, fmt.Errorf("extent containing laddr=%v: %w", laddr, err)
	}
	// step back over any keyed backref items to the record itself
	for {
		if path == nil {
			return btrfstree.Item{}, fmt.Errorf("extent containing laddr=%v: %w",
				laddr, btrfstree.ErrNoItem)
		}
		item := node.BodyLeaf[path.Node(-1).FromItemSlot]
		if item.Key.ItemType == btrfsprim.EXTENT_ITEM_KEY ||
			item.Key.ItemType == btrfsprim.METADATA_ITEM_KEY {
			break
		}
		path, node, err = extTree.PrevSlot(ctx, path, node)
		if err != nil {
			return btrfstree.Item{}, fmt.Errorf("extent containing laddr=%v: %w", laddr, err)
		}
	}
	item := node.BodyLeaf[path.Node(-1).FromItemSlot]
	size := btrfsvol.AddrDelta(item.Key.Offset)
	if item.Key.ItemType == btrfsprim.METADATA_ITEM_KEY {
		size = btrfsvol.AddrDelta(sb.NodeSize)
	}
	beg := btrfsvol.LogicalAddr(item.Key.ObjectID)
	if laddr < beg || laddr >= beg.Add(size) {
		fs.ReleaseNode(node)
		return btrfstree.Item{}, fmt.Errorf("extent containing laddr=%v: %w",
			laddr, btrfstree.ErrNoItem)
	}
	item.Body = item.Body.CloneItem()
	fs.ReleaseNode(node)
	return item, nil
}
