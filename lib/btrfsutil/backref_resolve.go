// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/containers"
)

// An extentRecord is the header of an extent's EXTENT_ITEM or
// METADATA_ITEM, read once per extent before scanning its refs.
type extentRecord struct {
	flags btrfsitem.ExtentFlags
	refs  int64
	// infoLevel is the tree level of the extent itself, when the
	// extent is a tree block; 0 for data extents.
	infoLevel uint8
}

// An extentRecordSearcher finds the EXTENT_ITEM or METADATA_ITEM
// keyed by an exact extent address, skipping past the keyed backref
// items that share the extent's objectid.
type extentRecordSearcher struct {
	bytenr btrfsvol.LogicalAddr
}

var _ btrfstree.TreeSearcher = extentRecordSearcher{}

// String implements btrfstree.TreeSearcher.
func (o extentRecordSearcher) String() string {
	return fmt.Sprintf("extent record for laddr=%v", o.bytenr)
}

// Search implements btrfstree.TreeSearcher.
func (o extentRecordSearcher) Search(key btrfsprim.Key, _ uint32) int {
	if d := containers.NativeCompare(btrfsprim.ObjID(o.bytenr), key.ObjectID); d != 0 {
		return d
	}
	switch {
	case key.ItemType < btrfsprim.EXTENT_ITEM_KEY:
		return 1
	case key.ItemType > btrfsprim.METADATA_ITEM_KEY:
		return -1
	default:
		return 0
	}
}

// A keyFloorSearcher matches the highest key that is <= the given
// key; use it to position a descent at the point where a key would
// live, whether or not an item with that exact key exists.
type keyFloorSearcher struct {
	key btrfsprim.Key
}

var _ btrfstree.TreeSearcher = keyFloorSearcher{}

// String implements btrfstree.TreeSearcher.
func (o keyFloorSearcher) String() string {
	return fmt.Sprintf("key<=%v", o.key)
}

// Search implements btrfstree.TreeSearcher.
func (o keyFloorSearcher) Search(key btrfsprim.Key, _ uint32) int {
	if o.key.Compare(key) < 0 {
		return -1
	}
	return 0
}

// scanExtentRefs locates the extent record for bytenr in the extent
// tree and feeds every inline and keyed ref attached to it into the
// state's queues.
func (state *prelimState) scanExtentRefs(
	ctx context.Context, fs btrfstree.TreeOperatorImpl,
	bytenr btrfsvol.LogicalAddr, rootsOnly bool,
) (extentRecord, error) {
	var rec extentRecord

	extTree, err := fs.RawTree(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return rec, err
	}
	path, node, err := extTree.SearchSlot(ctx, extentRecordSearcher{bytenr: bytenr}, 0)
	if err != nil {
		return rec, err
	}

	item := node.BodyLeaf[path.Node(-1).FromItemSlot]
	var inlineRefs []btrfsitem.ExtentInlineRef
	switch body := item.Body.(type) {
	case *btrfsitem.Extent:
		rec.flags = body.Head.Flags
		rec.refs = body.Head.Refs
		if rec.flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) {
			rec.infoLevel = body.Info.Level
		}
		inlineRefs = body.Refs
	case *btrfsitem.Metadata:
		// skinny metadata items carry the block's level in the
		// key offset instead of a TreeBlockInfo
		rec.flags = body.Head.Flags
		rec.refs = body.Head.Refs
		rec.infoLevel = uint8(item.Key.Offset)
		inlineRefs = body.Refs
	case *btrfsitem.Error:
		fs.ReleaseNode(node)
		return rec, corruptf("malformed extent item at %v: %v", bytenr, body.Err)
	default:
		fs.ReleaseNode(node)
		return rec, corruptf("unexpected %v item at %v", item.Key.ItemType, bytenr)
	}

	for _, ref := range inlineRefs {
		if err := state.addInlineRef(bytenr, rec.infoLevel, ref, rootsOnly); err != nil {
			fs.ReleaseNode(node)
			return rec, err
		}
	}

	// keyed refs follow the extent record under the same objectid
	for {
		path, node, err = extTree.NextSlot(ctx, path, node)
		if err != nil {
			return rec, err
		}
		if path == nil {
			return rec, nil
		}
		item := node.BodyLeaf[path.Node(-1).FromItemSlot]
		if item.Key.ObjectID != btrfsprim.ObjID(bytenr) ||
			item.Key.ItemType > btrfsprim.SHARED_DATA_REF_KEY {
			break
		}
		if item.Key.ItemType < btrfsprim.TREE_BLOCK_REF_KEY {
			continue
		}
		if err := state.addKeyedRef(bytenr, rec.infoLevel, item, rootsOnly); err != nil {
			fs.ReleaseNode(node)
			return rec, err
		}
	}
	fs.ReleaseNode(node)
	return rec, nil
}

func (state *prelimState) addInlineRef(
	bytenr btrfsvol.LogicalAddr, infoLevel uint8,
	ref btrfsitem.ExtentInlineRef, rootsOnly bool,
) error {
	switch ref.Type {
	case btrfsitem.SHARED_BLOCK_REF_KEY:
		return state.addPrelimRef(0, containers.OptionalNil[btrfsprim.Key](), infoLevel+1,
			btrfsvol.LogicalAddr(ref.Offset), bytenr, 1)
	case btrfsitem.SHARED_DATA_REF_KEY:
		body, ok := ref.Body.(*btrfsitem.SharedDataRef)
		if !ok {
			return corruptf("SHARED_DATA_REF with no body in extent item at %v", bytenr)
		}
		return state.addPrelimRef(0, containers.OptionalNil[btrfsprim.Key](), 0,
			btrfsvol.LogicalAddr(ref.Offset), bytenr, int(body.Count))
	case btrfsitem.TREE_BLOCK_REF_KEY:
		return state.addPrelimRef(btrfsprim.ObjID(ref.Offset), containers.OptionalNil[btrfsprim.Key](),
			infoLevel+1, 0, bytenr, 1)
	case btrfsitem.EXTENT_DATA_REF_KEY:
		body, ok := ref.Body.(*btrfsitem.ExtentDataRef)
		if !ok {
			return corruptf("EXTENT_DATA_REF with no body in extent item at %v", bytenr)
		}
		return state.addExtentDataRef(bytenr, body, rootsOnly)
	default:
		return corruptf("invalid backref type %v in extent item at %v", ref.Type, bytenr)
	}
}

func (state *prelimState) addKeyedRef(
	bytenr btrfsvol.LogicalAddr, infoLevel uint8,
	item btrfstree.Item, rootsOnly bool,
) error {
	switch item.Key.ItemType {
	case btrfsitem.SHARED_BLOCK_REF_KEY:
		return state.addPrelimRef(0, containers.OptionalNil[btrfsprim.Key](), infoLevel+1,
			btrfsvol.LogicalAddr(item.Key.Offset), bytenr, 1)
	case btrfsitem.SHARED_DATA_REF_KEY:
		body, ok := item.Body.(*btrfsitem.SharedDataRef)
		if !ok {
			return corruptf("malformed SHARED_DATA_REF item %v", item.Key)
		}
		return state.addPrelimRef(0, containers.OptionalNil[btrfsprim.Key](), 0,
			btrfsvol.LogicalAddr(item.Key.Offset), bytenr, int(body.Count))
	case btrfsitem.TREE_BLOCK_REF_KEY:
		return state.addPrelimRef(btrfsprim.ObjID(item.Key.Offset), containers.OptionalNil[btrfsprim.Key](),
			infoLevel+1, 0, bytenr, 1)
	case btrfsitem.EXTENT_DATA_REF_KEY:
		body, ok := item.Body.(*btrfsitem.ExtentDataRef)
		if !ok {
			return corruptf("malformed EXTENT_DATA_REF item %v", item.Key)
		}
		return state.addExtentDataRef(bytenr, body, rootsOnly)
	default:
		return corruptf("invalid backref type %v for extent at %v", item.Key.ItemType, bytenr)
	}
}

func (state *prelimState) addExtentDataRef(
	bytenr btrfsvol.LogicalAddr, body *btrfsitem.ExtentDataRef, rootsOnly bool,
) error {
	if rootsOnly && body.Root == btrfsprim.DATA_RELOC_TREE_OBJECTID {
		// relocation-tree refs never attribute ownership
		return nil
	}
	key := btrfsprim.Key{
		ObjectID: body.ObjectID,
		ItemType: btrfsprim.EXTENT_DATA_KEY,
		Offset:   uint64(body.Offset),
	}
	return state.addPrelimRef(body.Root, containers.OptionalValue(key), 0, 0, bytenr, int(body.Count))
}

// resolveIndirectRefs turns each indirect ref into zero or more
// pending refs by searching the owning root's tree.  A missing tree
// or missing item quietly drops just that ref; the key may simply be
// gone from that root by now.
func (state *prelimState) resolveIndirectRefs(
	ctx context.Context, fs btrfstree.TreeOperatorImpl,
	wantedDiskByte btrfsvol.LogicalAddr, wantedPos containers.Optional[btrfsvol.AddrDelta],
) error {
	for _, ref := range state.indirect {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ref.count == 0 {
			continue
		}
		tree, err := fs.RawTree(ctx, ref.rootID)
		if err != nil {
			if errors.Is(err, btrfstree.ErrNoTree) {
				dlog.Debugf(ctx, "backrefs: extent %v: dropping ref: %v", wantedDiskByte, err)
				continue
			}
			return err
		}
		switch {
		case tree.Level+1 == ref.level:
			// The extent is this tree's root node; there is
			// no parent within the tree, the root itself is
			// the attribution.
			state.pending = append(state.pending, ref)
			continue
		case tree.Level+1 < ref.level:
			// The tree is shorter than the ref claims; the
			// target level cannot exist in this root.
			continue
		}
		if !ref.key.OK {
			return corruptf("indirect backref to %v with no search key", wantedDiskByte)
		}
		path, node, err := tree.SearchSlot(ctx, keyFloorSearcher{key: ref.key.Val}, ref.level)
		if errors.Is(err, btrfstree.ErrNoItem) {
			// every key in the tree sorts above the ref's key;
			// the wanted items may still open the tree
			path, node, err = tree.FirstSlot(ctx, ref.level)
		}
		if err != nil {
			if errors.Is(err, btrfstree.ErrNoItem) {
				continue
			}
			return err
		}
		if ref.level > 0 {
			ref.parent = node.Head.Addr
			fs.ReleaseNode(node)
			state.pending = append(state.pending, ref)
			continue
		}
		if err := state.addAllParents(ctx, tree, ref, path, node, wantedDiskByte, wantedPos); err != nil {
			return err
		}
	}
	state.indirect = nil
	return nil
}

// addAllParents scans forward across the leaf items matching an
// indirect data ref's (inode, EXTENT_DATA) key range, recording the
// containing leaf as a parent for every item whose disk bytenr is the
// wanted extent, up to the ref's declared count.  The first parent
// mutates the ref in place; additional parents are emitted as clones.
func (state *prelimState) addAllParents(
	ctx context.Context, tree *btrfstree.RawTree, ref *prelimRef,
	path btrfstree.Path, node *btrfstree.Node,
	wantedDiskByte btrfsvol.LogicalAddr, wantedPos containers.Optional[btrfsvol.AddrDelta],
) error {
	var err error
	wantedKey := ref.key.Val
	matched := 0
loop:
	for path != nil && matched < ref.count {
		item := node.BodyLeaf[path.Node(-1).FromItemSlot]
		switch {
		case item.Key.ObjectID > wantedKey.ObjectID,
			item.Key.ObjectID == wantedKey.ObjectID && item.Key.ItemType > btrfsprim.EXTENT_DATA_KEY:
			// past the inode's file extents
			break loop
		case item.Key.ObjectID == wantedKey.ObjectID && item.Key.ItemType == btrfsprim.EXTENT_DATA_KEY:
			fe, ok := item.Body.(*btrfsitem.FileExtent)
			if !ok {
				tree.Forrest.ReleaseNode(node)
				return corruptf("malformed EXTENT_DATA item %v in tree %v", item.Key, ref.rootID)
			}
			if fe.Type != btrfsitem.FILE_EXTENT_INLINE && fe.BodyExtent.DiskByteNr == wantedDiskByte {
				matched++
				var positions []InodePosition
				if wantedPos.OK {
					if pos, ok := extentPositionInItem(item.Key, *fe, wantedPos.Val); ok {
						positions = append(positions, pos)
					}
				}
				parent := node.Head.Addr
				if ref.parent == 0 {
					ref.parent = parent
					ref.inodePositions = positions
				} else {
					state.pending = append(state.pending, &prelimRef{
						rootID:         ref.rootID,
						key:            ref.key,
						level:          ref.level,
						count:          ref.count,
						parent:         parent,
						wantedDiskByte: ref.wantedDiskByte,
						inodePositions: positions,
					})
				}
			}
		}
		path, node, err = tree.NextSlot(ctx, path, node)
		if err != nil {
			return err
		}
	}
	if node != nil {
		tree.Forrest.ReleaseNode(node)
	}
	if ref.parent != 0 {
		state.pending = append(state.pending, ref)
	}
	return nil
}

// extentPositionInItem reports the (inode, file offset) that a byte
// position within an extent corresponds to through the given file
// extent item, if the item actually covers that byte and the mapping
// is 1:1.
func extentPositionInItem(
	key btrfsprim.Key, fe btrfsitem.FileExtent, wantedPos btrfsvol.AddrDelta,
) (InodePosition, bool) {
	if fe.Type == btrfsitem.FILE_EXTENT_INLINE || !fe.IsPlain() {
		return InodePosition{}, false
	}
	if wantedPos < fe.BodyExtent.Offset ||
		wantedPos >= fe.BodyExtent.Offset+btrfsvol.AddrDelta(fe.BodyExtent.NumBytes) {
		return InodePosition{}, false
	}
	return InodePosition{
		Inode:  key.ObjectID,
		Offset: int64(key.Offset) + int64(wantedPos-fe.BodyExtent.Offset),
	}, true
}

// findExtentInLeaf scans a leaf block directly for file extent items
// referencing the given extent; this is the fallback for parents that
// arrived with an explicit parent address and so never went through
// the indirect leaf scan.
func findExtentInLeaf(
	ctx context.Context, fs btrfstree.TreeOperatorImpl,
	leafAddr, bytenr btrfsvol.LogicalAddr, wantedPos btrfsvol.AddrDelta,
) ([]InodePosition, error) {
	node, err := fs.AcquireNode(ctx, leafAddr, btrfstree.NodeExpectations{
		LAddr: containers.OptionalValue(leafAddr),
		Level: containers.OptionalValue[uint8](0),
	})
	if err != nil {
		fs.ReleaseNode(node)
		return nil, err
	}
	defer fs.ReleaseNode(node)
	var ret []InodePosition
	for _, item := range node.BodyLeaf {
		if item.Key.ItemType != btrfsprim.EXTENT_DATA_KEY {
			continue
		}
		fe, ok := item.Body.(*btrfsitem.FileExtent)
		if !ok || fe.Type == btrfsitem.FILE_EXTENT_INLINE || fe.BodyExtent.DiskByteNr != bytenr {
			continue
		}
		if pos, ok := extentPositionInItem(item.Key, *fe, wantedPos); ok {
			ret = append(ret, pos)
		}
	}
	return ret, nil
}

// findParentNodes is the per-extent resolution primitive: scan the
// extent's refs, resolve missing keys and indirect refs, merge
// duplicates, and drain the pending queue into the caller's output
// sets.  Refs that end with a parent address contribute to parents;
// refs that end with no parent but a root contribute to roots.
func findParentNodes(
	ctx context.Context, fs btrfstree.TreeOperatorImpl,
	bytenr btrfsvol.LogicalAddr, wantedPos containers.Optional[btrfsvol.AddrDelta],
	rootsOnly bool,
	roots containers.Set[btrfsprim.ObjID], parents parentSet,
) error {
	state := new(prelimState)

	rec, err := state.scanExtentRefs(ctx, fs, bytenr, rootsOnly)
	if err != nil {
		return err
	}
	dlog.Tracef(ctx, "backrefs: extent %v: flags=%v refs=%v", bytenr, rec.flags, rec.refs)

	if err := state.addMissingKeys(ctx, fs); err != nil {
		return err
	}
	state.pending = mergeRefs(state.pending, mergeSameBlock)
	state.indirect = mergeRefs(state.indirect, mergeSameBlock)
	if err := state.resolveIndirectRefs(ctx, fs, bytenr, wantedPos); err != nil {
		return err
	}
	state.pending = mergeRefs(state.pending, mergeSameParent)

	if len(state.missingKeys) > 0 || len(state.indirect) > 0 {
		return corruptf("extent %v: refs left unresolved after resolution", bytenr)
	}
	for _, ref := range state.pending {
		switch {
		case ref.count == 0:
			// merged away or never counted
		case ref.parent == 0 && ref.rootID != 0:
			if roots != nil {
				roots.Insert(ref.rootID)
			}
		case ref.parent != 0:
			if parents == nil {
				continue
			}
			positions := ref.inodePositions
			if wantedPos.OK && ref.level == 0 && len(positions) == 0 {
				positions, err = findExtentInLeaf(ctx, fs, ref.parent, bytenr, wantedPos.Val)
				if err != nil {
					return err
				}
			}
			parents.add(ref.parent, positions)
		default:
			return corruptf("ref to extent %v with no parent and no root", bytenr)
		}
	}
	state.pending = nil
	return nil
}
