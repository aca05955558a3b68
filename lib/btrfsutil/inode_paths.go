// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
)

// An InodePathsResult holds the paths produced for one inode, plus
// accounting against the caller's byte budget so that a too-small
// budget can be resized exactly and retried.
type InodePathsResult struct {
	// Paths that fit within the budget, one per hard link, with
	// no leading slash.
	Paths []string

	ElemCnt      int // paths produced
	ElemMissed   int // paths that did not fit
	BytesLeft    int // budget remaining
	BytesMissing int // additional budget the missed paths would have needed
}

func (r *InodePathsResult) addPath(path string) {
	needed := len(path) + 1 // terminator
	if needed <= r.BytesLeft {
		r.Paths = append(r.Paths, path)
		r.ElemCnt++
		r.BytesLeft -= needed
	} else {
		r.ElemMissed++
		r.BytesMissing += needed - r.BytesLeft
		r.BytesLeft = 0
	}
}

// Deeper than any real directory tree; reaching this many components
// means the parent links cycle.
const maxPathDepth = 1000

// PathsFromInode returns every path to the given inode within one
// tree, one per hard link; plain INODE_REF links are read first, then
// INODE_EXTREF links for inodes whose link count overflowed the plain
// form.  An inode with no links of either form is ErrNoItem.
func PathsFromInode(
	ctx context.Context, tree *btrfstree.RawTree, inum btrfsprim.INum, budget int,
) (InodePathsResult, error) {
	ret := InodePathsResult{BytesLeft: budget}

	type link struct {
		parent btrfsprim.INum
		name   []byte
	}
	var links []link
	var cbErr error

	if err := tree.TreeSubrange(ctx, 0, btrfstree.Search{
		ObjectID:         btrfsprim.ObjID(inum),
		ItemTypeMatching: btrfstree.ItemTypeExact,
		ItemType:         btrfsprim.INODE_REF_KEY,
		OffsetMatching:   btrfstree.OffsetAny,
	}, func(item btrfstree.Item) bool {
		body, ok := item.Body.(*btrfsitem.InodeRefs)
		if !ok {
			cbErr = corruptf("malformed INODE_REF item %v", item.Key)
			return false
		}
		for _, ref := range body.Refs {
			if len(ref.Name) > btrfsitem.MaxNameLen {
				cbErr = corruptf("over-long name in INODE_REF item %v", item.Key)
				return false
			}
			links = append(links, link{
				parent: btrfsprim.INum(item.Key.Offset),
				name:   append([]byte(nil), ref.Name...),
			})
		}
		return true
	}); err != nil {
		return ret, fmt.Errorf("paths from inode %v: %w", inum, err)
	}
	if cbErr != nil {
		return ret, cbErr
	}

	if err := tree.TreeSubrange(ctx, 0, btrfstree.Search{
		ObjectID:         btrfsprim.ObjID(inum),
		ItemTypeMatching: btrfstree.ItemTypeExact,
		ItemType:         btrfsprim.INODE_EXTREF_KEY,
		OffsetMatching:   btrfstree.OffsetAny,
	}, func(item btrfstree.Item) bool {
		body, ok := item.Body.(*btrfsitem.InodeExtrefs)
		if !ok {
			cbErr = corruptf("malformed INODE_EXTREF item %v", item.Key)
			return false
		}
		for _, ref := range body.Refs {
			if len(ref.Name) > btrfsitem.MaxNameLen {
				cbErr = corruptf("over-long name in INODE_EXTREF item %v", item.Key)
				return false
			}
			links = append(links, link{
				parent: btrfsprim.INum(ref.ParentObjectID),
				name:   append([]byte(nil), ref.Name...),
			})
		}
		return true
	}); err != nil {
		return ret, fmt.Errorf("paths from inode %v: %w", inum, err)
	}
	if cbErr != nil {
		return ret, cbErr
	}

	if len(links) == 0 {
		return ret, fmt.Errorf("paths from inode %v: %w", inum, btrfstree.ErrNoItem)
	}

	for _, l := range links {
		path, err := refToPath(ctx, tree, l.parent, l.name)
		if err != nil {
			return ret, fmt.Errorf("paths from inode %v: %w", inum, err)
		}
		ret.addPath(path)
	}
	return ret, nil
}

// refToPath builds the path for one parent link, prepending "name/"
// components while walking parent links until it reaches an inode
// that is its own parent (the tree's root directory).  The root
// directory itself contributes no component, so the result has no
// leading slash.
func refToPath(
	ctx context.Context, tree *btrfstree.RawTree, parent btrfsprim.INum, name []byte,
) (string, error) {
	path := string(name)
	inum := parent
	for depth := 0; ; depth++ {
		if depth >= maxPathDepth {
			return "", corruptf("parent links of inode %v do not terminate", parent)
		}
		item, err := tree.TreeSearch(ctx, btrfstree.Search{
			ObjectID:         btrfsprim.ObjID(inum),
			ItemTypeMatching: btrfstree.ItemTypeExact,
			ItemType:         btrfsprim.INODE_REF_KEY,
			OffsetMatching:   btrfstree.OffsetAny,
		})
		if err != nil {
			return "", fmt.Errorf("inode %v: %w", inum, err)
		}
		body, ok := item.Body.(*btrfsitem.InodeRefs)
		if !ok || len(body.Refs) == 0 {
			item.Body.Free()
			return "", corruptf("malformed INODE_REF item %v", item.Key)
		}
		next := btrfsprim.INum(item.Key.Offset)
		if next == inum {
			// the root directory is its own parent
			item.Body.Free()
			break
		}
		path = string(body.Refs[0].Name) + "/" + path
		inum = next
		item.Body.Free()
	}
	return path, nil
}
