// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"
	"math"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/containers"
	"git.lukeshu.com/btrfs-backref/lib/slices"
)

// A RawTree is a single tree within a Forrest.
type RawTree struct {
	Forrest TreeOperatorImpl
	TreeRoot
}

func (tree *RawTree) acquireNode(ctx context.Context, path Path) (*Node, error) {
	elem := path.Node(-1)
	return tree.Forrest.AcquireNode(ctx, elem.ToNodeAddr, NodeExpectations{
		LAddr:      containers.OptionalValue(elem.ToNodeAddr),
		Level:      containers.OptionalValue(elem.ToNodeLevel),
		Generation: containers.OptionalValue(elem.ToNodeGeneration),
		MinItem:    containers.OptionalValue(elem.ToKey),
		MaxItem:    containers.OptionalValue(elem.ToMaxKey),
	})
}

func (tree *RawTree) TreeWalk(ctx context.Context, errHandle func(*TreeError), cbs TreeWalkHandler) {
	path := Path{{
		FromTree:         tree.ID,
		FromItemSlot:     -1,
		ToNodeAddr:       tree.RootNode,
		ToNodeGeneration: tree.Generation,
		ToNodeLevel:      tree.Level,
		ToMaxKey:         btrfsprim.MaxKey,
	}}
	tree.walk(ctx, path, errHandle, cbs)
}

func (tree *RawTree) walk(ctx context.Context, path Path, errHandle func(*TreeError), cbs TreeWalkHandler) {
	if ctx.Err() != nil {
		return
	}
	if path.Node(-1).ToNodeAddr == 0 {
		return
	}

	node, err := tree.acquireNode(ctx, path)
	defer tree.Forrest.ReleaseNode(node)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		if cbs.Node != nil {
			cbs.Node(path, node)
		}
	default:
		process := false
		if node != nil && cbs.BadNode != nil {
			process = cbs.BadNode(path, node, err)
		}
		errHandle(&TreeError{Path: path, Err: err})
		if !process {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	for i, item := range node.BodyInterior {
		toMaxKey := path.Node(-1).ToMaxKey
		if i+1 < len(node.BodyInterior) {
			toMaxKey = node.BodyInterior[i+1].Key.Mm()
		}
		itemPath := append(path, PathElem{
			FromTree:         node.Head.Owner,
			FromItemSlot:     i,
			ToNodeAddr:       item.BlockPtr,
			ToNodeGeneration: item.Generation,
			ToNodeLevel:      node.Head.Level - 1,
			ToKey:            item.Key,
			ToMaxKey:         toMaxKey,
		})
		recurse := true
		if cbs.KeyPointer != nil {
			recurse = cbs.KeyPointer(itemPath, item)
			if ctx.Err() != nil {
				return
			}
		}
		if recurse {
			tree.walk(ctx, itemPath, errHandle, cbs)
		}
	}
	for i, item := range node.BodyLeaf {
		itemPath := append(path, PathElem{
			FromTree:     node.Head.Owner,
			FromItemSlot: i,
			ToKey:        item.Key,
			ToMaxKey:     item.Key,
		})
		if errBody, isErr := item.Body.(*btrfsitem.Error); isErr {
			if cbs.BadItem == nil {
				errHandle(&TreeError{Path: itemPath, Err: errBody.Err})
			} else {
				cbs.BadItem(itemPath, item)
			}
		} else if cbs.Item != nil {
			cbs.Item(itemPath, item)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// SearchSlot descends the tree looking for an item accepted by the
// given searcher, stopping the descent at lowestLevel rather than
// going all the way down to a leaf; the returned Node is the node at
// lowestLevel, and the returned Path's final element identifies the
// matched slot within it.
//
// The caller is responsible for releasing the returned Node back to
// the forrest with ReleaseNode.
func (tree *RawTree) SearchSlot(ctx context.Context, searcher TreeSearcher, lowestLevel uint8) (Path, *Node, error) {
	path, node, err := tree.search(ctx, searcher.Search, lowestLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("item with %s: %w", searcher, err)
	}
	return path, node, nil
}

func (tree *RawTree) search(ctx context.Context, fn func(btrfsprim.Key, uint32) int, lowestLevel uint8) (Path, *Node, error) {
	path := Path{{
		FromTree:         tree.ID,
		FromItemSlot:     -1,
		ToNodeAddr:       tree.RootNode,
		ToNodeGeneration: tree.Generation,
		ToNodeLevel:      tree.Level,
		ToMaxKey:         btrfsprim.MaxKey,
	}}
	for {
		if path.Node(-1).ToNodeAddr == 0 {
			return nil, nil, ErrNoItem
		}
		node, err := tree.acquireNode(ctx, path)
		if err != nil {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, err
		}

		switch {
		case node.Head.Level > lowestLevel:
			// interior node

			// Search for the right-most node.BodyInterior item for which
			// `fn(item.Key) >= 0`.
			//
			//    + + + + 0 - - - -
			//
			// There may or may not be a value that returns '0'.
			//
			// i.e. find the highest value that isn't too high.
			lastGood, ok := slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
				return slices.Min(fn(kp.Key, math.MaxUint32), 0) // don't return >0; a key can't be "too low"
			})
			if !ok {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			toMaxKey := path.Node(-1).ToMaxKey
			if lastGood+1 < len(node.BodyInterior) {
				toMaxKey = node.BodyInterior[lastGood+1].Key.Mm()
			}
			path = append(path, PathElem{
				FromTree:         node.Head.Owner,
				FromItemSlot:     lastGood,
				ToNodeAddr:       node.BodyInterior[lastGood].BlockPtr,
				ToNodeGeneration: node.BodyInterior[lastGood].Generation,
				ToNodeLevel:      node.Head.Level - 1,
				ToKey:            node.BodyInterior[lastGood].Key,
				ToMaxKey:         toMaxKey,
			})
			tree.Forrest.ReleaseNode(node)
		case node.Head.Level > 0:
			// interior node at the requested lowestLevel; select a
			// slot the same way, but don't descend into it.
			lastGood, ok := slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
				return slices.Min(fn(kp.Key, math.MaxUint32), 0)
			})
			if !ok {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			path = append(path, PathElem{
				FromTree:     node.Head.Owner,
				FromItemSlot: lastGood,
				ToKey:        node.BodyInterior[lastGood].Key,
				ToMaxKey:     path.Node(-1).ToMaxKey,
			})
			return path, node, nil
		default:
			// leaf node

			// Search for a member of node.BodyLeaf for which
			// `fn(item.Head.Key) == 0`.
			//
			//    + + + + 0 - - - -
			//
			// Such an item might not exist; in this case, return (nil, ErrNoItem).
			// Multiple such items might exist; take the right-most one, so that
			// searchers that accept a range of keys land on the highest
			// acceptable item.
			//
			// Implement this search as a binary search.
			slot, ok := slices.SearchHighest(node.BodyLeaf, func(item Item) int {
				return fn(item.Key, item.BodySize)
			})
			if !ok {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			path = append(path, PathElem{
				FromTree:     node.Head.Owner,
				FromItemSlot: slot,
				ToKey:        node.BodyLeaf[slot].Key,
				ToMaxKey:     node.BodyLeaf[slot].Key,
			})
			return path, node, nil
		}
	}
}

// FirstSlot returns a path to the tree's left-most slot at
// lowestLevel, for callers that need to scan forward from the very
// front of the tree.  An empty tree is ErrNoItem.
//
// The caller is responsible for releasing the returned Node back to
// the forrest with ReleaseNode.
func (tree *RawTree) FirstSlot(ctx context.Context, lowestLevel uint8) (Path, *Node, error) {
	path := Path{{
		FromTree:         tree.ID,
		FromItemSlot:     -1,
		ToNodeAddr:       tree.RootNode,
		ToNodeGeneration: tree.Generation,
		ToNodeLevel:      tree.Level,
		ToMaxKey:         btrfsprim.MaxKey,
	}}
	for {
		if path.Node(-1).ToNodeAddr == 0 {
			return nil, nil, ErrNoItem
		}
		node, err := tree.acquireNode(ctx, path)
		if err != nil {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, err
		}

		switch {
		case node.Head.Level > lowestLevel:
			if len(node.BodyInterior) == 0 {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			toMaxKey := path.Node(-1).ToMaxKey
			if len(node.BodyInterior) > 1 {
				toMaxKey = node.BodyInterior[1].Key.Mm()
			}
			path = append(path, PathElem{
				FromTree:         node.Head.Owner,
				FromItemSlot:     0,
				ToNodeAddr:       node.BodyInterior[0].BlockPtr,
				ToNodeGeneration: node.BodyInterior[0].Generation,
				ToNodeLevel:      node.Head.Level - 1,
				ToKey:            node.BodyInterior[0].Key,
				ToMaxKey:         toMaxKey,
			})
			tree.Forrest.ReleaseNode(node)
		case node.Head.Level > 0:
			if len(node.BodyInterior) == 0 {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			path = append(path, PathElem{
				FromTree:     node.Head.Owner,
				FromItemSlot: 0,
				ToKey:        node.BodyInterior[0].Key,
				ToMaxKey:     path.Node(-1).ToMaxKey,
			})
			return path, node, nil
		default:
			if len(node.BodyLeaf) == 0 {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			path = append(path, PathElem{
				FromTree:     node.Head.Owner,
				FromItemSlot: 0,
				ToKey:        node.BodyLeaf[0].Key,
				ToMaxKey:     node.BodyLeaf[0].Key,
			})
			return path, node, nil
		}
	}
}

// PrevSlot steps the given path (as returned by SearchSlot, NextSlot,
// or a previous PrevSlot) backward to the previous item slot.  A nil
// Path (with nil error) means that the beginning of the tree has been
// reached.
//
// PrevSlot takes ownership of the node passed to it; the caller is
// responsible for releasing the returned Node.
func (tree *RawTree) PrevSlot(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	var err error
	path = path.DeepCopy()

	// go up
	for path.Node(-1).FromItemSlot < 1 {
		path = path.Parent()
		if len(path) == 0 {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, nil
		}
	}
	// go left
	path.Node(-1).FromItemSlot--
	if path.Node(-1).ToNodeAddr != 0 {
		if node.Head.Addr != path.Node(-2).ToNodeAddr {
			tree.Forrest.ReleaseNode(node)
			node, err = tree.acquireNode(ctx, path.Parent())
			if err != nil {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, err
			}
		}
		path.Node(-1).ToNodeAddr = node.BodyInterior[path.Node(-1).FromItemSlot].BlockPtr
		path.Node(-1).ToNodeGeneration = node.BodyInterior[path.Node(-1).FromItemSlot].Generation
		path.Node(-1).ToKey = node.BodyInterior[path.Node(-1).FromItemSlot].Key
	}
	// go down
	for path.Node(-1).ToNodeAddr != 0 {
		if node.Head.Addr != path.Node(-1).ToNodeAddr {
			tree.Forrest.ReleaseNode(node)
			node, err = tree.acquireNode(ctx, path)
			if err != nil {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, err
			}
		}
		if node.Head.Level > 0 {
			path = append(path, PathElem{
				FromTree:         node.Head.Owner,
				FromItemSlot:     len(node.BodyInterior) - 1,
				ToNodeAddr:       node.BodyInterior[len(node.BodyInterior)-1].BlockPtr,
				ToNodeGeneration: node.BodyInterior[len(node.BodyInterior)-1].Generation,
				ToNodeLevel:      node.Head.Level - 1,
				ToKey:            node.BodyInterior[len(node.BodyInterior)-1].Key,
				ToMaxKey:         path.Node(-1).ToMaxKey,
			})
		} else {
			path = append(path, PathElem{
				FromTree:     node.Head.Owner,
				FromItemSlot: len(node.BodyLeaf) - 1,
				ToKey:        node.BodyLeaf[len(node.BodyLeaf)-1].Key,
				ToMaxKey:     node.BodyLeaf[len(node.BodyLeaf)-1].Key,
			})
		}
	}
	// return
	if node.Head.Addr != path.Node(-2).ToNodeAddr {
		tree.Forrest.ReleaseNode(node)
		node, err = tree.acquireNode(ctx, path.Parent())
		if err != nil {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, err
		}
	}
	return path, node, nil
}

// NextSlot steps the given path (as returned by SearchSlot or a
// previous NextSlot) forward to the next item slot, stepping to the
// next node when the current node is exhausted.  A nil Path (with nil
// error) means that the end of the tree has been reached.
//
// NextSlot takes ownership of the node passed to it; the caller is
// responsible for releasing the returned Node.
func (tree *RawTree) NextSlot(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	var err error
	path = path.DeepCopy()

	// go up
	if node.Head.Addr != path.Node(-2).ToNodeAddr {
		tree.Forrest.ReleaseNode(node)
		node, err = tree.acquireNode(ctx, path.Parent())
		if err != nil {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, err
		}
		path.Node(-2).ToNodeLevel = node.Head.Level
	}
	for path.Node(-1).FromItemSlot+1 >= int(node.Head.NumItems) {
		path = path.Parent()
		if len(path) == 1 {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, nil
		}
		if node.Head.Addr != path.Node(-2).ToNodeAddr {
			tree.Forrest.ReleaseNode(node)
			node, err = tree.acquireNode(ctx, path.Parent())
			if err != nil {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, err
			}
			path.Node(-2).ToNodeLevel = node.Head.Level
		}
	}
	// go right
	path.Node(-1).FromItemSlot++
	if path.Node(-1).ToNodeAddr != 0 {
		if node.Head.Addr != path.Node(-2).ToNodeAddr {
			tree.Forrest.ReleaseNode(node)
			node, err = tree.acquireNode(ctx, path.Parent())
			if err != nil {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, err
			}
		}
		path.Node(-1).ToNodeAddr = node.BodyInterior[path.Node(-1).FromItemSlot].BlockPtr
		path.Node(-1).ToNodeGeneration = node.BodyInterior[path.Node(-1).FromItemSlot].Generation
		path.Node(-1).ToKey = node.BodyInterior[path.Node(-1).FromItemSlot].Key
	}
	// go down
	for path.Node(-1).ToNodeAddr != 0 {
		if node.Head.Addr != path.Node(-1).ToNodeAddr {
			tree.Forrest.ReleaseNode(node)
			node, err = tree.acquireNode(ctx, path)
			if err != nil {
				tree.Forrest.ReleaseNode(node)
				return nil, nil, err
			}
			path.Node(-1).ToNodeLevel = node.Head.Level
		}
		if node.Head.Level > 0 {
			toMaxKey := path.Node(-1).ToMaxKey
			if len(node.BodyInterior) > 1 {
				toMaxKey = node.BodyInterior[1].Key.Mm()
			}
			path = append(path, PathElem{
				FromTree:         node.Head.Owner,
				FromItemSlot:     0,
				ToNodeAddr:       node.BodyInterior[0].BlockPtr,
				ToNodeGeneration: node.BodyInterior[0].Generation,
				ToNodeLevel:      node.Head.Level - 1,
				ToKey:            node.BodyInterior[0].Key,
				ToMaxKey:         toMaxKey,
			})
		} else {
			path = append(path, PathElem{
				FromTree:     node.Head.Owner,
				FromItemSlot: 0,
				ToKey:        node.BodyLeaf[0].Key,
				ToMaxKey:     node.BodyLeaf[0].Key,
			})
		}
	}
	// return
	if node.Head.Addr != path.Node(-2).ToNodeAddr {
		tree.Forrest.ReleaseNode(node)
		node, err = tree.acquireNode(ctx, path.Parent())
		if err != nil {
			tree.Forrest.ReleaseNode(node)
			return nil, nil, err
		}
	}
	return path, node, nil
}

func (tree *RawTree) TreeSearch(ctx context.Context, searcher TreeSearcher) (Item, error) {
	path, node, err := tree.search(ctx, searcher.Search, 0)
	if err != nil {
		return Item{}, fmt.Errorf("item with %s: %w", searcher, err)
	}
	item := node.BodyLeaf[path.Node(-1).FromItemSlot]
	item.Body = item.Body.CloneItem()
	tree.Forrest.ReleaseNode(node)
	return item, nil
}

func (tree *RawTree) TreeLookup(ctx context.Context, key btrfsprim.Key) (Item, error) {
	return tree.TreeSearch(ctx, SearchExactKey(key))
}

// TreeSubrange calls handleFn for each item matching the searcher, in
// key order; the handleFn returning false stops the iteration early.
// If fewer than minimum items matched, an error that is ErrNoItem is
// returned.
func (tree *RawTree) TreeSubrange(ctx context.Context, minimum int, searcher TreeSearcher, handleFn func(Item) bool) error {
	path, node, err := tree.search(ctx, searcher.Search, 0)
	if err != nil {
		if minimum > 0 {
			return fmt.Errorf("items with %s: %w", searcher, err)
		}
		return nil
	}

	// rewind to the first matching item
	for {
		prevPath, prevNode, err := tree.PrevSlot(ctx, path, node)
		if err != nil {
			return fmt.Errorf("items with %s: %w", searcher, err)
		}
		if prevPath == nil {
			// the matching run opens the tree; PrevSlot released
			// the node, so get it back and walk from here
			node, err = tree.acquireNode(ctx, path.Parent())
			if err != nil {
				tree.Forrest.ReleaseNode(node)
				return fmt.Errorf("items with %s: %w", searcher, err)
			}
			break
		}
		path, node = prevPath, prevNode
		prevItem := node.BodyLeaf[path.Node(-1).FromItemSlot]
		if searcher.Search(prevItem.Key, prevItem.BodySize) != 0 {
			path, node, err = tree.NextSlot(ctx, path, node)
			if err != nil {
				return fmt.Errorf("items with %s: %w", searcher, err)
			}
			break
		}
	}

	// walk forward
	cnt := 0
	for path != nil {
		item := node.BodyLeaf[path.Node(-1).FromItemSlot]
		if searcher.Search(item.Key, item.BodySize) != 0 {
			break
		}
		cnt++
		if !handleFn(item) {
			break
		}
		path, node, err = tree.NextSlot(ctx, path, node)
		if err != nil {
			return fmt.Errorf("items with %s: %w", searcher, err)
		}
	}
	if node != nil {
		tree.Forrest.ReleaseNode(node)
	}
	if cnt < minimum {
		return fmt.Errorf("items with %s: %w", searcher, ErrNoItem)
	}
	return nil
}
