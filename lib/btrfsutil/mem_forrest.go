// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/maps"
)

// A MemForrest is a NodeSource backed entirely by nodes registered in
// memory; trees resolve through the registered superblock and
// root-tree items just as they would against a real filesystem.  It
// backs the tests and the CLI's JSON forrest dumps.
//
// A MemForrest must be fully populated before use; it is read-only
// (and therefore safe for concurrent use) afterward.
type MemForrest struct {
	SB    btrfstree.Superblock
	nodes map[btrfsvol.LogicalAddr]*btrfstree.Node
}

var _ btrfstree.NodeSource = (*MemForrest)(nil)

func NewMemForrest(sb btrfstree.Superblock) *MemForrest {
	return &MemForrest{
		SB:    sb,
		nodes: make(map[btrfsvol.LogicalAddr]*btrfstree.Node),
	}
}

// AddNode registers a node under its header address, replacing any
// previous node at that address.
func (f *MemForrest) AddNode(node *btrfstree.Node) {
	node.Size = f.SB.NodeSize
	if node.Head.Level > 0 {
		node.Head.NumItems = uint32(len(node.BodyInterior))
	} else {
		node.Head.NumItems = uint32(len(node.BodyLeaf))
	}
	f.nodes[node.Head.Addr] = node
}

// NodeAddrs returns the addresses of all registered nodes, sorted.
func (f *MemForrest) NodeAddrs() []btrfsvol.LogicalAddr {
	return maps.SortedKeys(f.nodes)
}

// Superblock implements btrfstree.NodeSource.
func (f *MemForrest) Superblock() (*btrfstree.Superblock, error) {
	return &f.SB, nil
}

// AcquireNode implements btrfstree.NodeSource.
func (f *MemForrest) AcquireNode(
	_ context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations,
) (*btrfstree.Node, error) {
	node, ok := f.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("node@%v: %w", addr, btrfstree.ErrNoNode)
	}
	if err := exp.Check(node); err != nil {
		return node, fmt.Errorf("node@%v: %w", addr, err)
	}
	return node, nil
}

// ReleaseNode implements btrfstree.NodeSource; MemForrest nodes live
// for the life of the forrest, so this is a no-op.
func (f *MemForrest) ReleaseNode(*btrfstree.Node) {}

// TreeOperator returns the forrest's btree-operations facade.
func (f *MemForrest) TreeOperator() btrfstree.TreeOperatorImpl {
	return btrfstree.TreeOperatorImpl{NodeSource: f}
}
