// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-backref/lib/containers"
)

const defaultNodeCacheSize = 1024

// A CachingNodeSource wraps another NodeSource with an adaptive
// replacement cache keyed by logical address, so that the backref
// walk's repeated visits to the same interior nodes don't re-read
// them from the underlying source.
//
// The cache retains ownership of the nodes it hands out, so this is
// only suitable over sources whose nodes are immutable and whose
// ReleaseNode is a no-op.
type CachingNodeSource struct {
	inner btrfstree.NodeSource
	cache *containers.LRUCache[btrfsvol.LogicalAddr, *btrfstree.Node]
}

var _ btrfstree.NodeSource = (*CachingNodeSource)(nil)

func NewCachingNodeSource(inner btrfstree.NodeSource, size int) *CachingNodeSource {
	if size <= 0 {
		size = defaultNodeCacheSize
	}
	return &CachingNodeSource{
		inner: inner,
		cache: containers.NewLRUCache[btrfsvol.LogicalAddr, *btrfstree.Node](size),
	}
}

// Superblock implements btrfstree.NodeSource.
func (src *CachingNodeSource) Superblock() (*btrfstree.Superblock, error) {
	return src.inner.Superblock()
}

// AcquireNode implements btrfstree.NodeSource.
func (src *CachingNodeSource) AcquireNode(
	ctx context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations,
) (*btrfstree.Node, error) {
	if node, ok := src.cache.Get(addr); ok {
		if err := exp.Check(node); err != nil {
			return node, err
		}
		return node, nil
	}
	node, err := src.inner.AcquireNode(ctx, addr, exp)
	if err != nil {
		return node, err
	}
	src.cache.Add(addr, node)
	return node, nil
}

// ReleaseNode implements btrfstree.NodeSource.
func (src *CachingNodeSource) ReleaseNode(*btrfstree.Node) {}
