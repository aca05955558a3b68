// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"fmt"

	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-backref/lib/btrfs/btrfstree"
)

// A ForrestDump is the JSON representation of a MemForrest: the
// superblock plus every node.  Item bodies are a tagged union of
// pointer fields, exactly one of which is set (none, for the all-key
// backref item types).
type ForrestDump struct {
	Superblock btrfstree.Superblock
	Nodes      []DumpNode
}

type DumpNode struct {
	Head        btrfstree.NodeHeader
	KeyPointers []btrfstree.KeyPointer `json:",omitempty"` // level > 0
	Items       []DumpItem             `json:",omitempty"` // level == 0
}

type DumpItem struct {
	Key btrfsprim.Key

	Extent        *DumpExtent              `json:",omitempty"`
	Metadata      *DumpExtent              `json:",omitempty"`
	FileExtent    *btrfsitem.FileExtent    `json:",omitempty"`
	ExtentDataRef *btrfsitem.ExtentDataRef `json:",omitempty"`
	SharedDataRef *btrfsitem.SharedDataRef `json:",omitempty"`
	InodeRefs     *btrfsitem.InodeRefs     `json:",omitempty"`
	InodeExtrefs  *btrfsitem.InodeExtrefs  `json:",omitempty"`
	Root          *btrfsitem.Root          `json:",omitempty"`
}

type DumpExtent struct {
	Head btrfsitem.ExtentHeader
	Info btrfsitem.TreeBlockInfo
	Refs []DumpInlineRef
}

type DumpInlineRef struct {
	Type    btrfsprim.ItemType
	Offset  uint64                   `json:",omitempty"`
	DataRef *btrfsitem.ExtentDataRef `json:",omitempty"`
	Shared  *btrfsitem.SharedDataRef `json:",omitempty"`
}

// DumpForrest flattens a MemForrest into its JSON representation.
func DumpForrest(f *MemForrest) (ForrestDump, error) {
	dump := ForrestDump{Superblock: f.SB}
	for _, addr := range f.NodeAddrs() {
		node := f.nodes[addr]
		dn := DumpNode{Head: node.Head}
		if node.Head.Level > 0 {
			dn.KeyPointers = node.BodyInterior
		} else {
			for _, item := range node.BodyLeaf {
				di, err := dumpItemOf(item)
				if err != nil {
					return ForrestDump{}, fmt.Errorf("node@%v: %w", addr, err)
				}
				dn.Items = append(dn.Items, di)
			}
		}
		dump.Nodes = append(dump.Nodes, dn)
	}
	return dump, nil
}

// Forrest inflates the JSON representation back into a usable
// MemForrest.
func (dump ForrestDump) Forrest() (*MemForrest, error) {
	f := NewMemForrest(dump.Superblock)
	for _, dn := range dump.Nodes {
		node := &btrfstree.Node{Head: dn.Head}
		if dn.Head.Level > 0 {
			node.BodyInterior = append([]btrfstree.KeyPointer(nil), dn.KeyPointers...)
		} else {
			for _, di := range dn.Items {
				item, err := di.item()
				if err != nil {
					return nil, fmt.Errorf("node@%v: %w", dn.Head.Addr, err)
				}
				node.BodyLeaf = append(node.BodyLeaf, item)
			}
		}
		f.AddNode(node)
	}
	return f, nil
}

func dumpItemOf(item btrfstree.Item) (DumpItem, error) {
	ret := DumpItem{Key: item.Key}
	switch body := item.Body.(type) {
	case *btrfsitem.Extent:
		ret.Extent = &DumpExtent{Head: body.Head, Info: body.Info, Refs: dumpInlineRefs(body.Refs)}
	case *btrfsitem.Metadata:
		ret.Metadata = &DumpExtent{Head: body.Head, Refs: dumpInlineRefs(body.Refs)}
	case *btrfsitem.FileExtent:
		ret.FileExtent = body
	case *btrfsitem.ExtentDataRef:
		ret.ExtentDataRef = body
	case *btrfsitem.SharedDataRef:
		ret.SharedDataRef = body
	case *btrfsitem.InodeRefs:
		ret.InodeRefs = body
	case *btrfsitem.InodeExtrefs:
		ret.InodeExtrefs = body
	case *btrfsitem.Root:
		ret.Root = body
	case *btrfsitem.Empty:
		// all-key item; no body to record
	default:
		return ret, fmt.Errorf("cannot dump %v item %v", item.Key.ItemType, item.Key)
	}
	return ret, nil
}

func dumpInlineRefs(refs []btrfsitem.ExtentInlineRef) []DumpInlineRef {
	ret := make([]DumpInlineRef, len(refs))
	for i, ref := range refs {
		ret[i] = DumpInlineRef{Type: ref.Type, Offset: ref.Offset}
		switch body := ref.Body.(type) {
		case *btrfsitem.ExtentDataRef:
			ret[i].DataRef = body
		case *btrfsitem.SharedDataRef:
			ret[i].Shared = body
		}
	}
	return ret
}

func (di DumpItem) item() (btrfstree.Item, error) {
	ret := btrfstree.Item{Key: di.Key}
	switch {
	case di.Extent != nil:
		ret.Body = &btrfsitem.Extent{
			Head: di.Extent.Head,
			Info: di.Extent.Info,
			Refs: inflateInlineRefs(di.Extent.Refs),
		}
	case di.Metadata != nil:
		ret.Body = &btrfsitem.Metadata{
			Head: di.Metadata.Head,
			Refs: inflateInlineRefs(di.Metadata.Refs),
		}
	case di.FileExtent != nil:
		ret.Body = di.FileExtent
	case di.ExtentDataRef != nil:
		ret.Body = di.ExtentDataRef
	case di.SharedDataRef != nil:
		ret.Body = di.SharedDataRef
	case di.InodeRefs != nil:
		ret.Body = di.InodeRefs
	case di.InodeExtrefs != nil:
		ret.Body = di.InodeExtrefs
	case di.Root != nil:
		ret.Body = di.Root
	case di.Key.ItemType == btrfsprim.TREE_BLOCK_REF_KEY,
		di.Key.ItemType == btrfsprim.SHARED_BLOCK_REF_KEY:
		// pool-backed zero body for the all-key item types
		body, ok := btrfsitem.NewItem(di.Key.ItemType)
		if !ok {
			return ret, fmt.Errorf("item %v has no body", di.Key)
		}
		ret.Body = body
	default:
		return ret, fmt.Errorf("item %v has no body", di.Key)
	}
	return ret, nil
}

func inflateInlineRefs(refs []DumpInlineRef) []btrfsitem.ExtentInlineRef {
	ret := make([]btrfsitem.ExtentInlineRef, len(refs))
	for i, ref := range refs {
		ret[i] = btrfsitem.ExtentInlineRef{Type: ref.Type, Offset: ref.Offset}
		switch {
		case ref.DataRef != nil:
			ret[i].Body = ref.DataRef
		case ref.Shared != nil:
			ret[i].Body = ref.Shared
		}
	}
	return ret
}
