// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsvol contains the types for addressing the logical
// address space of a btrfs volume.
package btrfsvol

import (
	"fmt"

	"git.lukeshu.com/btrfs-backref/lib/fmtutil"
)

type (
	LogicalAddr int64
	AddrDelta   int64
)

func formatAddr(addr int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#016x", addr)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), addr)
	}
}

func (a LogicalAddr) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }
func (d AddrDelta) Format(f fmt.State, verb rune)   { formatAddr(int64(d), f, verb) }

func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta { return AddrDelta(a - b) }

func (a LogicalAddr) Add(b AddrDelta) LogicalAddr { return a + LogicalAddr(b) }
