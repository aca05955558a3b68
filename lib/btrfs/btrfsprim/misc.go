// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"time"
)

type Generation uint64

// An INum is an inode number; unique within a tree, but not across
// trees.
type INum = ObjID

type Time struct {
	Sec  int64  // Number of seconds since 1970-01-01T00:00:00Z.
	NSec uint32 // Number of nanoseconds since the beginning of the second.
}

func (t Time) ToStd() time.Time {
	return time.Unix(t.Sec, int64(t.NSec))
}
