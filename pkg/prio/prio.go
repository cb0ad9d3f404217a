// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prio provides task priorities and the two-level priority bitmap
// used for the scheduler's ready set and for per-object wait lists.
//
// Lower numbers are more urgent. A Bitmap holds a group mask with one bit per
// group of 16 priorities plus one 16-bit mask per group, so insertion,
// removal and lookup of the most urgent member are all O(1).
package prio

import (
	"fmt"
	"math/bits"
)

// Priority is a task priority. 0 is the most urgent priority.
type Priority uint8

const (
	// Disabled is the sentinel ceiling value of a mutex that does not use
	// priority ceiling promotion. It is never a valid task priority.
	Disabled Priority = 0xFF

	// Lowest is the least urgent priority usable by any task, including the
	// idle task.
	Lowest Priority = Disabled - 1

	// Count is the number of distinct priority values, including Disabled.
	Count = 256

	// groupShift and groupMask split a priority into its (group, bit)
	// coordinates.
	groupShift = 4
	groupMask  = 1<<groupShift - 1

	numGroups = Count >> groupShift
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	if p == Disabled {
		return "disabled"
	}
	return fmt.Sprintf("%d", uint8(p))
}

// Coords are the bitmap coordinates of a priority: the group index Y, the bit
// index X within the group, and the corresponding single-bit masks.
type Coords struct {
	Y    uint8
	X    uint8
	BitY uint16
	BitX uint16
}

// CoordsOf computes the coordinates of p.
func CoordsOf(p Priority) Coords {
	y := uint8(p >> groupShift)
	x := uint8(p & groupMask)
	return Coords{
		Y:    y,
		X:    x,
		BitY: 1 << y,
		BitX: 1 << x,
	}
}

// Priority returns the priority the coordinates were computed from.
func (c Coords) Priority() Priority {
	return Priority(c.Y)<<groupShift | Priority(c.X)
}

// Bitmap is a set of priorities.
//
// The zero value is an empty set.
type Bitmap struct {
	// grp has bit y set iff tbl[y] != 0.
	grp uint16

	// tbl holds one mask per group.
	tbl [numGroups]uint16

	// n is the number of members.
	n int
}

// Set adds the priority at c.
func (b *Bitmap) Set(c Coords) {
	if b.tbl[c.Y]&c.BitX != 0 {
		return
	}
	b.tbl[c.Y] |= c.BitX
	b.grp |= c.BitY
	b.n++
}

// Clear removes the priority at c.
func (b *Bitmap) Clear(c Coords) {
	if b.tbl[c.Y]&c.BitX == 0 {
		return
	}
	b.tbl[c.Y] &^= c.BitX
	if b.tbl[c.Y] == 0 {
		b.grp &^= c.BitY
	}
	b.n--
}

// Has returns true if the priority at c is a member.
func (b *Bitmap) Has(c Coords) bool {
	return b.tbl[c.Y]&c.BitX != 0
}

// Add adds p to the set.
func (b *Bitmap) Add(p Priority) {
	b.Set(CoordsOf(p))
}

// Remove removes p from the set.
func (b *Bitmap) Remove(p Priority) {
	b.Clear(CoordsOf(p))
}

// Contains returns true if p is in the set.
func (b *Bitmap) Contains(p Priority) bool {
	return b.Has(CoordsOf(p))
}

// IsEmpty returns true if the set has no members.
func (b *Bitmap) IsEmpty() bool {
	return b.grp == 0
}

// Len returns the number of members.
func (b *Bitmap) Len() int {
	return b.n
}

// Highest returns the most urgent (numerically lowest) member. ok is false if
// the set is empty.
func (b *Bitmap) Highest() (p Priority, ok bool) {
	if b.grp == 0 {
		return 0, false
	}
	y := bits.TrailingZeros16(b.grp)
	x := bits.TrailingZeros16(b.tbl[y])
	return Priority(y<<groupShift | x), true
}

// Group returns the group mask.
func (b *Bitmap) Group() uint16 {
	return b.grp
}

// Table returns a copy of the per-group masks.
func (b *Bitmap) Table() [numGroups]uint16 {
	return b.tbl
}

// ToSlice returns the members in increasing numeric order, i.e. from the
// most to the least urgent.
func (b *Bitmap) ToSlice() []Priority {
	s := make([]Priority, 0, b.n)
	grp := b.grp
	for grp != 0 {
		y := bits.TrailingZeros16(grp)
		grp &^= 1 << y
		row := b.tbl[y]
		for row != 0 {
			x := bits.TrailingZeros16(row)
			row &^= 1 << x
			s = append(s, Priority(y<<groupShift|x))
		}
	}
	return s
}

// Reset empties the set.
func (b *Bitmap) Reset() {
	*b = Bitmap{}
}
