// Copyright 2018 The gVisor Authors.
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

package kernel

import (
	"fmt"

	"gvisor.dev/rtkernel/pkg/prio"
)

// WaitList is a set of tasks blocked on a kernel object, ordered by current
// priority. It has the same two-level layout as the ready bitmap.
//
// The zero value is an empty wait list. A WaitList is protected by the kernel
// lock of the kernel whose tasks it holds.
type WaitList struct {
	bm prio.Bitmap
}

// Empty returns true if no task waits.
func (wl *WaitList) Empty() bool {
	return wl.bm.IsEmpty()
}

// Len returns the number of waiting tasks.
func (wl *WaitList) Len() int {
	return wl.bm.Len()
}

// Group returns the group mask of the wait list.
func (wl *WaitList) Group() uint16 {
	return wl.bm.Group()
}

// Table returns a copy of the per-group masks of the wait list.
func (wl *WaitList) Table() [16]uint16 {
	return wl.bm.Table()
}

// Priorities returns the priorities of the waiting tasks, most urgent first.
func (wl *WaitList) Priorities() []prio.Priority {
	return wl.bm.ToSlice()
}

// ContainsLocked returns true if t waits on wl.
//
// Preconditions: the kernel lock must be held.
func (wl *WaitList) ContainsLocked(t *Task) bool {
	return t.waitingOn == wl && wl.bm.Has(t.coords)
}

// PendLocked blocks the running task on wl until it is woken with WakeLocked
// or, if timeout is non-zero, until timeout ticks elapse. It returns with
// k.mu locked and the task ready.
//
// Preconditions: k.mu must be locked; the caller must be the running task,
// outside interrupt context, with the scheduler unlocked.
func (k *Kernel) PendLocked(wl *WaitList, timeout uint32) PendStatus {
	t := k.cur
	if t == nil || k.intNesting > 0 || k.lockNesting > 0 {
		panic(fmt.Sprintf("PendLocked called with task %v, interrupt nesting %d, lock nesting %d", t, k.intNesting, k.lockNesting))
	}
	if k.halted {
		k.abandonCPULocked()
	}
	k.ready.Clear(t.coords)
	t.stat = TaskPending
	t.pend = PendOK
	t.waitingOn = wl
	wl.bm.Set(t.coords)
	if timeout > 0 {
		k.armLocked(t, timeout)
	}

	k.RescheduleLocked()

	st := t.pend
	t.pend = PendOK
	t.waitingOn = nil
	return st
}

// WakeLocked readies the most urgent task waiting on wl with status st and
// returns it, or returns nil if wl is empty. It does not reschedule.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) WakeLocked(wl *WaitList, st PendStatus) *Task {
	p, ok := wl.bm.Highest()
	if !ok {
		return nil
	}
	idx := k.slots[p]
	if idx < 0 {
		panic(fmt.Sprintf("waiting priority %d has no task in the slot table", p))
	}
	t := k.tasks[idx]
	if t.waitingOn != wl || t.prio != p {
		panic(fmt.Sprintf("task %s at priority %d is not waiting on this list", t, t.prio))
	}
	wl.bm.Clear(t.coords)
	t.waitingOn = nil
	k.disarmLocked(t)
	t.pend = st
	t.stat = TaskReady
	k.ready.Set(t.coords)
	return t
}
