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

	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/prio"
)

// SlotFreeLocked returns true if no task or ceiling uses priority p.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) SlotFreeLocked(p prio.Priority) bool {
	return k.slots[p] == slotFree
}

// ReserveLocked reserves priority p for a mutex ceiling. It returns false if
// p is already in use.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) ReserveLocked(p prio.Priority) bool {
	if k.slots[p] != slotFree {
		return false
	}
	k.slots[p] = slotReserved
	return true
}

// FreeSlotLocked releases a priority reserved with ReserveLocked. No task may
// be boosted to p.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) FreeSlotLocked(p prio.Priority) {
	if k.slots[p] != slotReserved {
		panic(fmt.Sprintf("freeing priority %d which is not a reserved ceiling (slot %d)", p, k.slots[p]))
	}
	k.slots[p] = slotFree
}

// BoostLocked promotes t to ceiling c. t's priority becomes the most urgent of
// its ceilings, wherever t resides: the ready bitmap, a wait list or the
// delayed set.
//
// Preconditions: k.mu must be locked; c must be reserved with ReserveLocked.
func (k *Kernel) BoostLocked(t *Task, c prio.Priority) {
	t.boosts.Add(c)
	k.setPriorityLocked(t, effectivePriority(t))
}

// UnboostLocked drops ceiling c from t. If t has no other ceiling it returns
// to its original priority.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) UnboostLocked(t *Task, c prio.Priority) {
	t.boosts.Remove(c)
	k.setPriorityLocked(t, effectivePriority(t))
}

// BoostedLocked returns true if t has been promoted to ceiling c.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) BoostedLocked(t *Task, c prio.Priority) bool {
	return t.boosts.Contains(c)
}

// effectivePriority returns the most urgent ceiling held by t, or its
// original priority.
func effectivePriority(t *Task) prio.Priority {
	if p, ok := t.boosts.Highest(); ok {
		return p
	}
	return t.origPrio
}

// setPriorityLocked moves t to priority p, updating the slot table and
// whichever bitmap holds t.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) setPriorityLocked(t *Task, p prio.Priority) {
	old := t.prio
	if old == p {
		return
	}
	switch {
	case t.stat == TaskReady:
		k.ready.Clear(t.coords)
	case t.waitingOn != nil:
		t.waitingOn.bm.Clear(t.coords)
	}
	if old != t.origPrio {
		k.slots[old] = slotReserved
	}
	if p != t.origPrio {
		if k.slots[p] != slotReserved {
			panic(fmt.Sprintf("boosting %s to priority %d which is not a free ceiling (slot %d)", t, p, k.slots[p]))
		}
		k.slots[p] = t.id.Index
	}
	t.prio = p
	t.coords = prio.CoordsOf(p)
	switch {
	case t.stat == TaskReady:
		k.ready.Set(t.coords)
	case t.waitingOn != nil:
		t.waitingOn.bm.Set(t.coords)
	}
	log.Debugf("Tick %d: task %s priority %d -> %d", k.now, t, old, p)
	if k.observer != nil {
		k.observer.PriorityChange(k.now, t.infoLocked(), old)
	}
}
