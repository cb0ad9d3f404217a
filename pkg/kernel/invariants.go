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

// CheckInvariants verifies that the ready bitmap holds exactly the runnable
// tasks at their current priorities and that the slot table assigns every
// priority to at most one task.
func (k *Kernel) CheckInvariants() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.checkInvariantsLocked()
}

// Preconditions: k.mu must be locked.
func (k *Kernel) checkInvariantsLocked() error {
	ready := 0
	for i, t := range k.tasks {
		if t.stat == TaskExited {
			continue
		}
		if t.id.Index != int32(i) {
			return fmt.Errorf("task %s stored at index %d", t, i)
		}
		if want := effectivePriority(t); t.prio != want {
			return fmt.Errorf("task %s at priority %d, want %d", t, t.prio, want)
		}
		if t.coords != prio.CoordsOf(t.prio) {
			return fmt.Errorf("task %s coordinates %+v do not match priority %d", t, t.coords, t.prio)
		}
		if got := k.slots[t.origPrio]; got != t.id.Index {
			return fmt.Errorf("slot %d holds %d, want task %s", t.origPrio, got, t)
		}
		if got := k.slots[t.prio]; got != t.id.Index {
			return fmt.Errorf("slot %d holds %d, want task %s", t.prio, got, t)
		}
		inReady := k.ready.Has(t.coords)
		switch t.stat {
		case TaskReady:
			if !inReady {
				return fmt.Errorf("ready task %s missing from the ready bitmap", t)
			}
			ready++
		case TaskPending:
			if inReady {
				return fmt.Errorf("pending task %s in the ready bitmap", t)
			}
			if t.waitingOn == nil || !t.waitingOn.bm.Has(t.coords) {
				return fmt.Errorf("pending task %s missing from its wait list", t)
			}
		case TaskDelayed:
			if inReady {
				return fmt.Errorf("delayed task %s in the ready bitmap", t)
			}
			if t.deadline == 0 {
				return fmt.Errorf("delayed task %s has no timeout", t)
			}
		}
	}
	if got := k.ready.Len(); got != ready {
		return fmt.Errorf("ready bitmap has %d members, want %d", got, ready)
	}
	for p, idx := range k.slots {
		if idx < 0 {
			continue
		}
		if int(idx) >= len(k.tasks) {
			return fmt.Errorf("slot %d holds unknown task index %d", p, idx)
		}
		t := k.tasks[idx]
		if t.stat == TaskExited || (int(t.prio) != p && int(t.origPrio) != p) {
			return fmt.Errorf("slot %d holds task %s at priority %d", p, t, t.prio)
		}
	}
	return nil
}
