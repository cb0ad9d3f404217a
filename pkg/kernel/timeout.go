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
	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/log"
)

// timeoutEntry is an armed timeout in the timeout queue.
type timeoutEntry struct {
	deadline uint64
	index    int32
}

func (a timeoutEntry) less(b timeoutEntry) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.index < b.index
}

// armLocked arms a timeout firing ticks from now.
//
// Preconditions: k.mu must be locked; ticks > 0.
func (k *Kernel) armLocked(t *Task, ticks uint32) {
	k.disarmLocked(t)
	t.deadline = k.now + uint64(ticks)
	k.timeouts.ReplaceOrInsert(timeoutEntry{deadline: t.deadline, index: t.id.Index})
}

// disarmLocked cancels t's timeout, if any.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) disarmLocked(t *Task) {
	if t.deadline == 0 {
		return
	}
	k.timeouts.Delete(timeoutEntry{deadline: t.deadline, index: t.id.Index})
	t.deadline = 0
}

// expireLocked readies every task whose timeout is due. A task pending on a
// wait list is removed from it and resumes with PendTimeout.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) expireLocked() {
	for {
		e, ok := k.timeouts.Min()
		if !ok || e.deadline > k.now {
			return
		}
		k.timeouts.Delete(e)
		t := k.tasks[e.index]
		t.deadline = 0
		if wl := t.waitingOn; wl != nil {
			wl.bm.Clear(t.coords)
			t.waitingOn = nil
			t.pend = PendTimeout
			log.Debugf("Tick %d: task %s timed out", k.now, t)
		}
		t.stat = TaskReady
		k.ready.Set(t.coords)
	}
}

// Tick is the tick interrupt. It advances the clock, expires due timeouts and
// reschedules on interrupt exit, which may preempt the caller. Once the kernel
// runs, Tick must be called from the running task.
func (k *Kernel) Tick() {
	k.mu.Lock()
	if k.halted && k.cur != nil {
		k.abandonCPULocked()
	}
	k.intNesting++
	k.now++
	k.expireLocked()
	if k.observer != nil {
		k.observer.Tick(k.now, k.cur.infoLocked())
	}
	if k.cfg.TickLimit != 0 && k.now >= k.cfg.TickLimit && k.cur != nil {
		k.haltLocked(rterr.ErrTickLimit)
		k.abandonCPULocked()
	}
	k.intNesting--
	k.RescheduleLocked()
	k.mu.Unlock()
}

// Spin consumes n ticks of CPU time on behalf of the running task. The task
// may be preempted at every tick.
func (k *Kernel) Spin(n uint32) {
	for i := uint32(0); i < n; i++ {
		k.Tick()
	}
}

// Delay suspends the running task for ticks ticks. A zero delay returns
// immediately.
func (k *Kernel) Delay(ticks uint32) error {
	k.mu.Lock()
	if k.intNesting > 0 {
		k.mu.Unlock()
		return rterr.ErrDelayFromInterrupt
	}
	if k.lockNesting > 0 {
		k.mu.Unlock()
		return rterr.ErrDelayWhileLocked
	}
	t := k.cur
	if t == nil {
		k.mu.Unlock()
		return rterr.ErrNoCurrentTask
	}
	if ticks == 0 {
		k.mu.Unlock()
		return nil
	}
	if k.halted {
		k.abandonCPULocked()
	}
	k.ready.Clear(t.coords)
	t.stat = TaskDelayed
	k.armLocked(t, ticks)
	k.RescheduleLocked()
	k.mu.Unlock()
	return nil
}
