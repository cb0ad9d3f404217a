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

// CPU scheduling.

import (
	"fmt"
	"runtime"

	"gvisor.dev/rtkernel/pkg/log"
)

// maxLockNesting bounds the scheduler lock nesting depth.
const maxLockNesting = 255

// ReadyInsertLocked marks t runnable at its current priority.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) ReadyInsertLocked(t *Task) {
	k.ready.Set(t.coords)
}

// ReadyRemoveLocked marks t not runnable.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) ReadyRemoveLocked(t *Task) {
	k.ready.Clear(t.coords)
}

// HighestReadyLocked returns the most urgent runnable task. The idle task is
// always runnable, so the result is never nil once the kernel is built.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) HighestReadyLocked() *Task {
	p, ok := k.ready.Highest()
	if !ok {
		panic("ready bitmap is empty")
	}
	idx := k.slots[p]
	if idx < 0 {
		panic(fmt.Sprintf("ready priority %d has no task in the slot table", p))
	}
	return k.tasks[idx]
}

// RescheduleLocked switches to the most urgent runnable task if it is not the
// running one. It does nothing in interrupt context, with the scheduler
// locked, before Start or after the kernel halts. If a switch happens, RescheduleLocked returns once
// the caller is dispatched again, with k.mu locked.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) RescheduleLocked() {
	if k.intNesting > 0 || k.lockNesting > 0 || k.cur == nil || k.halted {
		return
	}
	next := k.HighestReadyLocked()
	if next == k.cur {
		return
	}
	k.switchLocked(next)
}

// Reschedule is the unlocked variant of RescheduleLocked.
func (k *Kernel) Reschedule() {
	k.mu.Lock()
	k.RescheduleLocked()
	k.mu.Unlock()
}

// switchLocked hands the CPU to next and parks the running task until it is
// dispatched again.
//
// Preconditions: k.mu must be locked; the caller runs on k.cur's goroutine.
func (k *Kernel) switchLocked(next *Task) {
	prev := k.cur
	k.handOffLocked(prev, next)
	k.mu.Unlock()
	k.park(prev)
	k.mu.Lock()
	if k.halted {
		k.abandonCPULocked()
	}
}

// handOffLocked makes next the running task and signals its goroutine.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) handOffLocked(prev, next *Task) {
	k.cur = next
	k.switches++
	contextSwitches.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("Tick %d: switch %s -> %s", k.now, prev, next)
	}
	if k.observer != nil {
		k.observer.ContextSwitch(k.now, prev.infoLocked(), next.infoLocked())
	}
	next.wake <- struct{}{}
}

// park blocks the goroutine of t until t is dispatched. If the kernel halts
// first, the goroutine exits.
func (k *Kernel) park(t *Task) {
	select {
	case <-t.wake:
	case <-k.stopped:
		runtime.Goexit()
	}
}

// SchedLock disables preemption until the matching SchedUnlock. Calls nest.
// It has no effect in interrupt context.
func (k *Kernel) SchedLock() {
	k.mu.Lock()
	if k.intNesting == 0 && k.lockNesting < maxLockNesting {
		k.lockNesting++
	}
	k.mu.Unlock()
}

// SchedUnlock undoes one SchedLock. Unlocking the outermost level
// reschedules.
func (k *Kernel) SchedUnlock() {
	k.mu.Lock()
	if k.intNesting == 0 && k.lockNesting > 0 {
		k.lockNesting--
		if k.lockNesting == 0 {
			k.RescheduleLocked()
		}
	}
	k.mu.Unlock()
}

// LockNestingLocked returns the scheduler lock nesting depth.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) LockNestingLocked() int {
	return k.lockNesting
}

// IntNestingLocked returns the interrupt nesting depth.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) IntNestingLocked() int {
	return k.intNesting
}

// Interrupt runs fn in interrupt context and then performs the interrupt
// exit reschedule. Once the kernel runs, Interrupt must be called from the
// running task, which plays the role of the interrupted CPU.
func (k *Kernel) Interrupt(fn func()) {
	k.mu.Lock()
	k.intNesting++
	k.mu.Unlock()

	fn()

	k.mu.Lock()
	k.intNesting--
	k.RescheduleLocked()
	k.mu.Unlock()
}
