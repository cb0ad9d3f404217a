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

	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/prio"
)

// TaskID identifies a task. Gen distinguishes tasks that reuse the same
// index, so an ID held after its task exits becomes stale.
type TaskID struct {
	Index int32
	Gen   uint32
}

// NoTask is the zero TaskID. No task ever has it.
var NoTask TaskID

// String implements fmt.Stringer.
func (id TaskID) String() string {
	if id == NoTask {
		return "none"
	}
	return fmt.Sprintf("%d.%d", id.Index, id.Gen)
}

// TaskStatus is the scheduling state of a task.
type TaskStatus uint8

// Task states.
const (
	TaskReady TaskStatus = iota
	TaskPending
	TaskDelayed
	TaskExited
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskPending:
		return "pending"
	case TaskDelayed:
		return "delayed"
	case TaskExited:
		return "exited"
	default:
		return fmt.Sprintf("TaskStatus(%d)", s)
	}
}

// PendStatus is the outcome of a wait.
type PendStatus uint8

// Wait outcomes.
const (
	PendOK PendStatus = iota
	PendTimeout
	PendAbort
)

// String implements fmt.Stringer.
func (s PendStatus) String() string {
	switch s {
	case PendOK:
		return "ok"
	case PendTimeout:
		return "timeout"
	case PendAbort:
		return "abort"
	default:
		return fmt.Sprintf("PendStatus(%d)", s)
	}
}

// Task is a task control record.
type Task struct {
	k *Kernel

	// id, name, origPrio and fn are immutable.
	id       TaskID
	name     string
	origPrio prio.Priority
	fn       func(*Kernel)

	// prio is the current priority and coords its bitmap coordinates.
	//
	// +checklocks:k.mu
	prio prio.Priority
	// +checklocks:k.mu
	coords prio.Coords

	// boosts holds the ceilings the task has been promoted to. The current
	// priority is the most urgent of them, or origPrio if there are none.
	//
	// +checklocks:k.mu
	boosts prio.Bitmap

	// +checklocks:k.mu
	stat TaskStatus

	// pend is the outcome of the last wait.
	//
	// +checklocks:k.mu
	pend PendStatus

	// deadline is the tick at which an armed timeout fires, or 0.
	//
	// +checklocks:k.mu
	deadline uint64

	// waitingOn is the wait list holding the task while it pends.
	//
	// +checklocks:k.mu
	waitingOn *WaitList

	// wake receives the CPU token.
	wake chan struct{}
}

// ID returns the task ID.
func (t *Task) ID() TaskID {
	return t.id
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// OrigPriority returns the priority the task was created with.
func (t *Task) OrigPriority() prio.Priority {
	return t.origPrio
}

// PriorityLocked returns the current priority.
//
// Preconditions: the kernel lock must be held.
func (t *Task) PriorityLocked() prio.Priority {
	return t.prio
}

// CoordsLocked returns the bitmap coordinates of the current priority.
//
// Preconditions: the kernel lock must be held.
func (t *Task) CoordsLocked() prio.Coords {
	return t.coords
}

// StatusLocked returns the scheduling state.
//
// Preconditions: the kernel lock must be held.
func (t *Task) StatusLocked() TaskStatus {
	return t.stat
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.origPrio)
}

// TaskInfo is a snapshot of a task.
type TaskInfo struct {
	ID           TaskID
	Name         string
	Priority     prio.Priority
	OrigPriority prio.Priority
	Status       TaskStatus
	Idle         bool
}

// infoLocked returns a snapshot of t. A nil t yields the zero TaskInfo.
//
// Preconditions: the kernel lock must be held.
func (t *Task) infoLocked() TaskInfo {
	if t == nil {
		return TaskInfo{}
	}
	return TaskInfo{
		ID:           t.id,
		Name:         t.name,
		Priority:     t.prio,
		OrigPriority: t.origPrio,
		Status:       t.stat,
		Idle:         t == t.k.idle,
	}
}

// CreateTask creates a ready task running fn at priority p. It may be called
// before Start or by the running task, in which case the new task preempts
// the caller if it is more urgent.
func (k *Kernel) CreateTask(name string, p prio.Priority, fn func(*Kernel)) (TaskID, error) {
	k.mu.Lock()
	id, err := k.createTaskLocked(name, p, fn)
	if err == nil {
		k.RescheduleLocked()
	}
	k.mu.Unlock()
	return id, err
}

// Preconditions: k.mu must be locked.
func (k *Kernel) createTaskLocked(name string, p prio.Priority, fn func(*Kernel)) (TaskID, error) {
	if k.intNesting > 0 {
		return NoTask, rterr.ErrCreateFromInterrupt
	}
	if p >= k.cfg.LowestPriority {
		return NoTask, rterr.ErrInvalidPriority
	}
	if k.slots[p] != slotFree {
		return NoTask, rterr.ErrPriorityExists
	}
	if k.live >= k.cfg.MaxTasks {
		return NoTask, rterr.ErrTooManyTasks
	}
	t := k.newTaskLocked(name, p, fn)
	k.live++
	log.Debugf("Task %s created with ID %s", t, t.id)
	return t.id, nil
}

// newTaskLocked allocates a task, makes it ready and starts its goroutine.
//
// Preconditions: k.mu must be locked and slot p must be free.
func (k *Kernel) newTaskLocked(name string, p prio.Priority, fn func(*Kernel)) *Task {
	t := &Task{
		k:        k,
		name:     name,
		origPrio: p,
		fn:       fn,
		prio:     p,
		coords:   prio.CoordsOf(p),
		stat:     TaskReady,
		wake:     make(chan struct{}, 1),
	}
	t.id = k.allocIDLocked(t)
	k.slots[p] = t.id.Index
	k.ready.Set(t.coords)
	go k.run(t)
	return t
}

// allocIDLocked stores t in the task table, reusing the index of an exited
// task when possible.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) allocIDLocked(t *Task) TaskID {
	for i, old := range k.tasks {
		if old.stat == TaskExited {
			k.tasks[i] = t
			return TaskID{Index: int32(i), Gen: old.id.Gen + 1}
		}
	}
	k.tasks = append(k.tasks, t)
	return TaskID{Index: int32(len(k.tasks) - 1), Gen: 1}
}

// run is the task goroutine.
func (k *Kernel) run(t *Task) {
	k.park(t)
	k.mu.Lock()
	if k.halted {
		k.abandonCPULocked()
	}
	k.mu.Unlock()

	t.fn(k)

	k.mu.Lock()
	if k.halted {
		k.mu.Unlock()
		return
	}
	k.exitLocked(t)
	next := k.HighestReadyLocked()
	k.handOffLocked(t, next)
	k.mu.Unlock()
}

// exitLocked retires t, which must be the running task.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) exitLocked(t *Task) {
	for _, fn := range k.exitHooks {
		fn(t)
	}
	if k.lockNesting > 0 {
		log.Warningf("Task %s exited with the scheduler locked; unlocking", t)
		k.lockNesting = 0
	}
	k.ready.Clear(t.coords)
	if t.prio != t.origPrio {
		k.slots[t.prio] = slotReserved
	}
	k.slots[t.origPrio] = slotFree
	t.boosts.Reset()
	t.stat = TaskExited
	k.live--
	log.Debugf("Task %s exited at tick %d", t, k.now)
}

// TaskLocked returns the live task identified by id, or nil if id is stale or
// the task has exited.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) TaskLocked(id TaskID) *Task {
	if id.Index < 0 || int(id.Index) >= len(k.tasks) {
		return nil
	}
	t := k.tasks[id.Index]
	if t.id != id || t.stat == TaskExited {
		return nil
	}
	return t
}

// TaskInfo returns a snapshot of the task identified by id.
func (k *Kernel) TaskInfo(id TaskID) (TaskInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.TaskLocked(id)
	if t == nil {
		return TaskInfo{}, false
	}
	return t.infoLocked(), true
}

// Tasks returns snapshots of all live tasks, including the idle task, in
// index order.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []TaskInfo
	for _, t := range k.tasks {
		if t.stat != TaskExited {
			out = append(out, t.infoLocked())
		}
	}
	return out
}

// CurrentLocked returns the running task, or nil before Start.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) CurrentLocked() *Task {
	return k.cur
}

// Current returns a snapshot of the running task.
func (k *Kernel) Current() TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cur.infoLocked()
}

// Self returns the ID of the running task.
func (k *Kernel) Self() TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cur == nil {
		return NoTask
	}
	return k.cur.id
}
