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

// Package mutex implements priority-ceiling mutexes on top of the kernel
// scheduler.
//
// A mutex with an enabled ceiling reserves the ceiling priority in the
// kernel's slot table. Its owner is promoted to the ceiling as soon as it
// takes the mutex, and a contender that is more urgent than the owner's
// original priority promotes an owner that is not there yet. Release hands
// the mutex to the most urgent waiter.
//
// All state is protected by the kernel lock.
package mutex

import (
	"fmt"
	"time"

	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/kernel"
	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/metric"
	"gvisor.dev/rtkernel/pkg/prio"
)

// violationLogInterval bounds how often ceiling violations are logged.
const violationLogInterval = time.Second

var (
	acquireResults = metric.MustCreateNewUint64Metric("/mutex/acquire", "Mutex acquisitions by outcome.",
		metric.NewField("result", []string{"immediate", "blocked", "timeout", "aborted"}))
	ceilingViolations = metric.MustCreateNewUint64Metric("/mutex/ceiling_violations", "Mutexes taken by a task not less urgent than the ceiling.")
	promotions        = metric.MustCreateNewUint64Metric("/mutex/promotions", "Owners promoted to the ceiling by a contender.")
)

// DeleteOption selects the behavior of Delete when tasks wait on the mutex.
type DeleteOption int

const (
	// DeleteNoPend deletes the mutex only if no task waits on it.
	DeleteNoPend DeleteOption = iota

	// DeleteAlways deletes the mutex and readies every waiter with an
	// aborted status.
	DeleteAlways
)

// Handle identifies a mutex. The zero Handle is never valid, and a Handle
// becomes stale once its mutex is deleted.
type Handle struct {
	index int32
	gen   uint32
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("mutex %d.%d", h.index, h.gen)
}

// Mutex is a mutex control block.
type Mutex struct {
	// gen is incremented every time the block is allocated.
	gen   uint32
	inUse bool

	// nextFree links free blocks.
	nextFree int32

	name string

	// ceiling is prio.Disabled or a reserved priority. Immutable while in
	// use.
	ceiling prio.Priority

	// owner is the owning task or kernel.NoTask.
	owner kernel.TaskID

	// ownerSaved is the original priority of the owner, or prio.Disabled
	// if the mutex is available.
	ownerSaved prio.Priority

	// waiters holds the tasks blocked on the mutex.
	waiters kernel.WaitList
}

// available returns true if the mutex has no owner.
func (mu *Mutex) available() bool {
	return mu.ownerSaved == prio.Disabled
}

// Manager owns the mutex control blocks of a kernel.
type Manager struct {
	k *kernel.Kernel

	// blocks is a fixed pool; its backing array never moves, so the wait
	// lists inside it may be referenced by tasks.
	//
	// +checklocks:k.mu
	blocks []Mutex

	// freeHead is the first free block, or -1.
	//
	// +checklocks:k.mu
	freeHead int32

	// violations rate limits ceiling violation warnings.
	violations log.Logger
}

// NewManager returns a Manager with a pool of k.Config().MaxMutexes control
// blocks.
func NewManager(k *kernel.Kernel) *Manager {
	n := k.Config().MaxMutexes
	m := &Manager{
		k:          k,
		blocks:     make([]Mutex, n),
		freeHead:   -1,
		violations: log.BasicRateLimitedLogger(violationLogInterval),
	}
	for i := n - 1; i >= 0; i-- {
		m.blocks[i].nextFree = m.freeHead
		m.blocks[i].ownerSaved = prio.Disabled
		m.freeHead = int32(i)
	}
	k.AddExitHook(m.taskExitedLocked)
	return m
}

// lookupLocked returns the mutex identified by h, or nil if h is invalid or
// stale.
//
// Preconditions: the kernel lock must be held.
func (m *Manager) lookupLocked(h Handle) *Mutex {
	if h.index < 0 || int(h.index) >= len(m.blocks) {
		return nil
	}
	mu := &m.blocks[h.index]
	if !mu.inUse || mu.gen != h.gen {
		return nil
	}
	return mu
}

// Create creates a mutex with the given ceiling, which is either
// prio.Disabled or a free priority more urgent than the idle task.
func (m *Manager) Create(ceiling prio.Priority) (Handle, error) {
	return m.CreateNamed("", ceiling)
}

// CreateNamed is like Create and attaches a name reported by Query.
func (m *Manager) CreateNamed(name string, ceiling prio.Priority) (Handle, error) {
	k := m.k
	k.Lock()
	defer k.Unlock()
	if k.IntNestingLocked() > 0 {
		return Handle{}, rterr.ErrCreateFromInterrupt
	}
	if ceiling != prio.Disabled {
		if ceiling >= k.LowestPriority() {
			return Handle{}, rterr.ErrInvalidPriority
		}
		if !k.ReserveLocked(ceiling) {
			return Handle{}, rterr.ErrPriorityCeilingExists
		}
	}
	if m.freeHead < 0 {
		if ceiling != prio.Disabled {
			k.FreeSlotLocked(ceiling)
		}
		return Handle{}, rterr.ErrNoFreeBlocks
	}
	idx := m.freeHead
	mu := &m.blocks[idx]
	m.freeHead = mu.nextFree
	mu.gen++
	mu.inUse = true
	mu.nextFree = -1
	mu.name = name
	mu.ceiling = ceiling
	mu.owner = kernel.NoTask
	mu.ownerSaved = prio.Disabled
	h := Handle{index: idx, gen: mu.gen}
	log.Debugf("Created %s %q with ceiling %v", h, name, ceiling)
	return h, nil
}

// freeLocked releases the ceiling slot of block idx and returns the block to
// the pool.
//
// Preconditions: the kernel lock must be held; no task waits on the block
// and no task is boosted to its ceiling.
func (m *Manager) freeLocked(idx int32) {
	mu := &m.blocks[idx]
	if mu.ceiling != prio.Disabled {
		m.k.FreeSlotLocked(mu.ceiling)
	}
	*mu = Mutex{
		gen:        mu.gen,
		nextFree:   m.freeHead,
		ownerSaved: prio.Disabled,
		ceiling:    prio.Disabled,
	}
	m.freeHead = idx
}

// takeLocked makes t the owner of mu. If boost is set, t is promoted to an
// enabled ceiling. It returns true if t is not less urgent than the ceiling.
//
// Preconditions: the kernel lock must be held; mu must be available.
func (m *Manager) takeLocked(mu *Mutex, t *kernel.Task, boost bool) bool {
	mu.owner = t.ID()
	mu.ownerSaved = t.OrigPriority()
	if mu.ceiling == prio.Disabled {
		return false
	}
	violated := t.OrigPriority() <= mu.ceiling
	if violated {
		ceilingViolations.Increment()
		m.violations.Warningf("Task %s took %q with priority %d not lower than its ceiling %d", t, mu.name, t.OrigPriority(), mu.ceiling)
	}
	if boost {
		m.k.BoostLocked(t, mu.ceiling)
	}
	return violated
}

// restoreOwnerLocked drops mu's ceiling from its owner. It returns true if
// the owner's priority changed.
//
// Preconditions: the kernel lock must be held.
func (m *Manager) restoreOwnerLocked(mu *Mutex) bool {
	if mu.ceiling == prio.Disabled {
		return false
	}
	owner := m.k.TaskLocked(mu.owner)
	if owner == nil || !m.k.BoostedLocked(owner, mu.ceiling) {
		return false
	}
	m.k.UnboostLocked(owner, mu.ceiling)
	return true
}

// Acquire takes the mutex, blocking the running task until it is released
// to it, timeout ticks elapse (ErrTimeout) or the mutex is deleted
// (ErrAborted). A zero timeout waits forever. A ceiling violation on a free
// mutex is logged and counted but not returned.
func (m *Manager) Acquire(h Handle, timeout uint32) error {
	m.k.Lock()
	err := m.acquireLocked(h, timeout)
	m.k.Unlock()
	return err
}

// Preconditions: the kernel lock must be held.
func (m *Manager) acquireLocked(h Handle, timeout uint32) error {
	k := m.k
	if k.IntNestingLocked() > 0 {
		return rterr.ErrPendFromInterrupt
	}
	if k.LockNestingLocked() > 0 {
		return rterr.ErrPendWhileLocked
	}
	mu := m.lookupLocked(h)
	if mu == nil {
		return rterr.ErrInvalidHandle
	}
	cur := k.CurrentLocked()
	if cur == nil {
		return rterr.ErrNoCurrentTask
	}
	if mu.owner == cur.ID() {
		return rterr.ErrAlreadyOwner
	}

	if mu.available() {
		m.takeLocked(mu, cur, true)
		acquireResults.Increment("immediate")
		k.RescheduleLocked()
		return nil
	}

	if mu.ceiling != prio.Disabled {
		owner := k.TaskLocked(mu.owner)
		if owner != nil && owner.PriorityLocked() > mu.ceiling && cur.PriorityLocked() < mu.ownerSaved {
			log.Debugf("Task %s promotes owner %s of %q to %d", cur, owner, mu.name, mu.ceiling)
			k.BoostLocked(owner, mu.ceiling)
			promotions.Increment()
		}
	}

	switch k.PendLocked(&mu.waiters, timeout) {
	case kernel.PendOK:
		acquireResults.Increment("blocked")
		return nil
	case kernel.PendTimeout:
		acquireResults.Increment("timeout")
		return rterr.ErrTimeout
	default:
		acquireResults.Increment("aborted")
		return rterr.ErrAborted
	}
}

// TryAcquire takes the mutex if it is available and returns true; otherwise
// it returns false. It never blocks and does not promote the caller. Unlike
// Acquire it reports ErrCeilingViolation, with true, when the caller is not
// less urgent than the ceiling.
func (m *Manager) TryAcquire(h Handle) (bool, error) {
	k := m.k
	k.Lock()
	defer k.Unlock()
	if k.IntNestingLocked() > 0 {
		return false, rterr.ErrPendFromInterrupt
	}
	mu := m.lookupLocked(h)
	if mu == nil {
		return false, rterr.ErrInvalidHandle
	}
	cur := k.CurrentLocked()
	if cur == nil {
		return false, rterr.ErrNoCurrentTask
	}
	if mu.owner == cur.ID() {
		return false, rterr.ErrAlreadyOwner
	}
	if !mu.available() {
		return false, nil
	}
	acquireResults.Increment("immediate")
	if m.takeLocked(mu, cur, false) {
		return true, rterr.ErrCeilingViolation
	}
	return true, nil
}

// Release gives up the mutex. If tasks wait, the most urgent one becomes the
// owner; ErrCeilingViolation reports that it is not less urgent than the
// ceiling, after the transfer completed.
func (m *Manager) Release(h Handle) error {
	m.k.Lock()
	err := m.releaseLocked(h)
	m.k.Unlock()
	return err
}

// Preconditions: the kernel lock must be held.
func (m *Manager) releaseLocked(h Handle) error {
	k := m.k
	if k.IntNestingLocked() > 0 {
		return rterr.ErrPostFromInterrupt
	}
	mu := m.lookupLocked(h)
	if mu == nil {
		return rterr.ErrInvalidHandle
	}
	cur := k.CurrentLocked()
	if cur == nil || mu.owner != cur.ID() {
		return rterr.ErrNotOwner
	}
	m.restoreOwnerLocked(mu)

	if next := k.WakeLocked(&mu.waiters, kernel.PendOK); next != nil {
		violated := m.takeLocked(mu, next, true)
		log.Debugf("Task %s hands %q to %s", cur, mu.name, next)
		k.RescheduleLocked()
		if violated {
			return rterr.ErrCeilingViolation
		}
		return nil
	}

	mu.owner = kernel.NoTask
	mu.ownerSaved = prio.Disabled
	// Restoring the caller may have made a more urgent task runnable.
	k.RescheduleLocked()
	return nil
}

// Delete deletes the mutex. With DeleteNoPend it fails with ErrTasksWaiting
// if any task waits; with DeleteAlways every waiter resumes with ErrAborted.
// The owner, if any, loses the ceiling.
func (m *Manager) Delete(h Handle, opt DeleteOption) error {
	m.k.Lock()
	err := m.deleteLocked(h, opt)
	m.k.Unlock()
	return err
}

// Preconditions: the kernel lock must be held.
func (m *Manager) deleteLocked(h Handle, opt DeleteOption) error {
	k := m.k
	if k.IntNestingLocked() > 0 {
		return rterr.ErrDelFromInterrupt
	}
	mu := m.lookupLocked(h)
	if mu == nil {
		return rterr.ErrInvalidHandle
	}
	switch opt {
	case DeleteNoPend:
		if !mu.waiters.Empty() {
			return rterr.ErrTasksWaiting
		}
		restored := m.restoreOwnerLocked(mu)
		m.freeLocked(h.index)
		log.Debugf("Deleted %s", h)
		if restored {
			k.RescheduleLocked()
		}
		return nil
	case DeleteAlways:
		waited := !mu.waiters.Empty()
		restored := m.restoreOwnerLocked(mu)
		n := 0
		for k.WakeLocked(&mu.waiters, kernel.PendAbort) != nil {
			n++
		}
		m.freeLocked(h.index)
		log.Debugf("Deleted %s, aborted %d waiters", h, n)
		if waited || restored {
			k.RescheduleLocked()
		}
		return nil
	default:
		return rterr.ErrInvalidOption
	}
}

// taskExitedLocked warns about mutexes still owned by an exiting task.
// Ownership is not transferred.
//
// Preconditions: the kernel lock must be held.
func (m *Manager) taskExitedLocked(t *kernel.Task) {
	for i := range m.blocks {
		mu := &m.blocks[i]
		if mu.inUse && mu.owner == t.ID() {
			log.Warningf("Task %s exited while owning mutex %q (ceiling %v)", t, mu.name, mu.ceiling)
		}
	}
}
