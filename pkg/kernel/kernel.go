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

// Package kernel implements a single-CPU, preemptive, priority-driven task
// scheduler in the style of a small real-time kernel.
//
// Each task runs on its own goroutine, but only the goroutine holding the
// simulated CPU executes task code. A context switch hands the CPU to the
// next task and parks the previous one.
//
// Lock order:
//
//	Kernel.mu
//	  (observers and exit hooks run with Kernel.mu held and must not call
//	  back into the kernel)
//
// Kernel.mu plays the role of the interrupt mask: all scheduler state (the
// ready bitmap, the priority slot table, task control records and the state
// of objects built on top of the kernel, such as mutexes) is protected by it.
// Methods with a Locked suffix require it.
package kernel

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/metric"
	"gvisor.dev/rtkernel/pkg/prio"
)

// Config configures a Kernel.
type Config struct {
	// LowestPriority is the priority of the idle task. Application tasks and
	// mutex ceilings must be numerically lower.
	LowestPriority prio.Priority `toml:"lowest_priority"`

	// MaxTasks is the maximum number of live application tasks.
	MaxTasks int `toml:"max_tasks"`

	// MaxMutexes is the size of the mutex control block pool.
	MaxMutexes int `toml:"max_mutexes"`

	// TickLimit stops the kernel after this many ticks. Zero means no limit.
	TickLimit uint64 `toml:"tick_limit"`
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() Config {
	return Config{
		LowestPriority: 63,
		MaxTasks:       32,
		MaxMutexes:     16,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.LowestPriority == 0 || c.LowestPriority > prio.Lowest {
		return fmt.Errorf("lowest priority %d out of range [1, %d]", c.LowestPriority, prio.Lowest)
	}
	if c.MaxTasks <= 0 || c.MaxTasks > int(c.LowestPriority) {
		return fmt.Errorf("max tasks %d out of range [1, %d]", c.MaxTasks, c.LowestPriority)
	}
	if c.MaxMutexes <= 0 {
		return fmt.Errorf("max mutexes must be positive, got %d", c.MaxMutexes)
	}
	return nil
}

// Slot table markers. Non-negative entries are task indices.
const (
	slotFree     int32 = -1
	slotReserved int32 = -2
)

// timeoutQueueDegree is the btree degree of the timeout queue.
const timeoutQueueDegree = 8

var contextSwitches = metric.MustCreateNewUint64Metric("/kernel/context_switches", "Number of context switches performed by the scheduler.")

// Kernel is a simulated single-CPU real-time kernel.
type Kernel struct {
	cfg Config

	// mu is the kernel critical section.
	mu sync.Mutex

	// ready holds the current priority of every runnable task, including the
	// running one.
	//
	// +checklocks:mu
	ready prio.Bitmap

	// slots maps each priority to a task index, slotFree or slotReserved. A
	// task owns the slot of its original priority for its whole life, and
	// the slot of its current priority while boosted.
	//
	// +checklocks:mu
	slots [prio.Count]int32

	// tasks is indexed by task index. Exited tasks stay until their index
	// is reused.
	//
	// +checklocks:mu
	tasks []*Task

	// live is the number of application tasks that have not exited.
	//
	// +checklocks:mu
	live int

	// cur is the task holding the CPU. It is nil before Start.
	//
	// +checklocks:mu
	cur *Task

	// idle is the idle task.
	idle *Task

	// intNesting is the interrupt nesting depth.
	//
	// +checklocks:mu
	intNesting int

	// lockNesting is the scheduler lock nesting depth.
	//
	// +checklocks:mu
	lockNesting int

	// now is the tick counter.
	//
	// +checklocks:mu
	now uint64

	// timeouts orders tasks by wake-up deadline.
	//
	// +checklocks:mu
	timeouts *btree.BTreeG[timeoutEntry]

	// +checklocks:mu
	started bool

	// halted is set once, together with err, when the kernel stops.
	//
	// +checklocks:mu
	halted bool

	// +checklocks:mu
	err error

	// stopped is closed when the kernel halts.
	stopped chan struct{}

	// +checklocks:mu
	observer Observer

	// +checklocks:mu
	exitHooks []func(*Task)

	// switches counts context switches.
	//
	// +checklocks:mu
	switches uint64
}

// New returns a new kernel with its idle task created.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:      cfg,
		timeouts: btree.NewG[timeoutEntry](timeoutQueueDegree, timeoutEntry.less),
		stopped:  make(chan struct{}),
	}
	for i := range k.slots {
		k.slots[i] = slotFree
	}
	k.mu.Lock()
	k.idle = k.newTaskLocked("idle", cfg.LowestPriority, (*Kernel).idleLoop)
	k.mu.Unlock()
	return k, nil
}

// Config returns the kernel configuration.
func (k *Kernel) Config() Config {
	return k.cfg
}

// LowestPriority returns the idle task priority.
func (k *Kernel) LowestPriority() prio.Priority {
	return k.cfg.LowestPriority
}

// Lock enters the kernel critical section.
func (k *Kernel) Lock() {
	k.mu.Lock()
}

// Unlock leaves the kernel critical section.
func (k *Kernel) Unlock() {
	k.mu.Unlock()
}

// Start runs the kernel until every application task has exited, the tick
// limit is reached or all remaining tasks are blocked forever. It returns nil,
// ErrTickLimit or ErrDeadlock respectively.
func (k *Kernel) Start() error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return rterr.ErrAlreadyStarted
	}
	k.started = true
	next := k.HighestReadyLocked()
	log.Debugf("Kernel starting with %d tasks, first task %s", k.live, next)
	k.cur = next
	next.wake <- struct{}{}
	k.mu.Unlock()

	<-k.stopped

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Stopped returns a channel that is closed when the kernel halts.
func (k *Kernel) Stopped() <-chan struct{} {
	return k.stopped
}

// Now returns the current tick count.
func (k *Kernel) Now() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

// NowLocked returns the current tick count.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) NowLocked() uint64 {
	return k.now
}

// ContextSwitches returns the number of context switches performed so far.
func (k *Kernel) ContextSwitches() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.switches
}

// SetObserver installs o to receive scheduling events. A nil o removes the
// current observer.
func (k *Kernel) SetObserver(o Observer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.observer = o
}

// AddExitHook registers fn to run, under the critical section, whenever an
// application task exits.
func (k *Kernel) AddExitHook(fn func(*Task)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.exitHooks = append(k.exitHooks, fn)
}

// Halt stops the kernel with err. Start returns err unless the kernel has
// already halted for another reason. Parked tasks are terminated; the running
// task is terminated at its next tick or context switch.
func (k *Kernel) Halt(err error) {
	k.mu.Lock()
	k.haltLocked(err)
	k.mu.Unlock()
}

// haltLocked stops the kernel with err. Only the first call has an effect.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) haltLocked(err error) {
	if k.halted {
		return
	}
	if err != nil {
		log.Infof("Kernel halted at tick %d: %v", k.now, err)
	} else {
		log.Debugf("Kernel halted at tick %d: all tasks exited", k.now)
	}
	k.halted = true
	k.err = err
	close(k.stopped)
}

// abandonCPULocked releases the critical section and terminates the calling
// task goroutine. It is used once the kernel has halted.
//
// Preconditions: k.mu must be locked and k.halted must be set.
func (k *Kernel) abandonCPULocked() {
	k.mu.Unlock()
	runtime.Goexit()
}

// idleLoop is the body of the idle task.
func (k *Kernel) idleLoop() {
	for {
		k.mu.Lock()
		switch {
		case k.live == 0:
			k.haltLocked(nil)
			k.abandonCPULocked()
		case k.timeouts.Len() == 0:
			log.Warningf("Kernel deadlock at tick %d: %d tasks blocked with no timeout", k.now, k.live)
			k.haltLocked(rterr.ErrDeadlock)
			k.abandonCPULocked()
		}
		k.mu.Unlock()
		k.Tick()
	}
}
