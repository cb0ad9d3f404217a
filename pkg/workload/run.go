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

package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mohae/deepcopy"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/kernel"
	"gvisor.dev/rtkernel/pkg/kernel/mutex"
	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/prio"
)

// ErrDeadlineMissed is returned by Run when Options.StopOnMiss is set and a
// job completes after its deadline.
var ErrDeadlineMissed = errors.New("deadline missed")

// Options configures Run.
type Options struct {
	// Kernel is the kernel configuration. Its tick limit is replaced by the
	// task set horizon.
	Kernel kernel.Config

	// StopOnMiss halts the run at the first missed deadline.
	StopOnMiss bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{Kernel: kernel.DefaultConfig()}
}

// Result is the outcome of a run.
type Result struct {
	Name  string `json:"name"`
	Ticks uint64 `json:"ticks"`

	// Ceilings maps resource names to mutex ceilings.
	Ceilings map[string]prio.Priority `json:"ceilings"`

	Events []Event `json:"events"`

	// Stats is indexed like TaskSet.Tasks.
	Stats []TaskStats `json:"stats"`

	// ContextSwitches is the number of context switches performed.
	ContextSwitches uint64 `json:"context_switches"`
}

// TaskStats summarizes the jobs of one task.
type TaskStats struct {
	ID            int           `json:"id"`
	Name          string        `json:"name"`
	Priority      prio.Priority `json:"priority"`
	Jobs          int           `json:"jobs"`
	Missed        int           `json:"missed"`
	MaxResponse   uint64        `json:"max_response"`
	TotalBlocking uint64        `json:"total_blocking"`
	MaxBlocking   uint64        `json:"max_blocking"`
}

// runner drives one task set.
//
// Lock order: kernel lock, then runner.mu. Observer callbacks run with the
// kernel lock held, so runner.mu is never held across a kernel call.
type runner struct {
	set   *TaskSet
	asg   *Assignment
	k     *kernel.Kernel
	m     *mutex.Manager
	opts  Options
	locks []mutex.Handle

	// index maps kernel task IDs to task indices. It is written before the
	// kernel starts.
	index map[kernel.TaskID]int

	mu sync.Mutex

	// +checklocks:mu
	events []Event

	// +checklocks:mu
	stats []TaskStats

	// jobBlocking is the blocking time of each task's current job.
	//
	// +checklocks:mu
	jobBlocking []uint64

	// waitingFor is the resource each task is acquiring, or "".
	//
	// +checklocks:mu
	waitingFor []string
}

// Run simulates set until its horizon, until every task has run out of jobs
// within the horizon, or until ctx is done. The returned Result is valid even
// when err is not nil.
func Run(ctx context.Context, set *TaskSet, opts Options) (*Result, error) {
	set = deepcopy.Copy(set).(*TaskSet)
	if err := set.Validate(); err != nil {
		return nil, err
	}
	asg, err := set.Assign(opts.Kernel.LowestPriority)
	if err != nil {
		return nil, err
	}
	cfg := opts.Kernel
	cfg.TickLimit = set.Horizon
	if cfg.MaxTasks < len(set.Tasks) {
		return nil, fmt.Errorf("task set %q: %d tasks exceed the kernel limit of %d", set.Name, len(set.Tasks), cfg.MaxTasks)
	}
	if cfg.MaxMutexes < len(set.Resources) {
		return nil, fmt.Errorf("task set %q: %d resources exceed the kernel limit of %d mutexes", set.Name, len(set.Resources), cfg.MaxMutexes)
	}
	k, err := kernel.New(cfg)
	if err != nil {
		return nil, err
	}
	r := &runner{
		set:         set,
		asg:         asg,
		k:           k,
		m:           mutex.NewManager(k),
		opts:        opts,
		index:       make(map[kernel.TaskID]int),
		stats:       make([]TaskStats, len(set.Tasks)),
		jobBlocking: make([]uint64, len(set.Tasks)),
		waitingFor:  make([]string, len(set.Tasks)),
	}
	for j, res := range set.Resources {
		h, err := r.m.CreateNamed(res.Name, asg.Ceilings[j])
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", res.Name, err)
		}
		r.locks = append(r.locks, h)
	}
	for i := range set.Tasks {
		t := &set.Tasks[i]
		r.stats[i] = TaskStats{ID: t.ID, Name: t.taskName(), Priority: asg.Priorities[i]}
		id, err := k.CreateTask(t.taskName(), asg.Priorities[i], r.body(i))
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.taskName(), err)
		}
		r.index[id] = i
	}
	k.SetObserver(r)

	go func() {
		select {
		case <-ctx.Done():
			k.Halt(ctx.Err())
		case <-k.Stopped():
		}
	}()

	log.Infof("Running task set %q: %d tasks, %d resources, horizon %d", set.Name, len(set.Tasks), len(set.Resources), set.Horizon)
	err = k.Start()
	if errors.Is(err, rterr.ErrTickLimit) {
		err = nil
	}
	res := r.result()
	if err != nil {
		return res, fmt.Errorf("task set %q: %w", set.Name, err)
	}
	return res, nil
}

// RunAll runs every set concurrently, each on its own kernel. Results are in
// the order of sets. The first failure cancels the remaining runs.
func RunAll(ctx context.Context, sets []*TaskSet, opts Options) ([]*Result, error) {
	results := make([]*Result, len(sets))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range sets {
		g.Go(func() error {
			res, err := Run(ctx, s, opts)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// result collects the outcome once the kernel has stopped.
func (r *runner) result() *Result {
	now := r.k.Now()
	switches := r.k.ContextSwitches()

	ceilings := make(map[string]prio.Priority, len(r.set.Resources))
	for j, res := range r.set.Resources {
		ceilings[res.Name] = r.asg.Ceilings[j]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Result{
		Name:            r.set.Name,
		Ticks:           now,
		Ceilings:        ceilings,
		Events:          r.events,
		Stats:           r.stats,
		ContextSwitches: switches,
	}
}

// body returns the task function of task i.
func (r *runner) body(i int) func(*kernel.Kernel) {
	t := &r.set.Tasks[i]
	locks := append([]Section(nil), t.Sections...)
	sort.SliceStable(locks, func(a, b int) bool {
		if locks[a].Start != locks[b].Start {
			return locks[a].Start < locks[b].Start
		}
		return locks[a].End > locks[b].End
	})
	unlocks := append([]Section(nil), t.Sections...)
	sort.SliceStable(unlocks, func(a, b int) bool {
		if unlocks[a].End != unlocks[b].End {
			return unlocks[a].End < unlocks[b].End
		}
		return unlocks[a].Start > unlocks[b].Start
	})

	return func(k *kernel.Kernel) {
		for job := 0; ; job++ {
			release := uint64(t.Arrival) + uint64(job)*uint64(t.Period)
			if release >= r.set.Horizon {
				return
			}
			if now := k.Now(); now < release {
				if err := k.Delay(uint32(release - now)); err != nil {
					r.fail(err)
					return
				}
			}
			for done := uint32(0); ; done++ {
				for _, sec := range unlocks {
					if sec.End == done {
						if err := r.unlock(i, job, sec.Resource); err != nil {
							r.fail(err)
							return
						}
					}
				}
				if done == t.Exec {
					break
				}
				for _, sec := range locks {
					if sec.Start == done {
						if err := r.lock(i, job, sec.Resource); err != nil {
							r.fail(err)
							return
						}
					}
				}
				k.Spin(1)
			}
			if r.complete(i, job, release) && r.opts.StopOnMiss {
				k.Halt(ErrDeadlineMissed)
				return
			}
		}
	}
}

// fail halts the kernel with err.
func (r *runner) fail(err error) {
	log.Warningf("Task set %q: %v", r.set.Name, err)
	r.k.Halt(err)
}

// lock acquires the named resource on behalf of task i.
func (r *runner) lock(i, job int, resource string) error {
	h := r.locks[r.set.resourceIndex(resource)]
	from := r.k.Current().Priority

	r.mu.Lock()
	r.waitingFor[i] = resource
	r.mu.Unlock()

	err := r.m.Acquire(h, 0)
	cur := r.k.Current()
	now := r.k.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitingFor[i] = ""
	if err != nil {
		return fmt.Errorf("task %s: lock %q: %w", r.set.Tasks[i].taskName(), resource, err)
	}
	r.events = append(r.events, Event{
		Tick:     now,
		Kind:     EventLock,
		Task:     r.set.Tasks[i].ID,
		Job:      job,
		Resource: resource,
		From:     from,
		To:       cur.Priority,
	})
	return nil
}

// unlock releases the named resource on behalf of task i. The event is
// recorded at the time of the release even if the release preempts the task.
func (r *runner) unlock(i, job int, resource string) error {
	h := r.locks[r.set.resourceIndex(resource)]
	cur := r.k.Current()
	now := r.k.Now()

	r.mu.Lock()
	slot := len(r.events)
	r.events = append(r.events, Event{
		Tick:     now,
		Kind:     EventUnlock,
		Task:     r.set.Tasks[i].ID,
		Job:      job,
		Resource: resource,
		From:     cur.Priority,
	})
	r.mu.Unlock()

	err := r.m.Release(h)
	to := r.k.Current().Priority

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil && !rterr.IsWarning(err) {
		return fmt.Errorf("task %s: unlock %q: %w", r.set.Tasks[i].taskName(), resource, err)
	}
	r.events[slot].To = to
	return nil
}

// complete records the completion of a job and reports whether it missed its
// deadline, which is the release of the next job.
func (r *runner) complete(i, job int, release uint64) bool {
	now := r.k.Now()
	t := &r.set.Tasks[i]

	r.mu.Lock()
	defer r.mu.Unlock()
	st := &r.stats[i]
	response := now - release
	blocking := r.jobBlocking[i]
	r.jobBlocking[i] = 0
	st.Jobs++
	st.MaxResponse = max(st.MaxResponse, response)
	st.TotalBlocking += blocking
	st.MaxBlocking = max(st.MaxBlocking, blocking)
	r.events = append(r.events, Event{
		Tick:       now,
		Kind:       EventComplete,
		Task:       t.ID,
		Job:        job,
		Response:   response,
		Blocking:   blocking,
		Preemption: response - uint64(t.Exec) - blocking,
	})
	if now <= release+uint64(t.Period) {
		return false
	}
	st.Missed++
	r.events = append(r.events, Event{
		Tick:     now,
		Kind:     EventMissDeadline,
		Task:     t.ID,
		Job:      job,
		Response: response,
	})
	log.Warningf("Task set %q: task %s job %d missed its deadline at tick %d", r.set.Name, t.taskName(), job, now)
	return true
}

// activeLocked returns true if task i has a released, unfinished job during
// the tick that ended at now.
//
// Preconditions: r.mu must be locked.
func (r *runner) activeLocked(i int, now uint64) bool {
	t := &r.set.Tasks[i]
	release := uint64(t.Arrival) + uint64(r.stats[i].Jobs)*uint64(t.Period)
	return release < now && release < r.set.Horizon
}

// ContextSwitch implements kernel.Observer.ContextSwitch.
func (r *runner) ContextSwitch(now uint64, from, to kernel.TaskInfo) {
	if from.Idle {
		return
	}
	i, ok := r.index[from.ID]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch from.Status {
	case kernel.TaskReady:
		next := 0
		if j, ok := r.index[to.ID]; ok {
			next = r.set.Tasks[j].ID
		}
		r.events = append(r.events, Event{
			Tick: now,
			Kind: EventPreempt,
			Task: r.set.Tasks[i].ID,
			Job:  r.stats[i].Jobs,
			Next: next,
		})
	case kernel.TaskPending:
		r.events = append(r.events, Event{
			Tick:     now,
			Kind:     EventBlock,
			Task:     r.set.Tasks[i].ID,
			Job:      r.stats[i].Jobs,
			Resource: r.waitingFor[i],
			From:     from.Priority,
		})
	}
}

// Tick implements kernel.Observer.Tick. A task with an active job is blocked
// during a tick in which a task of lower base priority ran.
func (r *runner) Tick(now uint64, cur kernel.TaskInfo) {
	if cur.Idle {
		return
	}
	if _, ok := r.index[cur.ID]; !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.set.Tasks {
		if r.asg.Priorities[i] < cur.OrigPriority && r.activeLocked(i, now) {
			r.jobBlocking[i]++
		}
	}
}

// PriorityChange implements kernel.Observer.PriorityChange.
func (r *runner) PriorityChange(now uint64, t kernel.TaskInfo, old prio.Priority) {
	if log.IsLogging(log.Debug) {
		log.Debugf("Task set %q: tick %d: %s priority %s -> %s", r.set.Name, now, t.Name, old, t.Priority)
	}
}
