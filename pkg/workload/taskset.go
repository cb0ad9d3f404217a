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

// Package workload runs periodic task sets that share resources guarded by
// priority-ceiling mutexes, and records what the scheduler did.
package workload

import (
	"fmt"
	"sort"

	"gvisor.dev/rtkernel/pkg/prio"
)

// TaskSet describes a periodic workload.
type TaskSet struct {
	// Name identifies the set in traces.
	Name string `toml:"name" yaml:"name" json:"name"`

	// Horizon is the number of ticks to simulate.
	Horizon uint64 `toml:"horizon" yaml:"horizon" json:"horizon"`

	// PriorityStep spaces task priorities. Zero selects
	// len(Resources)+1, which leaves room for one ceiling per resource
	// below every task.
	PriorityStep int `toml:"priority_step" yaml:"priority_step" json:"priority_step,omitempty"`

	Resources []Resource `toml:"resources" yaml:"resources" json:"resources"`
	Tasks     []TaskSpec `toml:"tasks" yaml:"tasks" json:"tasks"`
}

// Resource is a shared resource guarded by one mutex.
type Resource struct {
	Name string `toml:"name" yaml:"name" json:"name"`

	// NoCeiling disables the priority ceiling of the resource's mutex.
	NoCeiling bool `toml:"no_ceiling" yaml:"no_ceiling" json:"no_ceiling,omitempty"`
}

// TaskSpec describes a periodic task. Job n is released at
// Arrival + n*Period and needs Exec ticks of CPU.
type TaskSpec struct {
	ID       int       `toml:"id" yaml:"id" json:"id"`
	Name     string    `toml:"name" yaml:"name" json:"name,omitempty"`
	Arrival  uint32    `toml:"arrival" yaml:"arrival" json:"arrival"`
	Exec     uint32    `toml:"exec" yaml:"exec" json:"exec"`
	Period   uint32    `toml:"period" yaml:"period" json:"period"`
	Sections []Section `toml:"sections" yaml:"sections" json:"sections,omitempty"`
}

// Section is a critical section of a job: the resource is locked after Start
// ticks of execution and unlocked after End ticks.
type Section struct {
	Resource string `toml:"resource" yaml:"resource" json:"resource"`
	Start    uint32 `toml:"start" yaml:"start" json:"start"`
	End      uint32 `toml:"end" yaml:"end" json:"end"`
}

// taskName returns the display name of t.
func (t *TaskSpec) taskName() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("task%d", t.ID)
}

// step returns the effective priority step.
func (s *TaskSet) step() int {
	if s.PriorityStep == 0 {
		return len(s.Resources) + 1
	}
	return s.PriorityStep
}

// resourceIndex returns the index of the named resource, or -1.
func (s *TaskSet) resourceIndex(name string) int {
	for i, r := range s.Resources {
		if r.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks the task set.
func (s *TaskSet) Validate() error {
	if s.Horizon == 0 {
		return fmt.Errorf("task set %q: horizon must be positive", s.Name)
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("task set %q: no tasks", s.Name)
	}
	if s.PriorityStep < 0 || (s.PriorityStep != 0 && s.PriorityStep <= len(s.Resources)) {
		return fmt.Errorf("task set %q: priority step %d must exceed the number of resources (%d)", s.Name, s.PriorityStep, len(s.Resources))
	}
	names := make(map[string]bool)
	for _, r := range s.Resources {
		if r.Name == "" {
			return fmt.Errorf("task set %q: resource with empty name", s.Name)
		}
		if names[r.Name] {
			return fmt.Errorf("task set %q: duplicate resource %q", s.Name, r.Name)
		}
		names[r.Name] = true
	}
	ids := make(map[int]bool)
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if ids[t.ID] {
			return fmt.Errorf("task set %q: duplicate task ID %d", s.Name, t.ID)
		}
		ids[t.ID] = true
		if t.Exec == 0 || t.Period == 0 {
			return fmt.Errorf("task %s: exec and period must be positive", t.taskName())
		}
		held := make(map[string]bool)
		for _, sec := range t.Sections {
			if !names[sec.Resource] {
				return fmt.Errorf("task %s: unknown resource %q", t.taskName(), sec.Resource)
			}
			if sec.Start >= sec.End || sec.End > t.Exec {
				return fmt.Errorf("task %s: section on %q [%d, %d) outside [0, %d]", t.taskName(), sec.Resource, sec.Start, sec.End, t.Exec)
			}
			if held[sec.Resource] {
				return fmt.Errorf("task %s: more than one section on %q", t.taskName(), sec.Resource)
			}
			held[sec.Resource] = true
		}
	}
	return nil
}

// Assignment holds the priorities derived from a task set.
type Assignment struct {
	// Order lists task indices from the most to the least urgent.
	Order []int

	// Priorities is indexed like TaskSet.Tasks.
	Priorities []prio.Priority

	// Ceilings is indexed like TaskSet.Resources. Resources that no task
	// uses, or that have NoCeiling set, get prio.Disabled.
	Ceilings []prio.Priority
}

// Assign computes rate-monotonic priorities: shorter periods are more urgent
// and ties go to the lower ID. Priorities are multiples of the priority step
// and must stay below lowest. The ceiling of resource j is the priority of its
// most urgent user minus j+1.
//
// Preconditions: s is valid.
func (s *TaskSet) Assign(lowest prio.Priority) (*Assignment, error) {
	a := &Assignment{
		Order:      make([]int, len(s.Tasks)),
		Priorities: make([]prio.Priority, len(s.Tasks)),
		Ceilings:   make([]prio.Priority, len(s.Resources)),
	}
	for i := range a.Order {
		a.Order[i] = i
	}
	sort.SliceStable(a.Order, func(i, j int) bool {
		ti, tj := &s.Tasks[a.Order[i]], &s.Tasks[a.Order[j]]
		if ti.Period != tj.Period {
			return ti.Period < tj.Period
		}
		return ti.ID < tj.ID
	})
	step := s.step()
	for rank, idx := range a.Order {
		p := (rank + 1) * step
		if p >= int(lowest) {
			return nil, fmt.Errorf("task set %q: task %s needs priority %d, lowest is %d", s.Name, s.Tasks[idx].taskName(), p, lowest)
		}
		a.Priorities[idx] = prio.Priority(p)
	}
	for j, r := range s.Resources {
		a.Ceilings[j] = prio.Disabled
		if r.NoCeiling {
			continue
		}
		for _, idx := range a.Order {
			if s.Tasks[idx].uses(r.Name) {
				a.Ceilings[j] = a.Priorities[idx] - prio.Priority(j+1)
				break
			}
		}
	}
	return a, nil
}

// uses returns true if t has a section on the named resource.
func (t *TaskSpec) uses(resource string) bool {
	for _, sec := range t.Sections {
		if sec.Resource == resource {
			return true
		}
	}
	return false
}
