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

import "gvisor.dev/rtkernel/pkg/prio"

// Observer receives scheduling events. Methods are called with the kernel
// lock held and must not call into the kernel.
type Observer interface {
	// ContextSwitch is called when the CPU passes from one task to another.
	// from.Status tells why: ready means from was preempted.
	ContextSwitch(now uint64, from, to TaskInfo)

	// Tick is called on every tick, after timeouts expire. cur is the
	// interrupted task.
	Tick(now uint64, cur TaskInfo)

	// PriorityChange is called when a task's current priority changes.
	PriorityChange(now uint64, t TaskInfo, old prio.Priority)
}

// NopObserver implements Observer and ignores all events. It can be embedded
// to implement a subset of Observer.
type NopObserver struct{}

// ContextSwitch implements Observer.ContextSwitch.
func (NopObserver) ContextSwitch(uint64, TaskInfo, TaskInfo) {}

// Tick implements Observer.Tick.
func (NopObserver) Tick(uint64, TaskInfo) {}

// PriorityChange implements Observer.PriorityChange.
func (NopObserver) PriorityChange(uint64, TaskInfo, prio.Priority) {}
