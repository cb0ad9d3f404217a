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

package mutex

import (
	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/kernel"
	"gvisor.dev/rtkernel/pkg/prio"
)

// Snapshot is a consistent view of a mutex.
type Snapshot struct {
	Name    string
	Ceiling prio.Priority

	// OwnerPriority is the owner's original priority, or prio.Disabled if
	// the mutex is available.
	OwnerPriority prio.Priority
	Available     bool
	Owner         kernel.TaskID

	// WaitGroup and WaitTable are the wait list bitmap.
	WaitGroup uint16
	WaitTable [16]uint16

	// Waiters are the waiting priorities, most urgent first.
	Waiters []prio.Priority
}

// Query returns a snapshot of the mutex.
func (m *Manager) Query(h Handle) (Snapshot, error) {
	k := m.k
	k.Lock()
	defer k.Unlock()
	if k.IntNestingLocked() > 0 {
		return Snapshot{}, rterr.ErrQueryFromInterrupt
	}
	mu := m.lookupLocked(h)
	if mu == nil {
		return Snapshot{}, rterr.ErrInvalidHandle
	}
	return Snapshot{
		Name:          mu.name,
		Ceiling:       mu.ceiling,
		OwnerPriority: mu.ownerSaved,
		Available:     mu.available(),
		Owner:         mu.owner,
		WaitGroup:     mu.waiters.Group(),
		WaitTable:     mu.waiters.Table(),
		Waiters:       mu.waiters.Priorities(),
	}, nil
}

// Handles returns the handles of all mutexes, in pool order.
func (m *Manager) Handles() []Handle {
	m.k.Lock()
	defer m.k.Unlock()
	var hs []Handle
	for i := range m.blocks {
		if mu := &m.blocks[i]; mu.inUse {
			hs = append(hs, Handle{index: int32(i), gen: mu.gen})
		}
	}
	return hs
}
