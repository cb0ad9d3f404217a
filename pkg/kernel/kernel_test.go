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
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rtkernel/pkg/errors/rterr"
	"gvisor.dev/rtkernel/pkg/prio"
)

// recorder collects events from task goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, v...))
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func mustCreate(t *testing.T, k *Kernel, name string, p prio.Priority, fn func(*Kernel)) TaskID {
	t.Helper()
	id, err := k.CreateTask(name, p, fn)
	if err != nil {
		t.Fatalf("CreateTask(%s, %d): %v", name, p, err)
	}
	return id
}

func checkEvents(t *testing.T, r *recorder, want []string) {
	t.Helper()
	if diff := cmp.Diff(want, r.get()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{name: "default", mod: func(*Config) {}, ok: true},
		{name: "zero lowest", mod: func(c *Config) { c.LowestPriority = 0 }},
		{name: "lowest too large", mod: func(c *Config) { c.LowestPriority = prio.Disabled }},
		{name: "no tasks", mod: func(c *Config) { c.MaxTasks = 0 }},
		{name: "more tasks than priorities", mod: func(c *Config) { c.LowestPriority = 4; c.MaxTasks = 5 }},
		{name: "no mutexes", mod: func(c *Config) { c.MaxMutexes = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mod(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Errorf("Validate() got: %v, want ok: %t", err, tc.ok)
			}
		})
	}
}

func TestPriorityOrder(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var r recorder
	for _, p := range []prio.Priority{10, 5, 20, 7} {
		mustCreate(t, k, fmt.Sprintf("t%d", p), p, func(*Kernel) { r.add("t%d", p) })
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkEvents(t, &r, []string{"t5", "t7", "t10", "t20"})
	if err := k.Start(); err != rterr.ErrAlreadyStarted {
		t.Errorf("second Start got: %v, want: %v", err, rterr.ErrAlreadyStarted)
	}
}

func TestPreemptOnCreate(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var r recorder
	mustCreate(t, k, "a", 10, func(k *Kernel) {
		r.add("a start")
		if _, err := k.CreateTask("b", 5, func(*Kernel) { r.add("b") }); err != nil {
			t.Errorf("CreateTask(b): %v", err)
		}
		if _, err := k.CreateTask("c", 15, func(*Kernel) { r.add("c") }); err != nil {
			t.Errorf("CreateTask(c): %v", err)
		}
		r.add("a end")
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkEvents(t, &r, []string{"a start", "b", "a end", "c"})
}

func TestCreateTaskErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTasks = 2
	k := newKernel(t, cfg)
	defer k.Halt(nil)

	if _, err := k.CreateTask("idle-prio", cfg.LowestPriority, func(*Kernel) {}); err != rterr.ErrInvalidPriority {
		t.Errorf("CreateTask at idle priority got: %v, want: %v", err, rterr.ErrInvalidPriority)
	}
	mustCreate(t, k, "a", 10, func(*Kernel) {})
	if _, err := k.CreateTask("dup", 10, func(*Kernel) {}); err != rterr.ErrPriorityExists {
		t.Errorf("CreateTask at used priority got: %v, want: %v", err, rterr.ErrPriorityExists)
	}
	k.Lock()
	if !k.ReserveLocked(12) {
		t.Errorf("ReserveLocked(12) failed")
	}
	k.Unlock()
	if _, err := k.CreateTask("reserved", 12, func(*Kernel) {}); err != rterr.ErrPriorityExists {
		t.Errorf("CreateTask at reserved priority got: %v, want: %v", err, rterr.ErrPriorityExists)
	}
	mustCreate(t, k, "b", 11, func(*Kernel) {})
	if _, err := k.CreateTask("c", 13, func(*Kernel) {}); err != rterr.ErrTooManyTasks {
		t.Errorf("CreateTask beyond MaxTasks got: %v, want: %v", err, rterr.ErrTooManyTasks)
	}
	var err error
	k.Interrupt(func() {
		_, err = k.CreateTask("isr", 14, func(*Kernel) {})
	})
	if err != rterr.ErrCreateFromInterrupt {
		t.Errorf("CreateTask from interrupt got: %v, want: %v", err, rterr.ErrCreateFromInterrupt)
	}
	if err := k.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestDelay(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var r recorder
	mustCreate(t, k, "a", 5, func(k *Kernel) {
		r.add("a0@%d", k.Now())
		if err := k.Delay(3); err != nil {
			t.Errorf("Delay: %v", err)
		}
		r.add("a1@%d", k.Now())
	})
	mustCreate(t, k, "b", 10, func(k *Kernel) {
		r.add("b0@%d", k.Now())
		k.Spin(5)
		r.add("b1@%d", k.Now())
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkEvents(t, &r, []string{"a0@0", "b0@0", "a1@3", "b1@5"})
}

func TestDelayErrors(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	defer k.Halt(nil)
	if err := k.Delay(1); err != rterr.ErrNoCurrentTask {
		t.Errorf("Delay before Start got: %v, want: %v", err, rterr.ErrNoCurrentTask)
	}
	var err error
	k.Interrupt(func() { err = k.Delay(1) })
	if err != rterr.ErrDelayFromInterrupt {
		t.Errorf("Delay from interrupt got: %v, want: %v", err, rterr.ErrDelayFromInterrupt)
	}
}

func TestDeadlock(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var wl WaitList
	mustCreate(t, k, "a", 5, func(k *Kernel) {
		k.Lock()
		k.PendLocked(&wl, 0)
		k.Unlock()
		t.Errorf("pend without a waker returned")
	})
	if err := k.Start(); err != rterr.ErrDeadlock {
		t.Errorf("Start got: %v, want: %v", err, rterr.ErrDeadlock)
	}
}

func TestTickLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickLimit = 10
	k := newKernel(t, cfg)
	mustCreate(t, k, "spinner", 5, func(k *Kernel) {
		k.Spin(100)
		t.Errorf("spin past the tick limit returned")
	})
	if err := k.Start(); err != rterr.ErrTickLimit {
		t.Errorf("Start got: %v, want: %v", err, rterr.ErrTickLimit)
	}
	if got := k.Now(); got != 10 {
		t.Errorf("Now() got: %d, want: 10", got)
	}
}

func TestPendTimeout(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var wl WaitList
	mustCreate(t, k, "a", 5, func(k *Kernel) {
		k.Lock()
		st := k.PendLocked(&wl, 3)
		now, empty := k.NowLocked(), wl.Empty()
		k.Unlock()
		if st != PendTimeout || now != 3 || !empty {
			t.Errorf("PendLocked got: (%v, now %d, empty %t), want: (%v, now 3, empty true)", st, now, empty, PendTimeout)
		}
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestWake(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var (
		wl WaitList
		r  recorder
	)
	mustCreate(t, k, "a", 5, func(k *Kernel) {
		k.Lock()
		st := k.PendLocked(&wl, 100)
		k.Unlock()
		r.add("a %v", st)
	})
	mustCreate(t, k, "b", 10, func(k *Kernel) {
		k.Spin(2)
		k.Lock()
		if n := wl.Len(); n != 1 {
			t.Errorf("wait list length got: %d, want: 1", n)
		}
		woken := k.WakeLocked(&wl, PendOK)
		r.add("b woke %s", woken.Name())
		k.RescheduleLocked()
		k.Unlock()
		r.add("b end")
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkEvents(t, &r, []string{"b woke a", "a ok", "b end"})
}

func TestSchedLock(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var r recorder
	mustCreate(t, k, "a", 10, func(k *Kernel) {
		k.SchedLock()
		k.SchedLock()
		if _, err := k.CreateTask("b", 5, func(*Kernel) { r.add("b") }); err != nil {
			t.Errorf("CreateTask: %v", err)
		}
		if err := k.Delay(1); err != rterr.ErrDelayWhileLocked {
			t.Errorf("Delay while locked got: %v, want: %v", err, rterr.ErrDelayWhileLocked)
		}
		k.Spin(2)
		r.add("a locked")
		k.SchedUnlock()
		r.add("a inner unlock")
		k.SchedUnlock()
		r.add("a end")
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkEvents(t, &r, []string{"a locked", "a inner unlock", "b", "a end"})
}

func TestInterruptDefersPreemption(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	var (
		wl WaitList
		r  recorder
	)
	mustCreate(t, k, "b", 5, func(k *Kernel) {
		k.Lock()
		k.PendLocked(&wl, 0)
		k.Unlock()
		r.add("b")
	})
	mustCreate(t, k, "a", 10, func(k *Kernel) {
		k.Interrupt(func() {
			k.Lock()
			k.WakeLocked(&wl, PendOK)
			k.RescheduleLocked()
			k.Unlock()
			r.add("isr")
		})
		r.add("a")
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkEvents(t, &r, []string{"isr", "b", "a"})
}

func TestBoost(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	mustCreate(t, k, "a", 20, func(k *Kernel) {
		k.Lock()
		defer k.Unlock()
		cur := k.CurrentLocked()
		check := func(step string, want prio.Priority) {
			if got := cur.PriorityLocked(); got != want {
				t.Errorf("%s: priority got: %d, want: %d", step, got, want)
			}
			if err := k.checkInvariantsLocked(); err != nil {
				t.Errorf("%s: %v", step, err)
			}
		}
		k.ReserveLocked(5)
		k.ReserveLocked(3)
		k.BoostLocked(cur, 5)
		check("boost 5", 5)
		k.BoostLocked(cur, 3)
		check("boost 3", 3)
		if !k.BoostedLocked(cur, 5) {
			t.Errorf("BoostedLocked(5) got false after boost")
		}
		k.UnboostLocked(cur, 3)
		check("unboost 3", 5)
		k.UnboostLocked(cur, 5)
		check("unboost 5", 20)
		if k.SlotFreeLocked(3) || k.SlotFreeLocked(5) {
			t.Errorf("ceiling slots freed by unboost")
		}
		k.FreeSlotLocked(5)
		k.FreeSlotLocked(3)
		if !k.SlotFreeLocked(5) || !k.SlotFreeLocked(3) {
			t.Errorf("ceiling slots not freed")
		}
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestBoostCanDemote(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	mustCreate(t, k, "y", 3, func(k *Kernel) {
		k.Lock()
		defer k.Unlock()
		cur := k.CurrentLocked()
		k.ReserveLocked(5)
		k.BoostLocked(cur, 5)
		if got := cur.PriorityLocked(); got != 5 {
			t.Errorf("priority got: %d, want: 5", got)
		}
		if err := k.checkInvariantsLocked(); err != nil {
			t.Errorf("CheckInvariants: %v", err)
		}
		k.UnboostLocked(cur, 5)
		if got := cur.PriorityLocked(); got != 3 {
			t.Errorf("priority got: %d, want: 3", got)
		}
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestTaskIDReuse(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	a := mustCreate(t, k, "a", 10, func(*Kernel) {})
	mustCreate(t, k, "c", 12, func(k *Kernel) {
		if _, ok := k.TaskInfo(a); ok {
			t.Errorf("TaskInfo(%v) found an exited task", a)
		}
		d, err := k.CreateTask("d", 15, func(*Kernel) {})
		if err != nil {
			t.Errorf("CreateTask: %v", err)
			return
		}
		if want := (TaskID{Index: a.Index, Gen: a.Gen + 1}); d != want {
			t.Errorf("reused ID got: %v, want: %v", d, want)
		}
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

type switchObserver struct {
	NopObserver
	switches []string
	ticks    int
}

func (o *switchObserver) ContextSwitch(now uint64, from, to TaskInfo) {
	o.switches = append(o.switches, fmt.Sprintf("%d:%s(%v)->%s", now, from.Name, from.Status, to.Name))
}

func (o *switchObserver) Tick(uint64, TaskInfo) {
	o.ticks++
}

func TestObserver(t *testing.T) {
	k := newKernel(t, DefaultConfig())
	o := &switchObserver{}
	k.SetObserver(o)
	mustCreate(t, k, "hi", 5, func(k *Kernel) {
		if err := k.Delay(2); err != nil {
			t.Errorf("Delay: %v", err)
		}
	})
	mustCreate(t, k, "lo", 10, func(k *Kernel) {
		k.Spin(4)
	})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []string{
		"0:hi(delayed)->lo",
		"2:lo(ready)->hi",
		"2:hi(exited)->lo",
		"4:lo(exited)->idle",
	}
	if diff := cmp.Diff(want, o.switches); diff != "" {
		t.Errorf("switches mismatch (-want +got):\n%s", diff)
	}
	if o.ticks != 4 {
		t.Errorf("ticks got: %d, want: 4", o.ticks)
	}
	if got := k.ContextSwitches(); got != uint64(len(want)) {
		t.Errorf("ContextSwitches() got: %d, want: %d", got, len(want))
	}
}
