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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rtkernel/pkg/prio"
)

// pairCeilingEvents is the trace of pairSet. Task 2 holds R1 at the ceiling,
// so task 1 cannot preempt it at its release at tick 2 and waits one tick.
var pairCeilingEvents = []Event{
	{Tick: 1, Kind: EventLock, Task: 2, Job: 0, Resource: "R1", From: 6, To: 2},
	{Tick: 3, Kind: EventUnlock, Task: 2, Job: 0, Resource: "R1", From: 2, To: 6},
	{Tick: 3, Kind: EventPreempt, Task: 2, Job: 0, Next: 1},
	{Tick: 3, Kind: EventLock, Task: 1, Job: 0, Resource: "R1", From: 3, To: 2},
	{Tick: 4, Kind: EventUnlock, Task: 1, Job: 0, Resource: "R1", From: 2, To: 3},
	{Tick: 5, Kind: EventComplete, Task: 1, Job: 0, Response: 3, Blocking: 1, Preemption: 0},
	{Tick: 6, Kind: EventComplete, Task: 2, Job: 0, Response: 6, Blocking: 0, Preemption: 2},
}

var pairStats = []TaskStats{
	{ID: 1, Name: "task1", Priority: 3, Jobs: 1, MaxResponse: 3, TotalBlocking: 1, MaxBlocking: 1},
	{ID: 2, Name: "task2", Priority: 6, Jobs: 1, MaxResponse: 6},
}

func TestRunCeiling(t *testing.T) {
	res, err := Run(context.Background(), pairSet(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if diff := cmp.Diff(pairCeilingEvents, res.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pairStats, res.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if res.Ticks != 6 {
		t.Errorf("Ticks got: %d, want: 6", res.Ticks)
	}
	wantCeilings := map[string]prio.Priority{"R1": 2, "R2": prio.Disabled}
	if diff := cmp.Diff(wantCeilings, res.Ceilings); diff != "" {
		t.Errorf("ceilings mismatch (-want +got):\n%s", diff)
	}
}

func TestRunNoCeiling(t *testing.T) {
	s := pairSet()
	s.Resources[0].NoCeiling = true
	res, err := Run(context.Background(), s, DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// Without the ceiling task 1 preempts task 2 at its release and then
	// blocks on R1 until task 2 releases it.
	want := []Event{
		{Tick: 1, Kind: EventLock, Task: 2, Job: 0, Resource: "R1", From: 6, To: 6},
		{Tick: 2, Kind: EventPreempt, Task: 2, Job: 0, Next: 1},
		{Tick: 2, Kind: EventBlock, Task: 1, Job: 0, Resource: "R1", From: 3},
		{Tick: 3, Kind: EventUnlock, Task: 2, Job: 0, Resource: "R1", From: 6, To: 6},
		{Tick: 3, Kind: EventPreempt, Task: 2, Job: 0, Next: 1},
		{Tick: 3, Kind: EventLock, Task: 1, Job: 0, Resource: "R1", From: 3, To: 3},
		{Tick: 4, Kind: EventUnlock, Task: 1, Job: 0, Resource: "R1", From: 3, To: 3},
		{Tick: 5, Kind: EventComplete, Task: 1, Job: 0, Response: 3, Blocking: 1, Preemption: 0},
		{Tick: 6, Kind: EventComplete, Task: 2, Job: 0, Response: 6, Blocking: 0, Preemption: 2},
	}
	if diff := cmp.Diff(want, res.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pairStats, res.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

// overloaded has a single task whose jobs take longer than its period.
func overloaded() *TaskSet {
	return &TaskSet{
		Name:    "overloaded",
		Horizon: 10,
		Tasks:   []TaskSpec{{ID: 1, Exec: 3, Period: 2}},
	}
}

func TestRunDeadlineMiss(t *testing.T) {
	res, err := Run(context.Background(), overloaded(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// Jobs 0, 1 and 2 complete at ticks 3, 6 and 9; job 3 is cut off by the
	// horizon.
	want := []TaskStats{{ID: 1, Name: "task1", Priority: 1, Jobs: 3, Missed: 3, MaxResponse: 5}}
	if diff := cmp.Diff(want, res.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if res.Ticks != 10 {
		t.Errorf("Ticks got: %d, want: 10", res.Ticks)
	}
}

func TestRunStopOnMiss(t *testing.T) {
	opts := DefaultOptions()
	opts.StopOnMiss = true
	res, err := Run(context.Background(), overloaded(), opts)
	if !errors.Is(err, ErrDeadlineMissed) {
		t.Fatalf("Run() got: %v, want: %v", err, ErrDeadlineMissed)
	}
	want := []Event{
		{Tick: 3, Kind: EventComplete, Task: 1, Job: 0, Response: 3},
		{Tick: 3, Kind: EventMissDeadline, Task: 1, Job: 0, Response: 3},
	}
	if diff := cmp.Diff(want, res.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &TaskSet{
		Name:    "forever",
		Horizon: 1 << 40,
		Tasks:   []TaskSpec{{ID: 1, Exec: 1 << 20, Period: 1 << 21}},
	}
	if _, err := Run(ctx, s, DefaultOptions()); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() got: %v, want: %v", err, context.Canceled)
	}
}

func TestRunLimits(t *testing.T) {
	opts := DefaultOptions()
	opts.Kernel.MaxTasks = 1
	if _, err := Run(context.Background(), pairSet(), opts); err == nil || !strings.Contains(err.Error(), "kernel limit") {
		t.Errorf("Run() got: %v, want: kernel limit error", err)
	}
	opts = DefaultOptions()
	opts.Kernel.MaxMutexes = 1
	if _, err := Run(context.Background(), pairSet(), opts); err == nil || !strings.Contains(err.Error(), "kernel limit") {
		t.Errorf("Run() got: %v, want: kernel limit error", err)
	}
}

func TestRunDoesNotModifySet(t *testing.T) {
	s := pairSet()
	if _, err := Run(context.Background(), s, DefaultOptions()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if diff := cmp.Diff(pairSet(), s); diff != "" {
		t.Errorf("set modified (-want +got):\n%s", diff)
	}
}

func TestRunAll(t *testing.T) {
	noCeiling := pairSet()
	noCeiling.Name = "pair-noceiling"
	noCeiling.Resources[0].NoCeiling = true
	results, err := RunAll(context.Background(), []*TaskSet{pairSet(), noCeiling, overloaded()}, DefaultOptions())
	if err != nil {
		t.Fatalf("RunAll() failed: %v", err)
	}
	var names []string
	for _, res := range results {
		names = append(names, res.Name)
	}
	if diff := cmp.Diff([]string{"pair", "pair-noceiling", "overloaded"}, names); diff != "" {
		t.Errorf("result order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pairCeilingEvents, results[0].Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunAllFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.StopOnMiss = true
	if _, err := RunAll(context.Background(), []*TaskSet{pairSet(), overloaded()}, opts); !errors.Is(err, ErrDeadlineMissed) {
		t.Errorf("RunAll() got: %v, want: %v", err, ErrDeadlineMissed)
	}
}

func TestWriteText(t *testing.T) {
	res, err := Run(context.Background(), pairSet(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteText(&buf, res); err != nil {
		t.Fatalf("WriteText() failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"# pair: 6 ticks", "R1 6->2", "by task 1", "response 3, blocking 1, preemption 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("WriteText() output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	res, err := Run(context.Background(), pairSet(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteJSON(&buf, []*Result{res}); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}
	var got []*Result
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want: 1", len(got))
	}
	if diff := cmp.Diff(pairCeilingEvents, got[0].Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
