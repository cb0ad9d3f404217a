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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gvisor.dev/rtkernel/pkg/prio"
)

// EventKind is the kind of a trace event.
type EventKind string

// Event kinds.
const (
	// EventLock: Task acquired Resource; its priority went From -> To.
	EventLock EventKind = "lock"

	// EventUnlock: Task released Resource; its priority went From -> To.
	EventUnlock EventKind = "unlock"

	// EventBlock: Task blocked waiting for Resource at priority From.
	EventBlock EventKind = "block"

	// EventPreempt: Task was preempted by Next.
	EventPreempt EventKind = "preempt"

	// EventComplete: a job of Task completed.
	EventComplete EventKind = "complete"

	// EventMissDeadline: a job of Task completed after the release of its
	// next job.
	EventMissDeadline EventKind = "miss_deadline"
)

// Event is a trace event. Tasks are identified by their TaskSpec.ID.
type Event struct {
	Tick       uint64        `json:"tick"`
	Kind       EventKind     `json:"kind"`
	Task       int           `json:"task"`
	Job        int           `json:"job"`
	Resource   string        `json:"resource,omitempty"`
	From       prio.Priority `json:"from,omitempty"`
	To         prio.Priority `json:"to,omitempty"`
	Next       int           `json:"next,omitempty"`
	Response   uint64        `json:"response,omitempty"`
	Blocking   uint64        `json:"blocking,omitempty"`
	Preemption uint64        `json:"preemption,omitempty"`
}

// String implements fmt.Stringer.
func (e Event) String() string {
	switch e.Kind {
	case EventLock, EventUnlock:
		return fmt.Sprintf("%d %s task%d(%d) %s %s->%s", e.Tick, e.Kind, e.Task, e.Job, e.Resource, e.From, e.To)
	case EventBlock:
		return fmt.Sprintf("%d %s task%d(%d) %s", e.Tick, e.Kind, e.Task, e.Job, e.Resource)
	case EventPreempt:
		return fmt.Sprintf("%d %s task%d(%d) task%d", e.Tick, e.Kind, e.Task, e.Job, e.Next)
	case EventComplete:
		return fmt.Sprintf("%d %s task%d(%d) response=%d blocking=%d preemption=%d", e.Tick, e.Kind, e.Task, e.Job, e.Response, e.Blocking, e.Preemption)
	default:
		return fmt.Sprintf("%d %s task%d(%d)", e.Tick, e.Kind, e.Task, e.Job)
	}
}

// WriteText writes a human readable trace and summary of res.
func WriteText(w io.Writer, res *Result) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "# %s: %d ticks, %d context switches\n", res.Name, res.Ticks, res.ContextSwitches)
	fmt.Fprintf(tw, "TICK\tEVENT\tTASK\tJOB\tDETAIL\n")
	for _, e := range res.Events {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", e.Tick, e.Kind, e.Task, e.Job, e.detail())
	}
	fmt.Fprintf(tw, "\nTASK\tNAME\tPRIO\tJOBS\tMISSED\tMAX RESPONSE\tBLOCKING\tMAX BLOCKING\n")
	for _, st := range res.Stats {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n", st.ID, st.Name, st.Priority, st.Jobs, st.Missed, st.MaxResponse, st.TotalBlocking, st.MaxBlocking)
	}
	return tw.Flush()
}

// detail formats the kind specific fields of e.
func (e Event) detail() string {
	switch e.Kind {
	case EventLock, EventUnlock:
		return fmt.Sprintf("%s %s->%s", e.Resource, e.From, e.To)
	case EventBlock:
		return fmt.Sprintf("%s at %s", e.Resource, e.From)
	case EventPreempt:
		return fmt.Sprintf("by task %d", e.Next)
	case EventComplete:
		return fmt.Sprintf("response %d, blocking %d, preemption %d", e.Response, e.Blocking, e.Preemption)
	case EventMissDeadline:
		return fmt.Sprintf("response %d", e.Response)
	}
	return ""
}

// WriteJSON writes results as an indented JSON array.
func WriteJSON(w io.Writer, results []*Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
