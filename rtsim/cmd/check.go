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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/rtkernel/pkg/workload"
	"gvisor.dev/rtkernel/rtsim/config"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	// out overrides stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate task sets and print their priority assignment"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check <task file>... - validate task sets and print task priorities, resource ceilings and utilization.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	sets, err := loadSets(f.Args())
	if err != nil {
		return Errorf("%v", err)
	}
	w := tabwriter.NewWriter(stdout(c.out), 0, 8, 2, ' ', 0)
	for i, s := range sets {
		if i > 0 {
			fmt.Fprintln(w)
		}
		a, err := s.Assign(conf.Kernel.LowestPriority)
		if err != nil {
			return Errorf("%v", err)
		}
		if err := writeAssignment(w, s, a); err != nil {
			return Errorf("%v", err)
		}
	}
	if err := w.Flush(); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// writeAssignment prints the assignment of s, its utilization and the
// rate-monotonic utilization bound n(2^(1/n)-1).
func writeAssignment(w io.Writer, s *workload.TaskSet, a *workload.Assignment) error {
	fmt.Fprintf(w, "# %s: horizon %d\n", s.Name, s.Horizon)
	fmt.Fprintf(w, "TASK\tPERIOD\tEXEC\tPRIORITY\n")
	var util float64
	for _, idx := range a.Order {
		t := &s.Tasks[idx]
		util += float64(t.Exec) / float64(t.Period)
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", t.ID, t.Period, t.Exec, a.Priorities[idx])
	}
	if len(s.Resources) > 0 {
		fmt.Fprintf(w, "RESOURCE\tCEILING\n")
		for j, r := range s.Resources {
			fmt.Fprintf(w, "%s\t%s\n", r.Name, a.Ceilings[j])
		}
	}
	n := float64(len(s.Tasks))
	bound := n * (math.Pow(2, 1/n) - 1)
	_, err := fmt.Fprintf(w, "utilization %.3f, rate-monotonic bound %.3f\n", util, bound)
	return err
}
