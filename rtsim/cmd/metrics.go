// Copyright 2022 The gVisor Authors.
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
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/rtkernel/pkg/metric"
	"gvisor.dev/rtkernel/pkg/workload"
	"gvisor.dev/rtkernel/rtsim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	// out overrides stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "simulate task sets and export kernel metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [<task file>...] - runs the task sets, then prints kernel and mutex metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	sets, err := loadSets(f.Args())
	if err != nil {
		return Errorf("loading task sets: %v", err)
	}
	if len(sets) > 0 {
		if _, err := workload.RunAll(ctx, sets, workload.Options{Kernel: conf.Kernel}); err != nil {
			return Errorf("run failed: %v", err)
		}
	}
	if err := metric.WritePrometheus(stdout(m.out)); err != nil {
		return Errorf("cannot write metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
