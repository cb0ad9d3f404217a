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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/term"
	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/workload"
	"gvisor.dev/rtkernel/rtsim/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	format     string
	stopOnMiss bool
	timeout    time.Duration
	output     string

	// out overrides stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "simulate task sets and print their traces"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <task file>... - simulate each task set on its own kernel.

Task files are TOML (.toml), JSON (.json), YAML (.yaml, .yml) or legacy
whitespace separated files (anything else).
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", "auto", "output format: auto, text or json. auto selects text when writing to a terminal and json otherwise.")
	f.BoolVar(&r.stopOnMiss, "stop-on-miss", false, "stop a task set at its first missed deadline and fail.")
	f.DurationVar(&r.timeout, "timeout", 0, "wall clock limit for all runs, 0 means no limit.")
	f.StringVar(&r.output, "o", "", "file to write the output to instead of stdout. The file is locked while it is written.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	format, err := r.resolveFormat()
	if err != nil {
		return Errorf("%v", err)
	}
	sets, err := loadSets(f.Args())
	if err != nil {
		return Errorf("loading task sets: %v", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	opts := workload.Options{Kernel: conf.Kernel, StopOnMiss: r.stopOnMiss}
	start := time.Now()
	results, runErr := workload.RunAll(ctx, sets, opts)
	log.Infof("Ran %d task sets in %v", len(sets), time.Since(start))

	var buf bytes.Buffer
	if err := writeResults(&buf, format, results); err != nil {
		return Errorf("formatting results: %v", err)
	}
	if err := r.emit(buf.Bytes()); err != nil {
		return Errorf("writing results: %v", err)
	}
	if runErr != nil {
		return Errorf("run failed: %v", runErr)
	}
	return subcommands.ExitSuccess
}

// resolveFormat maps the format flag to "text" or "json".
func (r *Run) resolveFormat() (string, error) {
	switch r.format {
	case "text", "json":
		return r.format, nil
	case "auto":
		if r.out == nil && r.output == "" && term.IsTerminal(int(os.Stdout.Fd())) {
			return "text", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("invalid format %q, must be 'auto', 'text' or 'json'", r.format)
	}
}

// emit writes data to the output file under its lock, or to stdout.
func (r *Run) emit(data []byte) error {
	if r.output == "" {
		_, err := stdout(r.out).Write(data)
		return err
	}
	lock := flock.New(r.output)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %q: %w", r.output, err)
	}
	defer lock.Unlock()
	return os.WriteFile(r.output, data, 0644)
}

// writeResults formats results. Runs that failed before starting have no
// result and are skipped.
func writeResults(w io.Writer, format string, results []*workload.Result) error {
	var done []*workload.Result
	for _, res := range results {
		if res != nil {
			done = append(done, res)
		}
	}
	if format == "json" {
		return workload.WriteJSON(w, done)
	}
	for i, res := range done {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := workload.WriteText(w, res); err != nil {
			return err
		}
	}
	return nil
}
