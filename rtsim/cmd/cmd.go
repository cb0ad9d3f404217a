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

// Package cmd holds implementations of the rtsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/rtkernel/pkg/log"
	"gvisor.dev/rtkernel/pkg/workload"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user in addition to the log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs the error to the log and to ErrorLogger, and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.WarningfAtDepth(1, format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
	return subcommands.ExitFailure
}

// stdout returns w, or os.Stdout if w is nil.
func stdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

// loadSets loads every task file in paths.
func loadSets(paths []string) ([]*workload.TaskSet, error) {
	sets := make([]*workload.TaskSet, 0, len(paths))
	for _, p := range paths {
		s, err := workload.LoadFile(p)
		if err != nil {
			return nil, err
		}
		log.Debugf("Loaded task set %q from %q: %d tasks", s.Name, p, len(s.Tasks))
		sets = append(sets, s)
	}
	return sets, nil
}
