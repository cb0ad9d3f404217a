// Copyright 2024 The gVisor Authors.
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

package rterr

import (
	"errors"
	"fmt"
	"testing"

	kerrors "gvisor.dev/rtkernel/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	for _, want := range errorMap {
		got, ok := FromCode(want.Code())
		if !ok || got != want {
			t.Errorf("FromCode(%v) got: %v, %t, want: %v", want.Code(), got, ok, want)
		}
	}
	if _, ok := FromCode(255); ok {
		t.Errorf("FromCode(255) found an error")
	}
}

func TestWrapped(t *testing.T) {
	err := fmt.Errorf("acquiring %q: %w", "R1", ErrTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(%v, ErrTimeout) = false", err)
	}
	if errors.Is(err, ErrAborted) {
		t.Errorf("errors.Is(%v, ErrAborted) = true", err)
	}
}

func TestIsWarning(t *testing.T) {
	if !IsWarning(ErrCeilingViolation) {
		t.Errorf("IsWarning(ErrCeilingViolation) = false")
	}
	if IsWarning(ErrNotOwner) || IsWarning(nil) {
		t.Errorf("IsWarning reported a warning for a failure")
	}
}

func TestStableCodes(t *testing.T) {
	for _, tc := range []struct {
		err  *kerrors.Error
		code kerrors.Code
	}{
		{ErrPendFromInterrupt, 2},
		{ErrPostFromInterrupt, 5},
		{ErrQueryFromInterrupt, 6},
		{ErrInvalidOption, 7},
		{ErrTimeout, 10},
		{ErrPendWhileLocked, 13},
		{ErrAborted, 14},
		{ErrDelFromInterrupt, 15},
		{ErrCreateFromInterrupt, 16},
		{ErrInvalidHandle, 17},
		{ErrNoCurrentTask, 18},
		{ErrDelayFromInterrupt, 19},
		{ErrDelayWhileLocked, 20},
		{ErrPriorityExists, 40},
		{ErrInvalidPriority, 42},
		{ErrTooManyTasks, 66},
		{ErrTasksWaiting, 73},
		{ErrNoFreeBlocks, 74},
		{ErrNotOwner, 100},
		{ErrAlreadyOwner, 101},
		{ErrPriorityCeilingExists, 102},
		{ErrCeilingViolation, 120},
		{ErrAlreadyStarted, 150},
		{ErrDeadlock, 151},
		{ErrTickLimit, 152},
	} {
		got, ok := FromCode(tc.code)
		if !ok || got != tc.err {
			t.Errorf("FromCode(%d) got: %v, want: %v", tc.code, got, tc.err)
		}
	}
	if got, want := len(errorMap), 25; got != want {
		t.Errorf("len(errorMap) got: %d, want: %d", got, want)
	}
}
