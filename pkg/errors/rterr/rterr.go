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

// Package rterr contains the errors returned by kernel and mutex operations.
//
// Errors fall into four groups. Context violations (interrupt context,
// scheduler locked) and argument or state violations are rejected before any
// state is mutated. Priority configuration violations are reported at create
// time, except ErrCeilingViolation which is a warning returned after the
// operation completed. Contention outcomes (ErrTimeout, ErrAborted) are
// ordinary results that callers are expected to branch on.
package rterr

import (
	"gvisor.dev/rtkernel/pkg/errors"
)

// Error codes. The values are stable and may be used across process
// boundaries, e.g. in JSON traces.
const (
	codePendFromInterrupt     errors.Code = 2
	codePostFromInterrupt     errors.Code = 5
	codeQueryFromInterrupt    errors.Code = 6
	codeInvalidOption         errors.Code = 7
	codeTimeout               errors.Code = 10
	codePendWhileLocked       errors.Code = 13
	codeAborted               errors.Code = 14
	codeDelFromInterrupt      errors.Code = 15
	codeCreateFromInterrupt   errors.Code = 16
	codeInvalidHandle         errors.Code = 17
	codeNoCurrentTask         errors.Code = 18
	codeDelayFromInterrupt    errors.Code = 19
	codeDelayWhileLocked      errors.Code = 20
	codePriorityExists        errors.Code = 40
	codeInvalidPriority       errors.Code = 42
	codeTooManyTasks          errors.Code = 66
	codeTasksWaiting          errors.Code = 73
	codeNoFreeBlocks          errors.Code = 74
	codeNotOwner              errors.Code = 100
	codeAlreadyOwner          errors.Code = 101
	codePriorityCeilingExists errors.Code = 102
	codeCeilingViolation      errors.Code = 120
	codeAlreadyStarted        errors.Code = 150
	codeDeadlock              errors.Code = 151
	codeTickLimit             errors.Code = 152
)

// Context violations.
var (
	ErrCreateFromInterrupt = errors.New(codeCreateFromInterrupt, "cannot create from interrupt context")
	ErrPendFromInterrupt   = errors.New(codePendFromInterrupt, "cannot pend on a mutex from interrupt context")
	ErrPostFromInterrupt   = errors.New(codePostFromInterrupt, "cannot release a mutex from interrupt context")
	ErrDelFromInterrupt    = errors.New(codeDelFromInterrupt, "cannot delete a mutex from interrupt context")
	ErrQueryFromInterrupt  = errors.New(codeQueryFromInterrupt, "cannot query a mutex from interrupt context")
	ErrDelayFromInterrupt  = errors.New(codeDelayFromInterrupt, "cannot delay from interrupt context")
	ErrPendWhileLocked     = errors.New(codePendWhileLocked, "cannot pend while the scheduler is locked")
	ErrDelayWhileLocked    = errors.New(codeDelayWhileLocked, "cannot delay while the scheduler is locked")
	ErrNoCurrentTask       = errors.New(codeNoCurrentTask, "operation requires a running task")
)

// Argument and state violations.
var (
	ErrInvalidHandle  = errors.New(codeInvalidHandle, "invalid or stale mutex handle")
	ErrInvalidOption  = errors.New(codeInvalidOption, "invalid option")
	ErrNotOwner       = errors.New(codeNotOwner, "caller does not own the mutex")
	ErrAlreadyOwner   = errors.New(codeAlreadyOwner, "caller already owns the mutex")
	ErrTasksWaiting   = errors.New(codeTasksWaiting, "tasks are waiting on the mutex")
	ErrNoFreeBlocks   = errors.New(codeNoFreeBlocks, "no free mutex control blocks")
	ErrTooManyTasks   = errors.New(codeTooManyTasks, "task table is full")
	ErrAlreadyStarted = errors.New(codeAlreadyStarted, "kernel already started")
)

// Priority configuration violations.
var (
	ErrInvalidPriority       = errors.New(codeInvalidPriority, "priority out of range")
	ErrPriorityExists        = errors.New(codePriorityExists, "priority already in use")
	ErrPriorityCeilingExists = errors.New(codePriorityCeilingExists, "ceiling priority already in use")
	ErrCeilingViolation      = errors.New(codeCeilingViolation, "mutex owner priority is not lower than the ceiling")
)

// Contention and run outcomes.
var (
	ErrTimeout   = errors.New(codeTimeout, "timed out waiting for the mutex")
	ErrAborted   = errors.New(codeAborted, "wait aborted: mutex deleted")
	ErrDeadlock  = errors.New(codeDeadlock, "all tasks blocked with no pending timeout")
	ErrTickLimit = errors.New(codeTickLimit, "tick limit reached")
)

var errorMap = map[errors.Code]*errors.Error{}

func init() {
	for _, err := range []*errors.Error{
		ErrCreateFromInterrupt,
		ErrPendFromInterrupt,
		ErrPostFromInterrupt,
		ErrDelFromInterrupt,
		ErrQueryFromInterrupt,
		ErrDelayFromInterrupt,
		ErrPendWhileLocked,
		ErrDelayWhileLocked,
		ErrNoCurrentTask,
		ErrInvalidHandle,
		ErrInvalidOption,
		ErrNotOwner,
		ErrAlreadyOwner,
		ErrTasksWaiting,
		ErrNoFreeBlocks,
		ErrTooManyTasks,
		ErrAlreadyStarted,
		ErrInvalidPriority,
		ErrPriorityExists,
		ErrPriorityCeilingExists,
		ErrCeilingViolation,
		ErrTimeout,
		ErrAborted,
		ErrDeadlock,
		ErrTickLimit,
	} {
		if _, ok := errorMap[err.Code()]; ok {
			panic("duplicate error code " + err.Code().String())
		}
		errorMap[err.Code()] = err
	}
}

// FromCode returns the predefined error with the given code.
func FromCode(code errors.Code) (*errors.Error, bool) {
	err, ok := errorMap[code]
	return err, ok
}

// IsWarning returns true if err reports a completed operation with a
// configuration warning rather than a failure.
func IsWarning(err error) bool {
	return err == ErrCeilingViolation
}
