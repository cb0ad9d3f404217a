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

// Package errors holds the standardized error definition for the kernel.
package errors

import "fmt"

// Code is a stable numeric kernel error code.
type Code uint8

// String implements fmt.Stringer.
func (c Code) String() string {
	return fmt.Sprintf("code %d", uint8(c))
}

// Error represents a kernel error code with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying error code.
func (e *Error) Code() Code { return e.code }
