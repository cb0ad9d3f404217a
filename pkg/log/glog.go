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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the level letter (D, I or W) and pid is padded to 7 columns.
type GoogleEmitter struct {
	*Writer
}

// glogTime is the timestamp layout of the header.
const glogTime = "0102 15:04:05.000000"

// pid is the header process ID.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelLetter returns the header letter of l.
func levelLetter(l Level) byte {
	switch l {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// caller returns "file:line" for the frame depth levels above the caller of
// the emitter calling it, or "???:0".
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 256)
	b = append(b, levelLetter(level))
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, caller(depth)...)
	b = append(b, "] "...)
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')
	g.Writer.Write(b)
}
