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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttled forwards messages to a Logger while a token bucket allows it.
// Dropped messages are counted and reported with the next forwarded one.
type throttled struct {
	next    Logger
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// forward formats the message and passes it to logf if the limiter allows.
func (th *throttled) forward(logf func(string, ...any), format string, v []any) {
	if !th.limiter.Allow() {
		th.dropped.Add(1)
		return
	}
	msg := fmt.Sprintf(format, v...)
	if n := th.dropped.Swap(0); n > 0 {
		msg = fmt.Sprintf("%s (%d similar messages suppressed)", msg, n)
	}
	logf("%s", msg)
}

// Debugf implements Logger.Debugf.
func (th *throttled) Debugf(format string, v ...any) {
	th.forward(th.next.Debugf, format, v)
}

// Infof implements Logger.Infof.
func (th *throttled) Infof(format string, v ...any) {
	th.forward(th.next.Infof, format, v)
}

// Warningf implements Logger.Warningf.
func (th *throttled) Warningf(format string, v ...any) {
	th.forward(th.next.Warningf, format, v)
}

// IsLogging implements Logger.IsLogging.
func (th *throttled) IsLogging(level Level) bool {
	return th.next.IsLogging(level)
}

// BasicRateLimitedLogger is RateLimitedLogger over the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that passes at most one message per
// interval to logger. The first message after a quiet period reports how many
// were dropped.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &throttled{
		next:    logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}
