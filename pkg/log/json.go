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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type jsonLog struct {
	Msg    string    `json:"msg"`
	Caller string    `json:"caller,omitempty"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON. Levels are written as
// lower case names.
func (l Level) MarshalJSON() ([]byte, error) {
	if l > Debug {
		return nil, fmt.Errorf("unknown level %d", l)
	}
	return json.Marshal(strings.ToLower(l.String()))
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names as well as their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("unknown level %s", b)
		}
		if n < int(Warning) || n > int(Debug) {
			return fmt.Errorf("unknown level %d", n)
		}
		*l = Level(n)
		return nil
	}
	lv, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	b, err := json.Marshal(jsonLog{
		Msg:    fmt.Sprintf(format, v...),
		Caller: caller(depth),
		Level:  level,
		Time:   timestamp,
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
