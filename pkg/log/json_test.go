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
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
		num   string
	}{
		{Warning, `"warning"`, "0"},
		{Info, `"info"`, "1"},
		{Debug, `"debug"`, "2"},
	} {
		t.Run(tc.level.String(), func(t *testing.T) {
			b, err := json.Marshal(tc.level)
			if err != nil {
				t.Fatalf("json.Marshal(%v) failed: %v", tc.level, err)
			}
			if string(b) != tc.name {
				t.Errorf("json.Marshal(%v) got: %s, want: %s", tc.level, b, tc.name)
			}
			for _, in := range []string{tc.name, tc.num} {
				var got Level
				if err := json.Unmarshal([]byte(in), &got); err != nil {
					t.Fatalf("json.Unmarshal(%s) failed: %v", in, err)
				}
				if got != tc.level {
					t.Errorf("json.Unmarshal(%s) got: %v, want: %v", in, got, tc.level)
				}
			}
		})
	}
}

func TestLevelJSONUnknown(t *testing.T) {
	var l Level
	for _, in := range []string{`"fatal"`, "3"} {
		if err := json.Unmarshal([]byte(in), &l); err == nil {
			t.Errorf("json.Unmarshal(%s) got: nil, want: error", in)
		}
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("json.Marshal(Level(7)) got: nil, want: error")
	}
}

func TestJSONLogRecord(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Warning, time.Time{}, "task %s exited while owning mutex %q", "lo(20)", "R1")

	var rec jsonLog
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if want := `task lo(20) exited while owning mutex "R1"`; rec.Msg != want {
		t.Errorf("msg got: %q, want: %q", rec.Msg, want)
	}
	if rec.Level != Warning {
		t.Errorf("level got: %v, want: %v", rec.Level, Warning)
	}
}
