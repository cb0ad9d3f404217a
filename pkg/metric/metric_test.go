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

package metric

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistration(t *testing.T) {
	if _, err := NewUint64Metric("/test/registration", "desc"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/test/registration", "desc"); err != ErrNameInUse {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("/test/nofields", "desc", NewField("f", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
	a, b := NewField("a", []string{"x"}), NewField("b", []string{"y"})
	if _, err := NewUint64Metric("/test/twofields", "desc", a, b); err != ErrTooManyFields {
		t.Errorf("got err %v want %v", err, ErrTooManyFields)
	}
}

func TestIncrement(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/increment", "counts things", NewField("result", []string{"ok", "fail"}))
	m.Increment("ok")
	m.Increment("ok")
	m.IncrementBy(5, "fail")
	if got, want := m.Value("ok"), uint64(2); got != want {
		t.Errorf("Value(ok) got: %d, want: %d", got, want)
	}
	if got, want := m.Value("fail"), uint64(5); got != want {
		t.Errorf("Value(fail) got: %d, want: %d", got, want)
	}

	var snap Snapshot
	for _, s := range All() {
		if s.Name == "/test/increment" {
			snap = s
		}
	}
	want := Snapshot{
		Name:        "/test/increment",
		Description: "counts things",
		FieldName:   "result",
		Values:      map[string]uint64{"ok": 2, "fail": 5},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDisallowedValuePanics(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/panics", "desc", NewField("result", []string{"ok"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("nope")
}

func TestPrometheusName(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"/mutex/acquire", "rtkernel_mutex_acquire"},
		{"/kernel/context_switches", "rtkernel_kernel_context_switches"},
		{"/a-b/", "rtkernel_a_b"},
	} {
		if got := PrometheusName(tc.in); got != tc.want {
			t.Errorf("PrometheusName(%q) got: %q, want: %q", tc.in, got, tc.want)
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/prom", "prom counter", NewField("kind", []string{"a", "b"}))
	m.IncrementBy(3, "b")
	plain := MustCreateNewUint64Metric("/test/prom_plain", "plain counter")
	plain.Increment()

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# HELP rtkernel_test_prom prom counter\n",
		"# TYPE rtkernel_test_prom counter\n",
		"rtkernel_test_prom{kind=\"a\"} 0\n",
		"rtkernel_test_prom{kind=\"b\"} 3\n",
		"rtkernel_test_prom_plain 1\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
