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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("field needs to define allowed values")

	// ErrTooManyFields indicates that more than one field was given.
	ErrTooManyFields = errors.New("at most one field is supported")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
//
// A metric has either no field, in which case it holds a single counter, or
// one field, in which case it holds one counter per allowed field value.
type Uint64Metric struct {
	name        string
	description string

	// field is nil for metrics without fields.
	field *Field

	// values is indexed by the position of the field value in
	// field.allowedValues.
	values []atomic.Uint64
}

// registry holds all registered metrics.
var registry = struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}{
	metrics: make(map[string]*Uint64Metric),
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{
		name:        name,
		description: description,
	}
	switch len(fields) {
	case 0:
		m.values = make([]atomic.Uint64, 1)
	case 1:
		if len(fields[0].allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		f := fields[0]
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.allowedValues))
	default:
		return nil, ErrTooManyFields
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	registry.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// key returns the index of the counter for the given field values. It panics
// on a wrong number of values or a disallowed value.
func (m *Uint64Metric) key(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic("invalid field lookup depth")
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic("invalid field lookup depth")
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("disallowed field value %q for metric %s", fieldValues[0], m.name))
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Snapshot is a point-in-time copy of one metric.
type Snapshot struct {
	Name        string
	Description string

	// FieldName is empty for metrics without fields.
	FieldName string

	// Values maps field values to counters. Metrics without fields use the
	// empty string as the only key.
	Values map[string]uint64
}

func (m *Uint64Metric) snapshot() Snapshot {
	s := Snapshot{
		Name:        m.name,
		Description: m.description,
		Values:      make(map[string]uint64, len(m.values)),
	}
	if m.field == nil {
		s.Values[""] = m.values[0].Load()
		return s
	}
	s.FieldName = m.field.name
	for i, v := range m.field.allowedValues {
		s.Values[v] = m.values[i].Load()
	}
	return s
}

// fieldValues returns the allowed field values in registration order.
func (m *Uint64Metric) fieldValues() []string {
	if m.field == nil {
		return []string{""}
	}
	return m.field.allowedValues
}

// All returns a snapshot of every registered metric, sorted by name.
func All() []Snapshot {
	registry.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		ms = append(ms, m)
	}
	registry.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	out := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.snapshot())
	}
	return out
}

// ResetForTest zeroes every registered metric.
func ResetForTest() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for _, m := range registry.metrics {
		for i := range m.values {
			m.values[i].Store(0)
		}
	}
}
