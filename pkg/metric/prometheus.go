// Copyright 2023 The gVisor Authors.
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
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// namespace prefixes every exported metric name.
const namespace = "rtkernel"

// PrometheusName converts a metric name such as "/mutex/acquire" into a valid
// Prometheus metric name such as "rtkernel_mutex_acquire".
func PrometheusName(name string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// family returns the Prometheus counter family for m.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for i, v := range m.fieldValues() {
		pm := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[i].Load()))},
		}
		if m.field != nil {
			pm.Label = []*dto.LabelPair{{
				Name:  proto.String(m.field.name),
				Value: proto.String(v),
			}}
		}
		mf.Metric = append(mf.Metric, pm)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format, sorted by name.
func WritePrometheus(w io.Writer) error {
	registry.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		ms = append(ms, m)
	}
	registry.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	for _, m := range ms {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %s: %w", m.name, err)
		}
	}
	return nil
}
