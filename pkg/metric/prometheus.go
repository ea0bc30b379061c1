// Copyright 2026 The gVisor Authors.
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
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// ExporterPrefix is prepended to every exported metric name.
const ExporterPrefix = "tdvisor_"

// PrometheusName returns the exported name of a metric: the prefix followed
// by the path components joined with underscores.
func PrometheusName(name string) string {
	return ExporterPrefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// Families returns the registry contents as Prometheus counter families,
// ordered by name.
func (r *Registry) Families() []*dto.MetricFamily {
	var families []*dto.MetricFamily
	for _, m := range r.sorted() {
		mf := &dto.MetricFamily{
			Name: proto.String(PrometheusName(m.name)),
			Help: proto.String(m.description),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for _, s := range m.Samples() {
			pm := &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(float64(s.Value))}}
			for i, v := range s.Fields {
				pm.Label = append(pm.Label, &dto.LabelPair{
					Name:  proto.String(m.fieldMapper.fields[i].name),
					Value: proto.String(v),
				})
			}
			mf.Metric = append(mf.Metric, pm)
		}
		if len(mf.Metric) == 0 {
			continue
		}
		families = append(families, mf)
	}
	return families
}

// WriteText writes the registry in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
