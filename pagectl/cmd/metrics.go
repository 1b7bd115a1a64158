// Copyright 2025 The pagemem Authors.
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

package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/golang/protobuf/proto"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/pgalloc"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
	"github.com/pagemem/pagemem/pkg/tlb"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// metricPrefix is prepended to every exported metric name.
const metricPrefix = "pagemem_"

type sample struct {
	labels []*dto.LabelPair
	value  float64
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

func family(name, help string, typ dto.MetricType, samples ...sample) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
	for _, s := range samples {
		m := &dto.Metric{Label: s.labels}
		switch typ {
		case dto.MetricType_COUNTER:
			m.Counter = &dto.Counter{Value: proto.Float64(s.value)}
		default:
			m.Gauge = &dto.Gauge{Value: proto.Float64(s.value)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return family(name, help, dto.MetricType_GAUGE, sample{value: v})
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return family(name, help, dto.MetricType_COUNTER, sample{value: v})
}

// metricFamilies converts the state of the page pool, the page tables and
// the translation caches into Prometheus metric families.
func metricFamilies(u pgalloc.Usage, tables int, stats []tlb.Stats) []*dto.MetricFamily {
	fams := []*dto.MetricFamily{
		gauge("pages_total", "Pages backing the page pool.", float64(u.TotalPages)),
		gauge("pages_free", "Pages not allocated.", float64(u.FreePages)),
		gauge("pages_allocated", "Pages allocated.", float64(u.AllocatedPages)),
		counter("allocations_total", "Successful allocations.", float64(u.Allocations)),
		counter("frees_total", "Frees.", float64(u.Frees)),
		counter("allocation_failures_total", "Allocations that found no free run.", float64(u.Failures)),
		counter("allocation_waits_total", "Times an allocation waited for pages to be freed.", float64(u.Waits)),
		gauge("windows_mapped", "Mapping windows currently open.", float64(u.MappedWindows)),
		counter("window_maps_total", "Mapping windows ever opened.", float64(u.WindowMaps)),
		gauge("page_tables", "Page table pages in use.", float64(tables)),
	}

	runs := make([]sample, len(u.FreeRuns))
	for order, n := range u.FreeRuns {
		runs[order] = sample{labels: []*dto.LabelPair{label("order", strconv.Itoa(order))}, value: float64(n)}
	}
	fams = append(fams, family("free_runs", "Free runs by order.", dto.MetricType_GAUGE, runs...))

	entries := make([]sample, len(stats))
	hits := make([]sample, len(stats))
	misses := make([]sample, len(stats))
	for i, s := range stats {
		l := []*dto.LabelPair{label("cpu", strconv.Itoa(s.CPU))}
		entries[i] = sample{labels: l, value: float64(s.Entries)}
		hits[i] = sample{labels: l, value: float64(s.Hits)}
		misses[i] = sample{labels: l, value: float64(s.Misses)}
	}
	return append(fams,
		family("tlb_entries", "Cached translations by CPU.", dto.MetricType_GAUGE, entries...),
		family("tlb_hits_total", "Translation cache hits by CPU.", dto.MetricType_COUNTER, hits...),
		family("tlb_misses_total", "Translation cache misses by CPU.", dto.MetricType_COUNTER, misses...),
	)
}

// leafSizes labels mapped leaves by the size of page they map.
var leafSizes = []struct {
	level pagetables.Level
	size  string
}{
	{pagetables.PTELevel, "4K"},
	{pagetables.PMDLevel, "2M"},
	{pagetables.PUDLevel, "1G"},
}

// mappedLeaves walks every canonical address of pt and counts its leaves
// by size.
func mappedLeaves(pt *pagetables.PageTables) *dto.MetricFamily {
	counts := make(map[pagetables.Level]int)
	pt.Walk(0, ^uintptr(0)&^(hostarch.PageSize-1), func(m pagetables.Mapping) {
		counts[m.Level]++
	})
	samples := make([]sample, len(leafSizes))
	for i, ls := range leafSizes {
		samples[i] = sample{labels: []*dto.LabelPair{label("size", ls.size)}, value: float64(counts[ls.level])}
	}
	return family("mapped_leaves", "Valid page table leaves by page size.", dto.MetricType_GAUGE, samples...)
}

// metricFamilies returns every metric family describing m.
func (m *machine) metricFamilies() []*dto.MetricFamily {
	return append(metricFamilies(m.mf.Usage(), m.tables.InUse(), m.tlb.Stats()), mappedLeaves(m.pt))
}

// writeMetrics writes fams in the Prometheus text format and returns the
// number of bytes written.
func writeMetrics(w io.Writer, fams []*dto.MetricFamily) (int, error) {
	written := 0
	for _, mf := range fams {
		if len(mf.Metric) == 0 {
			// The text format rejects families without samples.
			continue
		}
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return written, nil
}
