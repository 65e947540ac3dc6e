/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoute(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRoute("prefill", RouteResultRouted, time.Millisecond)
	m.RecordRoute("prefill", RouteResultRouted, time.Millisecond)
	m.RecordRoute("decode", RouteResultNoCapacity, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoutesTotal.WithLabelValues("prefill", RouteResultRouted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutesTotal.WithLabelValues("decode", RouteResultNoCapacity)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RouteDuration))
}

func TestRecordDecision(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDecision("unified", 3, 4)
	m.RecordDecision("unified", 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("unified")))

	expected := `
# HELP kv_router_cache_hit_ratio Fraction of request blocks already cached on the selected worker
# TYPE kv_router_cache_hit_ratio histogram
kv_router_cache_hit_ratio_bucket{role="unified",le="0"} 0
kv_router_cache_hit_ratio_bucket{role="unified",le="0.25"} 0
kv_router_cache_hit_ratio_bucket{role="unified",le="0.5"} 0
kv_router_cache_hit_ratio_bucket{role="unified",le="0.75"} 1
kv_router_cache_hit_ratio_bucket{role="unified",le="1"} 1
kv_router_cache_hit_ratio_bucket{role="unified",le="+Inf"} 1
kv_router_cache_hit_ratio_sum{role="unified"} 0.75
kv_router_cache_hit_ratio_count{role="unified"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.CacheHitRatio, strings.NewReader(expected)))
}

func TestMetricsUseGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.InflightGauge.Set(3)
	m.RecordHTTPRequest("/v1/route", "200", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["kv_router_inflight_requests"])
	assert.True(t, names["kv_router_http_requests_total"])

	// A second instance on its own registry must not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}
