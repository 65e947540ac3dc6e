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

package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/volcano-sh/kv-router/pkg/kv-router/metrics"
)

// unmatchedPath labels requests that hit no route.
const unmatchedPath = "unmatched"

// MetricsMiddleware records the count and latency of every request by route
// template and status code.
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		m.RecordHTTPRequest(path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
