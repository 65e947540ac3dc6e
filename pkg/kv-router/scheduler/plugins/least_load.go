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

package plugins

import (
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/framework"
)

const LeastLoadPluginName = config.LeastLoadPluginName

var _ framework.ScorePlugin = &LeastLoad{}

// LeastLoad penalizes workers by their load relative to the busiest
// candidate: the busiest scores -1, an idle worker 0.
type LeastLoad struct {
	name string
}

func NewLeastLoad() *LeastLoad {
	return &LeastLoad{name: LeastLoadPluginName}
}

func (l *LeastLoad) Name() string {
	return l.name
}

func (l *LeastLoad) Score(ctx *framework.Context, workers []*datastore.WorkerInfo) map[*datastore.WorkerInfo]float64 {
	scoreResults := make(map[*datastore.WorkerInfo]float64, len(workers))
	if len(workers) == 0 {
		return scoreResults
	}

	loads := make(map[*datastore.WorkerInfo]int64, len(workers))
	var maxLoad int64
	for _, w := range workers {
		load := w.EffectiveLoad()
		loads[w] = load
		if load > maxLoad {
			maxLoad = load
		}
	}

	for _, w := range workers {
		if maxLoad == 0 {
			scoreResults[w] = 0
			continue
		}
		scoreResults[w] = -float64(loads[w]) / float64(maxLoad)
	}
	return scoreResults
}
