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

const KVCachePluginName = config.KVCachePluginName

var _ framework.ScorePlugin = &KVCache{}

// KVCache scores workers by the fraction of the request's blocks they
// already hold.
type KVCache struct {
	name string
}

func NewKVCache() *KVCache {
	return &KVCache{
		name: KVCachePluginName,
	}
}

func (k *KVCache) Name() string {
	return k.name
}

func (k *KVCache) Score(ctx *framework.Context, workers []*datastore.WorkerInfo) map[*datastore.WorkerInfo]float64 {
	scoreResults := make(map[*datastore.WorkerInfo]float64, len(workers))
	total := ctx.TotalBlocks()
	for _, w := range workers {
		if total == 0 {
			scoreResults[w] = 0
			continue
		}
		scoreResults[w] = float64(ctx.MatchedBlocks(w.ID)) / float64(total)
	}
	return scoreResults
}
