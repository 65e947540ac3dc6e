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

package scheduler

import (
	"sort"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/cache"
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/framework"
)

// Scheduler ranks candidate workers for a request.
type Scheduler interface {
	// Schedule returns the eligible candidates, best first. It never mutates
	// shared state and returns an empty ranking when nothing is eligible.
	Schedule(ctx *framework.Context, candidates []*datastore.WorkerInfo) []ScoredWorker
	// RunPostHooks runs after the router committed to ctx.Selected.
	RunPostHooks(ctx *framework.Context)
}

// ScoredWorker is one entry of a ranking.
type ScoredWorker struct {
	Worker        *datastore.WorkerInfo
	Score         float64
	MatchedBlocks int
	Load          int64
}

type SchedulerImpl struct {
	index *cache.Index

	filterPlugins []framework.FilterPlugin
	scorePlugins  []*scorePlugin

	postHooks []framework.PostHook
}

type scorePlugin struct {
	plugin framework.ScorePlugin
	weight float64
}

var _ Scheduler = &SchedulerImpl{}

func NewScheduler(index *cache.Index, conf config.SchedulerConfiguration) Scheduler {
	return NewSchedulerWithRegistry(index, conf, NewPluginRegistry())
}

// NewSchedulerWithRegistry builds a scheduler whose plugins are looked up in
// registry, so callers can add their own plugins. Enabled plugins that
// implement framework.PostHook run after every committed decision.
func NewSchedulerWithRegistry(index *cache.Index, conf config.SchedulerConfiguration, registry *PluginRegistry) *SchedulerImpl {
	h := Handle{Index: index}
	args := conf.PluginArgs()

	s := &SchedulerImpl{
		index:         index,
		filterPlugins: registry.buildFilterPlugins(h, conf.Plugins.Filter.Enabled, args),
		scorePlugins:  registry.buildScorePlugins(h, conf.Plugins.Score.Enabled, args),
	}
	for _, sp := range s.scorePlugins {
		if hook, ok := sp.plugin.(framework.PostHook); ok {
			s.postHooks = append(s.postHooks, hook)
		}
	}
	return s
}

func (s *SchedulerImpl) Schedule(ctx *framework.Context, candidates []*datastore.WorkerInfo) []ScoredWorker {
	if len(candidates) == 0 {
		return nil
	}

	// Filters may work in place, keep the caller's slice intact.
	workers := make([]*datastore.WorkerInfo, len(candidates))
	copy(workers, candidates)
	workers = s.RunFilterPlugins(workers, ctx)
	if len(workers) == 0 {
		return nil
	}

	if ctx.Matches == nil {
		ctx.Matches = make(map[string]int)
		for _, m := range s.index.Match(ctx.Hashes) {
			ctx.Matches[m.WorkerID] = m.MatchedBlocks
		}
	}

	warm := false
	for _, w := range workers {
		if ctx.Matches[w.ID] > 0 {
			warm = true
			break
		}
	}

	// A cold request is placed on the least loaded worker only.
	var scores map[*datastore.WorkerInfo]float64
	if warm {
		scores = s.RunScorePlugins(workers, ctx)
	} else {
		klog.V(4).Infof("No cached prefix for request %s, falling back to least load", ctx.RequestID)
	}

	ranking := make([]ScoredWorker, 0, len(workers))
	for _, w := range workers {
		ranking = append(ranking, ScoredWorker{
			Worker:        w,
			Score:         scores[w],
			MatchedBlocks: ctx.Matches[w.ID],
			Load:          w.EffectiveLoad(),
		})
	}
	SortRanking(ranking)
	return ranking
}

func (s *SchedulerImpl) RunFilterPlugins(workers []*datastore.WorkerInfo, ctx *framework.Context) []*datastore.WorkerInfo {
	for _, filterPlugin := range s.filterPlugins {
		workers = filterPlugin.Filter(ctx, workers)
		if len(workers) == 0 {
			klog.V(4).Infof("Workers have all been filtered out by %q for request %s", filterPlugin.Name(), ctx.RequestID)
			return nil
		}
	}
	return workers
}

func (s *SchedulerImpl) RunScorePlugins(workers []*datastore.WorkerInfo, ctx *framework.Context) map[*datastore.WorkerInfo]float64 {
	res := make(map[*datastore.WorkerInfo]float64, len(workers))
	for _, scorePlugin := range s.scorePlugins {
		scores := scorePlugin.plugin.Score(ctx, workers)
		for k, v := range scores {
			klog.V(5).Infof("ScorePlugin %s: worker %s, score %.4f", scorePlugin.plugin.Name(), k.ID, v)
			res[k] += v * scorePlugin.weight
		}
	}

	if klogV := klog.V(4); klogV.Enabled() {
		for k, v := range res {
			klogV.Infof("Request %s: worker %s, final score %.4f", ctx.RequestID, k.ID, v)
		}
	}
	return res
}

func (s *SchedulerImpl) RunPostHooks(ctx *framework.Context) {
	for _, hook := range s.postHooks {
		hook.PostSchedule(ctx)
	}
}

// SortRanking orders by score, then lower load, then lower worker id.
func SortRanking(ranking []ScoredWorker) {
	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].Score != ranking[j].Score {
			return ranking[i].Score > ranking[j].Score
		}
		if ranking[i].Load != ranking[j].Load {
			return ranking[i].Load < ranking[j].Load
		}
		return ranking[i].Worker.ID < ranking[j].Worker.ID
	})
}
