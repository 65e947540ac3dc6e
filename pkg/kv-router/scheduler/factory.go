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
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/cache"
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/framework"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/plugins"
)

// Handle gives plugin builders access to the state they score against.
type Handle struct {
	Index *cache.Index
}

type ScorePluginBuilder = func(h Handle, args runtime.RawExtension) framework.ScorePlugin
type FilterPluginBuilder = func(h Handle, args runtime.RawExtension) framework.FilterPlugin

// PluginRegistry maps plugin names to builders.
type PluginRegistry struct {
	score  map[string]ScorePluginBuilder
	filter map[string]FilterPluginBuilder
}

// NewPluginRegistry returns a registry holding the built-in plugins.
func NewPluginRegistry() *PluginRegistry {
	r := &PluginRegistry{
		score:  make(map[string]ScorePluginBuilder),
		filter: make(map[string]FilterPluginBuilder),
	}

	r.RegisterScorePlugin(plugins.KVCachePluginName, func(Handle, runtime.RawExtension) framework.ScorePlugin {
		return plugins.NewKVCache()
	})
	r.RegisterScorePlugin(plugins.LeastLoadPluginName, func(Handle, runtime.RawExtension) framework.ScorePlugin {
		return plugins.NewLeastLoad()
	})
	r.RegisterScorePlugin(plugins.RoleAffinityPluginName, func(_ Handle, args runtime.RawExtension) framework.ScorePlugin {
		return plugins.NewRoleAffinity(args)
	})
	r.RegisterFilterPlugin(plugins.RoleFilterPluginName, func(Handle, runtime.RawExtension) framework.FilterPlugin {
		return plugins.NewRoleFilter()
	})
	return r
}

// RegisterScorePlugin adds or replaces a score plugin builder.
func (r *PluginRegistry) RegisterScorePlugin(name string, b ScorePluginBuilder) {
	r.score[name] = b
}

// RegisterFilterPlugin adds or replaces a filter plugin builder.
func (r *PluginRegistry) RegisterFilterPlugin(name string, b FilterPluginBuilder) {
	r.filter[name] = b
}

func (r *PluginRegistry) buildFilterPlugins(h Handle, names []string, args map[string]runtime.RawExtension) []framework.FilterPlugin {
	var list []framework.FilterPlugin
	for _, name := range names {
		build, ok := r.filter[name]
		if !ok {
			klog.Errorf("Unknown filter plugin %q, skipped", name)
			continue
		}
		list = append(list, build(h, args[name]))
	}
	return list
}

func (r *PluginRegistry) buildScorePlugins(h Handle, enabled []config.PluginWithWeight, args map[string]runtime.RawExtension) []*scorePlugin {
	var list []*scorePlugin
	for _, p := range enabled {
		build, ok := r.score[p.Name]
		if !ok {
			klog.Errorf("Unknown score plugin %q, skipped", p.Name)
			continue
		}
		weight := p.Weight
		if weight < 0 {
			klog.Errorf("Weight for plugin %q is invalid, value is %v. Setting to 0", p.Name, weight)
			weight = 0
		}
		list = append(list, &scorePlugin{
			plugin: build(h, args[p.Name]),
			weight: weight,
		})
	}
	return list
}
