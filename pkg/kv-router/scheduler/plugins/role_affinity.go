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
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/framework"
)

const (
	RoleAffinityPluginName = config.RoleAffinityPluginName

	DefaultRoleMismatchPenalty = 1.0
)

var _ framework.ScorePlugin = &RoleAffinity{}

// RoleAffinity penalizes workers whose role differs from the role preferred
// for the request: the request role itself, or unified when any role will do.
type RoleAffinity struct {
	name    string
	penalty float64
}

type RoleAffinityArgs struct {
	// Penalty is subtracted from mismatching workers, within [0, 1].
	Penalty *float64 `json:"penalty,omitempty"`
}

func NewRoleAffinity(pluginArg runtime.RawExtension) *RoleAffinity {
	var args RoleAffinityArgs
	if len(pluginArg.Raw) > 0 {
		if err := yaml.Unmarshal(pluginArg.Raw, &args); err != nil {
			klog.Errorf("Unmarshal RoleAffinityArgs error, setting default value: %v", err)
			args = RoleAffinityArgs{}
		}
	}

	penalty := DefaultRoleMismatchPenalty
	if args.Penalty != nil {
		penalty = *args.Penalty
	}
	if penalty < 0 || penalty > 1 {
		klog.Errorf("Role mismatch penalty %v is out of [0, 1], using %v", penalty, DefaultRoleMismatchPenalty)
		penalty = DefaultRoleMismatchPenalty
	}

	return &RoleAffinity{
		name:    RoleAffinityPluginName,
		penalty: penalty,
	}
}

func (r *RoleAffinity) Name() string {
	return r.name
}

func (r *RoleAffinity) Score(ctx *framework.Context, workers []*datastore.WorkerInfo) map[*datastore.WorkerInfo]float64 {
	scoreResults := make(map[*datastore.WorkerInfo]float64, len(workers))
	preferred := ctx.Role.Preferred()
	for _, w := range workers {
		if w.Role() == preferred {
			scoreResults[w] = 0
		} else {
			scoreResults[w] = -r.penalty
		}
	}
	return scoreResults
}
