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
	"istio.io/istio/pkg/slices"

	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/framework"
)

const RoleFilterPluginName = config.RoleFilterPluginName

var _ framework.FilterPlugin = &RoleFilter{}

// RoleFilter keeps the active workers that can serve the request role and
// still have capacity for one more request.
type RoleFilter struct {
	name string
}

func NewRoleFilter() *RoleFilter {
	return &RoleFilter{name: RoleFilterPluginName}
}

func (r *RoleFilter) Name() string {
	return r.name
}

func (r *RoleFilter) Filter(ctx *framework.Context, workers []*datastore.WorkerInfo) []*datastore.WorkerInfo {
	return slices.FilterInPlace(workers, func(w *datastore.WorkerInfo) bool {
		return w.State() == common.WorkerActive && w.Role().Serves(ctx.Role) && w.HasCapacity()
	})
}
