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

package framework

import (
	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
)

// Context stores information which maybe useful in Filter or Score plugins.
type Context struct {
	RequestID string
	Model     string
	// Role is the role the request requires.
	Role common.Role

	// Hashes is the block hash chain of the request tokens.
	Hashes []uint64
	// Matches maps a worker id to the number of leading blocks of Hashes the
	// worker is believed to hold. Workers without a match are absent.
	Matches map[string]int

	// Selected is set by the router once the decision is committed, before
	// running post hooks.
	Selected *datastore.WorkerInfo
}

// TotalBlocks returns the number of full blocks in the request.
func (c *Context) TotalBlocks() int {
	return len(c.Hashes)
}

// MatchedBlocks returns the prefix length a worker holds.
func (c *Context) MatchedBlocks(workerID string) int {
	return c.Matches[workerID]
}

type ScorePlugin interface {
	Name() string
	// Score is a method that is used to rank workers that have passed the filter plugins.
	// Note each plugin should generate a score within [-1, 1], the scheduler
	// multiplies it by the plugin weight.
	Score(ctx *Context, workers []*datastore.WorkerInfo) map[*datastore.WorkerInfo]float64
}

type FilterPlugin interface {
	Name() string
	// Filter is a method that is used to filter valid workers that can be sent request to.
	Filter(ctx *Context, workers []*datastore.WorkerInfo) []*datastore.WorkerInfo
}

// PostHook is an interface that is executed after the scheduling is complete.
type PostHook interface {
	Name() string
	PostSchedule(ctx *Context)
}
