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

package datastore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
)

// WorkerInfo is the registry view of a backend worker.
type WorkerInfo struct {
	ID string

	// load is the number of requests routed to the worker and not yet
	// completed. Only the router changes it.
	load atomic.Int64
	// reportedLoad is the load the worker reported with its last heartbeat.
	reportedLoad atomic.Int64

	mutex            sync.RWMutex // Protects the fields below
	role             common.Role
	capacity         int64
	endpoint         string
	labels           map[string]string
	state            common.WorkerState
	lastHeartbeat    time.Time
	missedHeartbeats int
}

func newWorkerInfo(spec *common.WorkerSpec, now time.Time) *WorkerInfo {
	w := &WorkerInfo{ID: spec.ID}
	w.update(spec, now)
	return w
}

// update applies a (re-)registration. Load counters are kept.
func (w *WorkerInfo) update(spec *common.WorkerSpec, now time.Time) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.role = spec.Role
	w.capacity = spec.Capacity
	w.endpoint = spec.Endpoint
	w.labels = make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		w.labels[k] = v
	}
	w.state = common.WorkerActive
	w.lastHeartbeat = now
	w.missedHeartbeats = 0
}

func (w *WorkerInfo) Role() common.Role {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.role
}

// Capacity is the maximum number of concurrent requests, 0 is unlimited.
func (w *WorkerInfo) Capacity() int64 {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.capacity
}

func (w *WorkerInfo) Endpoint() string {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.endpoint
}

func (w *WorkerInfo) State() common.WorkerState {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

func (w *WorkerInfo) LastHeartbeat() time.Time {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.lastHeartbeat
}

func (w *WorkerInfo) MissedHeartbeats() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.missedHeartbeats
}

// Load returns the number of in-flight requests routed to the worker.
func (w *WorkerInfo) Load() int64 {
	return w.load.Load()
}

func (w *WorkerInfo) ReportedLoad() int64 {
	return w.reportedLoad.Load()
}

// EffectiveLoad is the load used for scoring: the larger of the router's
// own in-flight count and the load the worker last reported.
func (w *WorkerInfo) EffectiveLoad() int64 {
	load, reported := w.load.Load(), w.reportedLoad.Load()
	if reported > load {
		return reported
	}
	return load
}

// HasCapacity reports whether one more request fits.
func (w *WorkerInfo) HasCapacity() bool {
	capacity := w.Capacity()
	return capacity <= 0 || w.load.Load() < capacity
}

// tryIncLoad increments the in-flight count unless the worker is full.
func (w *WorkerInfo) tryIncLoad() bool {
	capacity := w.Capacity()
	for {
		cur := w.load.Load()
		if capacity > 0 && cur >= capacity {
			return false
		}
		if w.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// decLoad decrements the in-flight count, never below zero.
func (w *WorkerInfo) decLoad() {
	for {
		cur := w.load.Load()
		if cur <= 0 {
			return
		}
		if w.load.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// WorkerSnapshot is a point-in-time copy of a worker, used by debug output.
type WorkerSnapshot struct {
	ID               string             `json:"id"`
	Role             common.Role        `json:"role"`
	State            common.WorkerState `json:"state"`
	Capacity         int64              `json:"capacity"`
	Endpoint         string             `json:"endpoint,omitempty"`
	Labels           map[string]string  `json:"labels,omitempty"`
	Load             int64              `json:"load"`
	ReportedLoad     int64              `json:"reportedLoad"`
	LastHeartbeat    time.Time          `json:"lastHeartbeat"`
	MissedHeartbeats int                `json:"missedHeartbeats"`
}

func (w *WorkerInfo) Snapshot() WorkerSnapshot {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	return WorkerSnapshot{
		ID:               w.ID,
		Role:             w.role,
		State:            w.state,
		Capacity:         w.capacity,
		Endpoint:         w.endpoint,
		Labels:           labels,
		Load:             w.load.Load(),
		ReportedLoad:     w.reportedLoad.Load(),
		LastHeartbeat:    w.lastHeartbeat,
		MissedHeartbeats: w.missedHeartbeats,
	}
}
