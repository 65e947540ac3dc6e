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
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
)

const (
	DefaultHeartbeatInterval        = 5 * time.Second
	DefaultMissedHeartbeatThreshold = 3
)

// EventType represents different types of events that can trigger callbacks
type EventType string

const (
	EventAdd    EventType = "add"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	// EventUnreachable fires when a worker missed too many heartbeats.
	EventUnreachable EventType = "unreachable"
)

// EventData contains information about the event that triggered the callback
type EventData struct {
	EventType EventType
	WorkerID  string
	Role      common.Role
}

// CallbackFunc is the type of function that can be registered as a callback
type CallbackFunc func(data EventData)

// Registry tracks the worker pool: roles, load and liveness.
type Registry interface {
	Register(spec *common.WorkerSpec) error
	Deregister(id string) error
	Heartbeat(id string, load *int64) error
	Drain(id string) error

	Get(id string) (*WorkerInfo, bool)
	// List returns every worker sorted by id.
	List() []*WorkerInfo
	// CandidatesForRole returns the active workers able to serve role, sorted by id.
	CandidatesForRole(role common.Role) []*WorkerInfo

	IncLoad(id string) error
	DecLoad(id string) error
	// TryIncLoad increments the load unless the worker is at capacity.
	TryIncLoad(id string) (bool, error)

	// CheckHeartbeats marks workers with too many missed heartbeats as
	// unreachable and returns their ids.
	CheckHeartbeats(now time.Time) []string

	// RegisterCallback registers a callback for worker events.
	// Note this can only be called during bootstrapping.
	RegisterCallback(callback CallbackFunc)
	// Run checks heartbeats periodically until ctx is done.
	Run(ctx context.Context)
}

type registry struct {
	mutex   sync.RWMutex
	workers map[string]*WorkerInfo

	clock             clock.WithTicker
	heartbeatInterval time.Duration
	missedThreshold   int

	callbacks []CallbackFunc
	initiated *atomic.Bool
}

var _ Registry = &registry{}

func NewRegistry(clk clock.WithTicker, heartbeatInterval time.Duration, missedThreshold int) Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if missedThreshold <= 0 {
		missedThreshold = DefaultMissedHeartbeatThreshold
	}
	return &registry{
		workers:           make(map[string]*WorkerInfo),
		clock:             clk,
		heartbeatInterval: heartbeatInterval,
		missedThreshold:   missedThreshold,
		initiated:         &atomic.Bool{},
	}
}

func (r *registry) Register(spec *common.WorkerSpec) error {
	if spec == nil || spec.ID == "" {
		return fmt.Errorf("%w: worker id is required", common.ErrInvalidRequest)
	}
	if !spec.Role.IsWorkerRole() {
		return fmt.Errorf("%w: worker %s has unknown role %q", common.ErrInvalidRequest, spec.ID, spec.Role)
	}
	if spec.Capacity < 0 {
		return fmt.Errorf("%w: worker %s has negative capacity", common.ErrInvalidRequest, spec.ID)
	}

	now := r.clock.Now()
	eventType := EventAdd

	r.mutex.Lock()
	if w, ok := r.workers[spec.ID]; ok {
		w.update(spec, now)
		eventType = EventUpdate
	} else {
		r.workers[spec.ID] = newWorkerInfo(spec, now)
	}
	r.mutex.Unlock()

	klog.Infof("Registered worker %s with role %s and capacity %d", spec.ID, spec.Role, spec.Capacity)
	r.triggerCallbacks(EventData{EventType: eventType, WorkerID: spec.ID, Role: spec.Role})
	return nil
}

func (r *registry) Deregister(id string) error {
	r.mutex.Lock()
	w, ok := r.workers[id]
	delete(r.workers, id)
	r.mutex.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, id)
	}

	klog.Infof("Deregistered worker %s", id)
	r.triggerCallbacks(EventData{EventType: EventDelete, WorkerID: id, Role: w.Role()})
	return nil
}

// Heartbeat refreshes the liveness of a worker. An unreachable worker becomes
// active again, a draining worker stays draining.
func (r *registry) Heartbeat(id string, load *int64) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, id)
	}

	if load != nil {
		reported := *load
		if reported < 0 {
			reported = 0
		}
		w.reportedLoad.Store(reported)
	}

	w.mutex.Lock()
	w.lastHeartbeat = r.clock.Now()
	w.missedHeartbeats = 0
	recovered := w.state == common.WorkerUnreachable
	if recovered {
		w.state = common.WorkerActive
	}
	role := w.role
	w.mutex.Unlock()

	if recovered {
		klog.Infof("Worker %s is reachable again", id)
		r.triggerCallbacks(EventData{EventType: EventUpdate, WorkerID: id, Role: role})
	}
	return nil
}

// Drain stops routing new requests to a worker. Completions are still accepted.
func (r *registry) Drain(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, id)
	}

	w.mutex.Lock()
	w.state = common.WorkerDraining
	role := w.role
	w.mutex.Unlock()

	klog.Infof("Draining worker %s", id)
	r.triggerCallbacks(EventData{EventType: EventUpdate, WorkerID: id, Role: role})
	return nil
}

func (r *registry) Get(id string) (*WorkerInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

func (r *registry) List() []*WorkerInfo {
	r.mutex.RLock()
	workers := make([]*WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mutex.RUnlock()

	sortByID(workers)
	return workers
}

func (r *registry) CandidatesForRole(role common.Role) []*WorkerInfo {
	r.mutex.RLock()
	candidates := make([]*WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		if w.State() == common.WorkerActive && w.Role().Serves(role) {
			candidates = append(candidates, w)
		}
	}
	r.mutex.RUnlock()

	sortByID(candidates)
	return candidates
}

func (r *registry) IncLoad(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, id)
	}
	w.load.Add(1)
	return nil
}

func (r *registry) DecLoad(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, id)
	}
	w.decLoad()
	return nil
}

func (r *registry) TryIncLoad(id string) (bool, error) {
	w, ok := r.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", common.ErrUnknownWorker, id)
	}
	return w.tryIncLoad(), nil
}

func (r *registry) CheckHeartbeats(now time.Time) []string {
	var unreachable []EventData
	for _, w := range r.List() {
		w.mutex.Lock()
		if w.state == common.WorkerUnreachable {
			w.mutex.Unlock()
			continue
		}
		elapsed := now.Sub(w.lastHeartbeat)
		if elapsed < 0 {
			elapsed = 0
		}
		w.missedHeartbeats = int(elapsed / r.heartbeatInterval)
		if w.missedHeartbeats >= r.missedThreshold {
			w.state = common.WorkerUnreachable
			unreachable = append(unreachable, EventData{EventType: EventUnreachable, WorkerID: w.ID, Role: w.role})
		}
		w.mutex.Unlock()
	}

	ids := make([]string, 0, len(unreachable))
	for _, data := range unreachable {
		klog.Warningf("Worker %s missed %d heartbeats, marking it unreachable", data.WorkerID, r.missedThreshold)
		r.triggerCallbacks(data)
		ids = append(ids, data.WorkerID)
	}
	return ids
}

func (r *registry) RegisterCallback(callback CallbackFunc) {
	if r.initiated.Load() {
		klog.Error("Cannot register callback after registry is initiated")
		return
	}
	r.callbacks = append(r.callbacks, callback)
}

// triggerCallbacks runs the callbacks in registration order, outside of any
// registry lock.
func (r *registry) triggerCallbacks(data EventData) {
	for _, callback := range r.callbacks {
		callback(data)
	}
}

func (r *registry) Run(ctx context.Context) {
	r.initiated.Store(true)
	ticker := r.clock.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			r.CheckHeartbeats(now)
		}
	}
}

func sortByID(workers []*WorkerInfo) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].ID < workers[j].ID
	})
}
