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

// Package router decides which worker serves each request. It owns the
// cache index and the worker registry and is the only writer of both.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/prometheus/client_golang/prometheus"
	"istio.io/istio/pkg/util/sets"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kv-router/pkg/kv-router/cache"
	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/hashing"
	"github.com/volcano-sh/kv-router/pkg/kv-router/metrics"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler/framework"
)

const (
	DefaultCompletionTimeout   = 10 * time.Minute
	DefaultDecisionHistorySize = 1024
)

// Failure describes a routed request that will never complete. The caller
// is responsible for rerouting it.
type Failure struct {
	RequestID string
	WorkerID  string
	Err       error
}

// FailureNotifier is told about requests failed by the router itself, e.g.
// when their worker became unreachable or their completion timed out.
type FailureNotifier func(f Failure)

// inflightRequest is a request in the Routed state.
type inflightRequest struct {
	decision common.RoutingDecision
	// hashes is the full block chain of the request.
	hashes []uint64
	// optimistic are the blocks this request references in the worker's
	// optimistic record.
	optimistic []uint64
	routedAt   time.Time
}

type Router struct {
	registry  datastore.Registry
	index     *cache.Index
	scheduler scheduler.Scheduler
	blocks    *hashing.BlockProcessor
	clock     clock.WithTicker
	metrics   *metrics.Metrics
	notifier  FailureNotifier

	completionTimeout time.Duration

	mutex sync.Mutex
	// pending holds ids of requests being routed right now.
	pending  sets.Set[string]
	inflight map[string]*inflightRequest

	historyMutex sync.Mutex
	historySize  int
	history      deque.Deque[common.RoutingDecision]
}

type Option func(*Router)

func WithClock(c clock.WithTicker) Option {
	return func(r *Router) { r.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithBlockProcessor(p *hashing.BlockProcessor) Option {
	return func(r *Router) { r.blocks = p }
}

func WithCompletionTimeout(d time.Duration) Option {
	return func(r *Router) { r.completionTimeout = d }
}

// WithDecisionHistorySize bounds the recent decision history, 0 disables it.
func WithDecisionHistorySize(n int) Option {
	return func(r *Router) { r.historySize = n }
}

func WithFailureNotifier(fn FailureNotifier) Option {
	return func(r *Router) { r.notifier = fn }
}

// New creates a router. It registers callbacks on the registry, so it must be
// called before the registry runs.
func New(registry datastore.Registry, index *cache.Index, sched scheduler.Scheduler, opts ...Option) *Router {
	r := &Router{
		registry:          registry,
		index:             index,
		scheduler:         sched,
		completionTimeout: DefaultCompletionTimeout,
		historySize:       DefaultDecisionHistorySize,
		pending:           sets.New[string](),
		inflight:          make(map[string]*inflightRequest),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	if r.blocks == nil {
		r.blocks = hashing.NewBlockProcessor(hashing.DefaultBlockSize, 0)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if r.historySize < 0 {
		r.historySize = 0
	}

	registry.RegisterCallback(r.onRegistryEvent)
	return r
}

// Route selects a worker for req. On success the worker's load is
// incremented, the request blocks are optimistically recorded for it and the
// request is in flight until OnCompletion or OnFailure. On failure nothing
// is mutated.
func (r *Router) Route(ctx context.Context, req *common.RequestUnit) (*common.RoutingDecision, error) {
	start := time.Now()
	decision, err := r.route(ctx, req)

	role := ""
	if req != nil {
		role = string(req.Role)
	}
	switch {
	case err == nil:
		r.metrics.RecordRoute(role, metrics.RouteResultRouted, time.Since(start))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.metrics.RecordRoute(role, metrics.RouteResultCancelled, time.Since(start))
	case errors.Is(err, common.ErrNoCapacityAvailable):
		r.metrics.RecordRoute(role, metrics.RouteResultNoCapacity, time.Since(start))
	default:
		r.metrics.RecordRoute(role, metrics.RouteResultInvalid, time.Since(start))
	}
	return decision, err
}

func (r *Router) route(ctx context.Context, req *common.RequestUnit) (*common.RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mutex.Lock()
	if _, ok := r.inflight[req.ID]; ok || r.pending.Contains(req.ID) {
		r.mutex.Unlock()
		return nil, fmt.Errorf("%w: request %s is already in flight", common.ErrInvalidRequest, req.ID)
	}
	r.pending.Insert(req.ID)
	r.mutex.Unlock()

	committed := false
	defer func() {
		if !committed {
			r.mutex.Lock()
			r.pending.Delete(req.ID)
			r.mutex.Unlock()
		}
	}()

	hashes := r.blocks.BlockHashes(req.Model, req.Tokens)
	fctx := &framework.Context{
		RequestID: req.ID,
		Model:     req.Model,
		Role:      req.Role,
		Hashes:    hashes,
	}
	ranking := r.scheduler.Schedule(fctx, r.registry.CandidatesForRole(req.Role))
	if len(ranking) == 0 {
		return nil, fmt.Errorf("%w: no eligible %s worker for request %s", common.ErrNoCapacityAvailable, req.Role, req.ID)
	}

	for _, candidate := range ranking {
		w := candidate.Worker
		ok, err := r.registry.TryIncLoad(w.ID)
		if err != nil || !ok {
			continue
		}

		optimistic := r.index.RecordOptimistic(w.ID, hashes)

		now := r.clock.Now()
		decision := common.RoutingDecision{
			RequestID:     req.ID,
			WorkerID:      w.ID,
			Endpoint:      w.Endpoint(),
			Role:          w.Role(),
			MatchedBlocks: candidate.MatchedBlocks,
			TotalBlocks:   len(hashes),
			Score:         candidate.Score,
			Timestamp:     now,
		}

		r.mutex.Lock()
		// The worker may have left between ranking and commit. Checking under
		// the router lock orders this against failWorker.
		if current, ok := r.registry.Get(w.ID); !ok || current != w || w.State() != common.WorkerActive {
			r.mutex.Unlock()
			r.index.RollbackOptimistic(w.ID, optimistic)
			_ = r.registry.DecLoad(w.ID)
			continue
		}
		r.inflight[req.ID] = &inflightRequest{
			decision:   decision,
			hashes:     hashes,
			optimistic: optimistic,
			routedAt:   now,
		}
		r.pending.Delete(req.ID)
		committed = true
		inflight := len(r.inflight)
		r.mutex.Unlock()

		fctx.Selected = w
		r.scheduler.RunPostHooks(fctx)

		r.metrics.InflightGauge.Set(float64(inflight))
		r.metrics.RecordDecision(string(decision.Role), decision.MatchedBlocks, decision.TotalBlocks)
		r.recordDecision(decision)
		klog.V(4).Infof("Routed request %s to worker %s (matched %d/%d blocks, score %.4f)",
			req.ID, w.ID, decision.MatchedBlocks, decision.TotalBlocks, decision.Score)
		return &decision, nil
	}

	return nil, fmt.Errorf("%w: every eligible worker is at capacity for request %s", common.ErrNoCapacityAvailable, req.ID)
}

// OnCompletion finishes a routed request. The worker's load is released and
// its authoritative block set replaces the optimistic record unless the
// completion is stale. An aborted completion rolls the optimistic record
// back.
func (r *Router) OnCompletion(ctx context.Context, c common.Completion) error {
	r.mutex.Lock()
	req, ok := r.inflight[c.RequestID]
	if !ok {
		r.mutex.Unlock()
		return fmt.Errorf("%w: %s", common.ErrUnknownRequest, c.RequestID)
	}
	workerID := req.decision.WorkerID
	if c.WorkerID != "" && c.WorkerID != workerID {
		r.mutex.Unlock()
		return fmt.Errorf("%w: request %s was routed to %s, not %s", common.ErrInvalidRequest, c.RequestID, workerID, c.WorkerID)
	}
	delete(r.inflight, c.RequestID)
	inflight := len(r.inflight)
	r.mutex.Unlock()

	r.metrics.InflightGauge.Set(float64(inflight))
	if err := r.registry.DecLoad(workerID); err != nil {
		klog.V(4).Infof("Completion of request %s for departed worker %s", c.RequestID, workerID)
	}

	if c.Aborted {
		r.index.RollbackOptimistic(workerID, req.optimistic)
		r.metrics.CompletionsTotal.WithLabelValues(metrics.CompletionResultAborted).Inc()
		klog.V(4).Infof("Request %s on worker %s aborted, rolled back", c.RequestID, workerID)
		return nil
	}

	// A completion without a block report confirms the optimistic record.
	final := c.FinalBlockHashes
	if final == nil {
		final = req.hashes
	}
	if !r.index.Reconcile(workerID, req.optimistic, final, c.Generation) {
		r.metrics.CompletionsTotal.WithLabelValues(metrics.CompletionResultStale).Inc()
		r.metrics.StaleEventsTotal.WithLabelValues(metrics.SourceCompletion).Inc()
		klog.V(4).Infof("Ignoring cache update of request %s: %v (generation %d)", c.RequestID, common.ErrStaleEvent, c.Generation)
		return nil
	}
	r.metrics.CompletionsTotal.WithLabelValues(metrics.CompletionResultCompleted).Inc()
	return nil
}

// OnFailure moves a routed request to Failed: load and optimistic cache
// record are rolled back. The returned error wraps ErrWorkerUnreachable to
// tell the caller to reroute.
func (r *Router) OnFailure(ctx context.Context, requestID, reason string) error {
	r.mutex.Lock()
	req, ok := r.inflight[requestID]
	if ok {
		delete(r.inflight, requestID)
	}
	inflight := len(r.inflight)
	r.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownRequest, requestID)
	}

	r.metrics.InflightGauge.Set(float64(inflight))
	r.metrics.FailuresTotal.WithLabelValues(metrics.FailureReasonReported).Inc()
	err := fmt.Errorf("%w: request %s on worker %s: %s", common.ErrWorkerUnreachable, requestID, req.decision.WorkerID, reason)
	r.rollback(req)
	klog.Infof("Request %s failed on worker %s: %s", requestID, req.decision.WorkerID, reason)
	return err
}

func (r *Router) rollback(req *inflightRequest) {
	workerID := req.decision.WorkerID
	_ = r.registry.DecLoad(workerID)
	r.index.RollbackOptimistic(workerID, req.optimistic)
}

// failWorker fails every in-flight request of a worker.
func (r *Router) failWorker(workerID string, cause error) {
	r.mutex.Lock()
	var failed []*inflightRequest
	for id, req := range r.inflight {
		if req.decision.WorkerID == workerID {
			failed = append(failed, req)
			delete(r.inflight, id)
		}
	}
	inflight := len(r.inflight)
	r.mutex.Unlock()

	if len(failed) == 0 {
		return
	}
	r.metrics.InflightGauge.Set(float64(inflight))
	for _, req := range failed {
		r.rollback(req)
		r.metrics.FailuresTotal.WithLabelValues(metrics.FailureReasonUnreachable).Inc()
		r.notify(Failure{
			RequestID: req.decision.RequestID,
			WorkerID:  workerID,
			Err:       fmt.Errorf("%w: %s: %v", common.ErrWorkerUnreachable, workerID, cause),
		})
	}
	klog.Infof("Failed %d in-flight requests of worker %s", len(failed), workerID)
}

func (r *Router) notify(f Failure) {
	if r.notifier != nil {
		r.notifier(f)
	}
}

func (r *Router) onRegistryEvent(data datastore.EventData) {
	r.metrics.WorkerEventsTotal.WithLabelValues(string(data.EventType)).Inc()
	switch data.EventType {
	case datastore.EventDelete:
		r.failWorker(data.WorkerID, errors.New("worker deregistered"))
		r.index.EvictWorker(data.WorkerID)
	case datastore.EventUnreachable:
		r.failWorker(data.WorkerID, errors.New("heartbeat timeout"))
		// The worker may come back with its generation counter intact.
		r.index.Clear(data.WorkerID, 0)
	}
}

// OnWorkerEvent applies a worker lifecycle event to the registry.
func (r *Router) OnWorkerEvent(ctx context.Context, ev common.WorkerEvent) error {
	id := ev.ID()
	switch ev.Type {
	case common.WorkerRegister:
		if ev.Worker == nil {
			return fmt.Errorf("%w: register event without worker", common.ErrInvalidRequest)
		}
		return r.registry.Register(ev.Worker)
	case common.WorkerDeregister:
		return r.registry.Deregister(id)
	case common.WorkerHeartbeat:
		return r.registry.Heartbeat(id, ev.Load)
	case common.WorkerDrain:
		return r.registry.Drain(id)
	default:
		return fmt.Errorf("%w: unknown worker event type %q", common.ErrInvalidRequest, ev.Type)
	}
}

// OnCacheEvent applies a KV cache change reported by a worker outside of a
// request completion. Stale events are ignored.
func (r *Router) OnCacheEvent(ctx context.Context, ev common.CacheEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if _, ok := r.registry.Get(ev.WorkerID); !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, ev.WorkerID)
	}

	var applied bool
	switch ev.Type {
	case common.CacheBlocksStored:
		applied = r.index.Record(ev.WorkerID, ev.BlockHashes, ev.Generation)
	case common.CacheBlocksRemoved:
		applied = r.index.Evict(ev.WorkerID, ev.BlockHashes, ev.Generation)
	case common.CacheAllCleared:
		applied = r.index.Clear(ev.WorkerID, ev.Generation)
	default:
		return fmt.Errorf("%w: unknown cache event type %q", common.ErrInvalidRequest, ev.Type)
	}

	r.metrics.CacheEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	if !applied {
		r.metrics.StaleEventsTotal.WithLabelValues(metrics.SourceCacheEvent).Inc()
		klog.V(4).Infof("Ignoring %s event of worker %s: %v (generation %d)", ev.Type, ev.WorkerID, common.ErrStaleEvent, ev.Generation)
	}
	return nil
}

// ReapExpired fails the requests routed longer than the completion timeout
// ago and returns their ids.
func (r *Router) ReapExpired(now time.Time) []string {
	if r.completionTimeout <= 0 {
		return nil
	}

	r.mutex.Lock()
	var expired []*inflightRequest
	for id, req := range r.inflight {
		if now.Sub(req.routedAt) >= r.completionTimeout {
			expired = append(expired, req)
			delete(r.inflight, id)
		}
	}
	inflight := len(r.inflight)
	r.mutex.Unlock()

	ids := make([]string, 0, len(expired))
	for _, req := range expired {
		r.rollback(req)
		r.metrics.FailuresTotal.WithLabelValues(metrics.FailureReasonTimeout).Inc()
		r.notify(Failure{
			RequestID: req.decision.RequestID,
			WorkerID:  req.decision.WorkerID,
			Err:       fmt.Errorf("%w: no completion within %s", common.ErrWorkerUnreachable, r.completionTimeout),
		})
		ids = append(ids, req.decision.RequestID)
	}
	if len(ids) > 0 {
		r.metrics.InflightGauge.Set(float64(inflight))
		klog.Warningf("Reclaimed %d requests without completion after %s", len(ids), r.completionTimeout)
	}
	return ids
}

// Run drives the heartbeat monitor and the completion reaper until ctx is
// done.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.registry.Run(ctx)
	}()
	defer wg.Wait()

	if r.completionTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := r.clock.NewTicker(r.reapInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			r.ReapExpired(now)
			r.metrics.IndexedBlocks.Set(float64(r.index.Stats().UniqueBlocks))
		}
	}
}

func (r *Router) reapInterval() time.Duration {
	interval := r.completionTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (r *Router) recordDecision(d common.RoutingDecision) {
	if r.historySize == 0 {
		return
	}
	r.historyMutex.Lock()
	defer r.historyMutex.Unlock()
	for r.history.Len() >= r.historySize {
		r.history.PopFront()
	}
	r.history.PushBack(d)
}

// Decisions returns up to n recent decisions, newest first. n <= 0 returns
// the whole history.
func (r *Router) Decisions(n int) []common.RoutingDecision {
	r.historyMutex.Lock()
	defer r.historyMutex.Unlock()

	size := r.history.Len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]common.RoutingDecision, 0, n)
	for i := size - 1; i >= size-n; i-- {
		out = append(out, r.history.At(i))
	}
	return out
}

// InFlight returns the number of routed requests awaiting completion.
func (r *Router) InFlight() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.inflight)
}

// Registry exposes the worker registry for read-only views.
func (r *Router) Registry() datastore.Registry {
	return r.registry
}

// Index exposes the cache index for read-only views.
func (r *Router) Index() *cache.Index {
	return r.index
}
