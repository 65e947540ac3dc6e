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

package debug

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/volcano-sh/kv-router/pkg/kv-router/cache"
	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/router"
)

// Store is the read-only view the debug endpoints dump.
type Store interface {
	Workers() []datastore.WorkerSnapshot
	Worker(id string) (datastore.WorkerSnapshot, bool)
	CacheStats() cache.Stats
	// WorkerBlocks returns the blocks and generation tracked for a worker.
	WorkerBlocks(id string) ([]uint64, uint64, bool)
	Decisions(n int) []common.RoutingDecision
	InFlight() int
}

// DebugHandler provides debug endpoints for the router
type DebugHandler struct {
	store Store
}

// NewDebugHandler creates a new debug handler
func NewDebugHandler(store Store) *DebugHandler {
	return &DebugHandler{
		store: store,
	}
}

type WorkerResponse struct {
	datastore.WorkerSnapshot
	CachedBlocks int `json:"cachedBlocks"`
}

type WorkerCacheResponse struct {
	WorkerID   string   `json:"workerID"`
	Generation uint64   `json:"generation"`
	Blocks     []uint64 `json:"blocks"`
}

// RegisterRoutes adds the /debug endpoints to r.
func (h *DebugHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/debug")
	g.GET("/workers", h.ListWorkers)
	g.GET("/workers/:id", h.GetWorker)
	g.GET("/cache", h.GetCache)
	g.GET("/decisions", h.ListDecisions)
}

// ListWorkers handles GET /debug/workers
func (h *DebugHandler) ListWorkers(c *gin.Context) {
	workers := h.store.Workers()
	stats := h.store.CacheStats()

	responses := make([]WorkerResponse, 0, len(workers))
	for _, w := range workers {
		responses = append(responses, WorkerResponse{
			WorkerSnapshot: w,
			CachedBlocks:   stats.WorkerBlocks[w.ID],
		})
	}

	c.JSON(http.StatusOK, gin.H{"workers": responses, "inflight": h.store.InFlight()})
}

// GetWorker handles GET /debug/workers/:id
func (h *DebugHandler) GetWorker(c *gin.Context) {
	id := c.Param("id")
	w, ok := h.store.Worker(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Worker not found"})
		return
	}

	resp := WorkerResponse{WorkerSnapshot: w}
	if blocks, _, ok := h.store.WorkerBlocks(id); ok {
		resp.CachedBlocks = len(blocks)
	}
	c.JSON(http.StatusOK, resp)
}

// GetCache handles GET /debug/cache. With ?worker=<id> it dumps the blocks
// tracked for that worker.
func (h *DebugHandler) GetCache(c *gin.Context) {
	id := c.Query("worker")
	if id == "" {
		c.JSON(http.StatusOK, h.store.CacheStats())
		return
	}

	blocks, generation, ok := h.store.WorkerBlocks(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Worker has no cache entry"})
		return
	}
	c.JSON(http.StatusOK, WorkerCacheResponse{
		WorkerID:   id,
		Generation: generation,
		Blocks:     blocks,
	})
}

// ListDecisions handles GET /debug/decisions?limit=<n>, newest first.
func (h *DebugHandler) ListDecisions(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	c.JSON(http.StatusOK, gin.H{"decisions": h.store.Decisions(limit)})
}

type routerStore struct {
	router *router.Router
}

// NewRouterStore exposes a router to the debug endpoints.
func NewRouterStore(r *router.Router) Store {
	return &routerStore{router: r}
}

func (s *routerStore) Workers() []datastore.WorkerSnapshot {
	workers := s.router.Registry().List()
	snapshots := make([]datastore.WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		snapshots = append(snapshots, w.Snapshot())
	}
	return snapshots
}

func (s *routerStore) Worker(id string) (datastore.WorkerSnapshot, bool) {
	w, ok := s.router.Registry().Get(id)
	if !ok {
		return datastore.WorkerSnapshot{}, false
	}
	return w.Snapshot(), true
}

func (s *routerStore) CacheStats() cache.Stats {
	return s.router.Index().Stats()
}

func (s *routerStore) WorkerBlocks(id string) ([]uint64, uint64, bool) {
	index := s.router.Index()
	blocks := index.Blocks(id)
	if blocks == nil {
		return nil, 0, false
	}
	return blocks, index.Generation(id), true
}

func (s *routerStore) Decisions(n int) []common.RoutingDecision {
	return s.router.Decisions(n)
}

func (s *routerStore) InFlight() int {
	return s.router.InFlight()
}
