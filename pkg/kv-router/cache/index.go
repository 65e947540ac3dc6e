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

package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"istio.io/istio/pkg/util/sets"
	"k8s.io/klog/v2"
)

// MatchResult is a worker and the number of leading request blocks it holds.
type MatchResult struct {
	WorkerID      string
	MatchedBlocks int
	// LastAccess is the recency tick of the worker's latest cache update.
	LastAccess uint64
}

// workerEntry holds the blocks one worker is believed to cache.
type workerEntry struct {
	mu sync.Mutex
	// blocks is the source of truth for this worker, the reverse map in Index
	// mirrors it.
	blocks blockSet
	// evicted collects hashes reported by the blocks onRemove callback until
	// they are mirrored into the reverse map.
	evicted []uint64
	// optimistic counts, per block the worker has not confirmed yet, the
	// routed requests that assumed it. It is a subset of blocks.
	optimistic map[uint64]int
	// generation is the highest generation applied, 0 if none.
	generation uint64
	lastAccess atomic.Uint64
	// removed is set once EvictWorker dropped the entry.
	removed bool
}

// Index tracks which workers hold which KV blocks. It is an advisory
// structure: entries reflect what workers reported or what the router
// optimistically assumed, never a guarantee.
//
// Lock order is workerEntry.mu before Index.mu.
type Index struct {
	// mu protects the reverse map: block hash -> workers holding it.
	mu     sync.RWMutex
	hashes map[uint64]sets.Set[string]

	workersMu sync.RWMutex
	workers   map[string]*workerEntry

	// maxBlocksPerWorker caps the metadata kept per worker, 0 is unbounded.
	maxBlocksPerWorker int
	tick               atomic.Uint64
}

func NewIndex(maxBlocksPerWorker int) *Index {
	if maxBlocksPerWorker < 0 {
		maxBlocksPerWorker = 0
	}
	return &Index{
		hashes:             make(map[uint64]sets.Set[string]),
		workers:            make(map[string]*workerEntry),
		maxBlocksPerWorker: maxBlocksPerWorker,
	}
}

func (i *Index) newEntry() *workerEntry {
	e := &workerEntry{optimistic: make(map[uint64]int)}
	onRemove := func(hash uint64) {
		e.evicted = append(e.evicted, hash)
		delete(e.optimistic, hash)
	}
	if i.maxBlocksPerWorker > 0 {
		s, err := newLRUBlockSet(i.maxBlocksPerWorker, onRemove)
		if err == nil {
			e.blocks = s
			return e
		}
		klog.Errorf("Failed to create block LRU of size %d, falling back to unbounded: %v", i.maxBlocksPerWorker, err)
	}
	e.blocks = newMapBlockSet(onRemove)
	return e
}

// lockWorker returns the locked entry of a worker. With create unset it
// returns nil for unknown workers.
func (i *Index) lockWorker(workerID string, create bool) *workerEntry {
	for {
		i.workersMu.RLock()
		e, ok := i.workers[workerID]
		i.workersMu.RUnlock()

		if !ok {
			if !create {
				return nil
			}
			i.workersMu.Lock()
			if e, ok = i.workers[workerID]; !ok {
				e = i.newEntry()
				i.workers[workerID] = e
			}
			i.workersMu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Raced with EvictWorker, look the worker up again.
		e.mu.Unlock()
	}
}

// acceptGeneration applies the ordering rule: a non-zero generation must be
// strictly newer than the last applied one. Zero is unversioned and always
// accepted without advancing the counter. Caller must hold e.mu.
func acceptGeneration(e *workerEntry, generation uint64) bool {
	if generation == 0 {
		return true
	}
	if generation <= e.generation {
		return false
	}
	e.generation = generation
	return true
}

// Match walks the block chain from the start and returns, for every worker
// holding at least the first block, the length of the longest prefix it
// holds. Results are sorted by matched blocks, then most recent access,
// then worker id.
func (i *Index) Match(hashes []uint64) []MatchResult {
	if len(hashes) == 0 {
		return nil
	}

	i.mu.RLock()
	first := i.hashes[hashes[0]]
	if first.Len() == 0 {
		i.mu.RUnlock()
		return nil
	}

	matched := make(map[string]int, first.Len())
	active := make([]string, 0, first.Len())
	for workerID := range first {
		matched[workerID] = 1
		active = append(active, workerID)
	}

	for k := 1; k < len(hashes) && len(active) > 0; k++ {
		holders := i.hashes[hashes[k]]
		if holders.Len() == 0 {
			break
		}
		next := active[:0]
		for _, workerID := range active {
			if holders.Contains(workerID) {
				matched[workerID]++
				next = append(next, workerID)
			}
		}
		active = next
	}
	i.mu.RUnlock()

	results := make([]MatchResult, 0, len(matched))
	i.workersMu.RLock()
	for workerID, n := range matched {
		var lastAccess uint64
		if e, ok := i.workers[workerID]; ok {
			lastAccess = e.lastAccess.Load()
		}
		results = append(results, MatchResult{WorkerID: workerID, MatchedBlocks: n, LastAccess: lastAccess})
	}
	i.workersMu.RUnlock()

	sort.Slice(results, func(a, b int) bool {
		if results[a].MatchedBlocks != results[b].MatchedBlocks {
			return results[a].MatchedBlocks > results[b].MatchedBlocks
		}
		if results[a].LastAccess != results[b].LastAccess {
			return results[a].LastAccess > results[b].LastAccess
		}
		return results[a].WorkerID < results[b].WorkerID
	})
	return results
}

// Record marks that the worker holds the given blocks as of generation.
// It returns false and changes nothing when the generation is stale.
func (i *Index) Record(workerID string, hashes []uint64, generation uint64) bool {
	e := i.lockWorker(workerID, true)
	defer e.mu.Unlock()

	if !acceptGeneration(e, generation) {
		return false
	}
	confirmLocked(e, hashes)
	i.addLocked(workerID, e, hashes)
	return true
}

// RecordOptimistic records blocks the router assumes a worker will hold once
// it serves a request. Every block the worker has not confirmed gains a
// reference, and the referenced blocks are returned so the assumption can be
// released with Reconcile or RollbackOptimistic.
func (i *Index) RecordOptimistic(workerID string, hashes []uint64) []uint64 {
	e := i.lockWorker(workerID, true)
	defer e.mu.Unlock()

	confirmed := sets.New[uint64]()
	for _, hash := range hashes {
		if _, ok := e.optimistic[hash]; !ok && e.blocks.Contains(hash) {
			confirmed.Insert(hash)
		}
	}
	i.addLocked(workerID, e, hashes)

	var refs []uint64
	for _, hash := range hashes {
		// A capped worker may already have evicted the tail of the chain.
		if confirmed.Contains(hash) || !e.blocks.Contains(hash) {
			continue
		}
		e.optimistic[hash]++
		refs = append(refs, hash)
	}
	return refs
}

// RollbackOptimistic releases the references taken by RecordOptimistic.
// Blocks confirmed meanwhile are kept, the others are dropped once no routed
// request assumes them anymore.
func (i *Index) RollbackOptimistic(workerID string, refs []uint64) {
	if len(refs) == 0 {
		return
	}
	e := i.lockWorker(workerID, false)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	i.removeLocked(workerID, e, releaseLocked(e, refs))
}

// Reconcile applies the worker's authoritative report for one request:
// final blocks are confirmed and recorded, the request's references are
// released and unreferenced optimistic blocks missing from final are
// dropped. A stale report only releases the references.
func (i *Index) Reconcile(workerID string, refs, final []uint64, generation uint64) bool {
	e := i.lockWorker(workerID, true)
	defer e.mu.Unlock()

	if !acceptGeneration(e, generation) {
		for _, hash := range refs {
			if n := e.optimistic[hash]; n > 0 {
				e.optimistic[hash] = n - 1
			}
		}
		return false
	}

	confirmLocked(e, final)
	i.removeLocked(workerID, e, releaseLocked(e, refs))
	i.addLocked(workerID, e, final)
	return true
}

// confirmLocked clears the optimistic mark of blocks the worker reported.
// Caller must hold e.mu.
func confirmLocked(e *workerEntry, hashes []uint64) {
	for _, hash := range hashes {
		delete(e.optimistic, hash)
	}
}

// releaseLocked drops one reference per hash and returns the optimistic
// blocks nobody references anymore. Caller must hold e.mu.
func releaseLocked(e *workerEntry, refs []uint64) []uint64 {
	var unused []uint64
	for _, hash := range refs {
		n, ok := e.optimistic[hash]
		if !ok {
			continue
		}
		if n > 1 {
			e.optimistic[hash] = n - 1
			continue
		}
		delete(e.optimistic, hash)
		unused = append(unused, hash)
	}
	return unused
}

// Evict removes blocks from a worker. It returns false when the generation
// is stale.
func (i *Index) Evict(workerID string, hashes []uint64, generation uint64) bool {
	e := i.lockWorker(workerID, generation > 0)
	if e == nil {
		return true
	}
	defer e.mu.Unlock()

	if !acceptGeneration(e, generation) {
		return false
	}
	i.removeLocked(workerID, e, hashes)
	return true
}

// Clear drops every block of a worker but keeps its generation counter.
// Generation 0 clears unconditionally.
func (i *Index) Clear(workerID string, generation uint64) bool {
	e := i.lockWorker(workerID, generation > 0)
	if e == nil {
		return true
	}
	defer e.mu.Unlock()

	if !acceptGeneration(e, generation) {
		return false
	}
	keys := e.blocks.Keys()
	e.blocks.Clear()
	i.syncLocked(workerID, e, keys)
	return true
}

// EvictWorker forgets a worker entirely, generation counter included.
func (i *Index) EvictWorker(workerID string) {
	i.workersMu.Lock()
	e, ok := i.workers[workerID]
	delete(i.workers, workerID)
	i.workersMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	keys := e.blocks.Keys()
	e.blocks.Clear()
	i.syncLocked(workerID, e, keys)
	klog.V(4).Infof("Evicted %d cached blocks of worker %s", len(keys), workerID)
}

// Caller must hold e.mu.
func (i *Index) addLocked(workerID string, e *workerEntry, hashes []uint64) {
	if len(hashes) == 0 {
		return
	}
	// Add from the end so the first blocks are the most recently used and a
	// capped worker loses the tail of a prefix before its head.
	for k := len(hashes) - 1; k >= 0; k-- {
		e.blocks.Add(hashes[k])
	}
	e.lastAccess.Store(i.tick.Add(1))
	i.syncLocked(workerID, e, hashes)
}

// Caller must hold e.mu.
func (i *Index) removeLocked(workerID string, e *workerEntry, hashes []uint64) {
	if len(hashes) == 0 {
		return
	}
	for _, hash := range hashes {
		e.blocks.Remove(hash)
	}
	i.syncLocked(workerID, e, hashes)
}

// syncLocked mirrors the membership of the touched keys, plus anything
// evicted meanwhile, into the reverse map. Caller must hold e.mu.
func (i *Index) syncLocked(workerID string, e *workerEntry, touched []uint64) {
	evicted := e.evicted
	e.evicted = nil

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, keys := range [][]uint64{touched, evicted} {
		for _, hash := range keys {
			holders := i.hashes[hash]
			if !e.removed && e.blocks.Contains(hash) {
				if holders == nil {
					holders = sets.New[string]()
					i.hashes[hash] = holders
				}
				holders.Insert(workerID)
				continue
			}
			if holders == nil {
				continue
			}
			holders.Delete(workerID)
			if holders.Len() == 0 {
				delete(i.hashes, hash)
			}
		}
	}
}

// Blocks returns the blocks a worker is believed to hold, sorted.
func (i *Index) Blocks(workerID string) []uint64 {
	e := i.lockWorker(workerID, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()

	keys := e.blocks.Keys()
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	return keys
}

// Generation returns the last applied generation of a worker.
func (i *Index) Generation(workerID string) uint64 {
	e := i.lockWorker(workerID, false)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return e.generation
}

// Stats summarizes the index.
type Stats struct {
	// UniqueBlocks is the number of distinct block hashes tracked.
	UniqueBlocks int `json:"uniqueBlocks"`
	// WorkerBlocks is the number of blocks tracked per worker.
	WorkerBlocks map[string]int `json:"workerBlocks"`
}

func (i *Index) Stats() Stats {
	i.workersMu.RLock()
	entries := make(map[string]*workerEntry, len(i.workers))
	for id, e := range i.workers {
		entries[id] = e
	}
	i.workersMu.RUnlock()

	stats := Stats{WorkerBlocks: make(map[string]int, len(entries))}
	for id, e := range entries {
		e.mu.Lock()
		if !e.removed {
			stats.WorkerBlocks[id] = e.blocks.Len()
		}
		e.mu.Unlock()
	}

	i.mu.RLock()
	stats.UniqueBlocks = len(i.hashes)
	i.mu.RUnlock()
	return stats
}
