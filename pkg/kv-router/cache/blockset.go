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
	lru "github.com/hashicorp/golang-lru/v2"
	"istio.io/istio/pkg/util/sets"
)

// blockSet is the set of block hashes one worker holds. Every removal,
// explicit or by eviction, is reported to the onRemove callback given at
// construction.
type blockSet interface {
	Add(hash uint64)
	Remove(hash uint64)
	Contains(hash uint64) bool
	Len() int
	Clear()
	// Keys returns the hashes, least recently added first when the set keeps
	// an order.
	Keys() []uint64
}

// lruBlockSet caps a worker's blocks and drops the least recently added
// hash when full.
type lruBlockSet struct {
	cache *lru.Cache[uint64, struct{}]
}

var _ blockSet = &lruBlockSet{}

func newLRUBlockSet(size int, onRemove func(hash uint64)) (*lruBlockSet, error) {
	cache, err := lru.NewWithEvict(size, func(hash uint64, _ struct{}) {
		onRemove(hash)
	})
	if err != nil {
		return nil, err
	}
	return &lruBlockSet{cache: cache}, nil
}

func (s *lruBlockSet) Add(hash uint64) {
	s.cache.Add(hash, struct{}{})
}

func (s *lruBlockSet) Remove(hash uint64) {
	s.cache.Remove(hash)
}

func (s *lruBlockSet) Contains(hash uint64) bool {
	return s.cache.Contains(hash)
}

func (s *lruBlockSet) Len() int {
	return s.cache.Len()
}

func (s *lruBlockSet) Clear() {
	s.cache.Purge()
}

func (s *lruBlockSet) Keys() []uint64 {
	return s.cache.Keys()
}

// mapBlockSet is unbounded.
type mapBlockSet struct {
	hashes   sets.Set[uint64]
	onRemove func(hash uint64)
}

var _ blockSet = &mapBlockSet{}

func newMapBlockSet(onRemove func(hash uint64)) *mapBlockSet {
	return &mapBlockSet{
		hashes:   sets.New[uint64](),
		onRemove: onRemove,
	}
}

func (s *mapBlockSet) Add(hash uint64) {
	s.hashes.Insert(hash)
}

func (s *mapBlockSet) Remove(hash uint64) {
	if !s.hashes.Contains(hash) {
		return
	}
	s.hashes.Delete(hash)
	s.onRemove(hash)
}

func (s *mapBlockSet) Contains(hash uint64) bool {
	return s.hashes.Contains(hash)
}

func (s *mapBlockSet) Len() int {
	return s.hashes.Len()
}

func (s *mapBlockSet) Clear() {
	for hash := range s.hashes {
		s.Remove(hash)
	}
}

func (s *mapBlockSet) Keys() []uint64 {
	return s.hashes.UnsortedList()
}
