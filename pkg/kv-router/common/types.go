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

package common

import (
	"fmt"
	"time"
)

// Role is the serving role of a worker, or the role a request requires.
type Role string

const (
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
	RoleUnified Role = "unified"

	// RoleAny is only valid on requests: any worker role may serve it.
	RoleAny Role = "any"
)

// ParseRole converts the wire representation of a role. An empty string is
// treated as RoleAny.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleAny:
		return RoleAny, nil
	case RolePrefill, RoleDecode, RoleUnified:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, s)
	}
}

// IsWorkerRole reports whether r can be assigned to a worker.
func (r Role) IsWorkerRole() bool {
	return r == RolePrefill || r == RoleDecode || r == RoleUnified
}

// IsRequestRole reports whether r can be required by a request.
func (r Role) IsRequestRole() bool {
	return r == RolePrefill || r == RoleDecode || r == RoleAny
}

// Serves reports whether a worker with role r can serve a request that
// requires role want.
func (r Role) Serves(want Role) bool {
	switch want {
	case RoleAny:
		return r.IsWorkerRole()
	case RolePrefill, RoleDecode:
		return r == want || r == RoleUnified
	default:
		return false
	}
}

// Preferred returns the worker role that best matches a request role.
func (r Role) Preferred() Role {
	if r == RoleAny {
		return RoleUnified
	}
	return r
}

// WorkerState is the liveness state of a worker.
type WorkerState string

const (
	WorkerActive      WorkerState = "active"
	WorkerDraining    WorkerState = "draining"
	WorkerUnreachable WorkerState = "unreachable"
)

// SamplingParams carries the sampling configuration the Processor attached to
// a request. The router does not interpret it.
type SamplingParams struct {
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// RequestUnit is a normalized request produced by the Processor.
type RequestUnit struct {
	ID          string         `json:"request_id"`
	Model       string         `json:"model,omitempty"`
	Tokens      []uint32       `json:"token_ids"`
	Role        Role           `json:"role"`
	Sampling    SamplingParams `json:"sampling"`
	ArrivalTime time.Time      `json:"arrival_time"`
}

// Validate checks the request is routable.
func (r *RequestUnit) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	if len(r.Tokens) == 0 {
		return fmt.Errorf("%w: request %s has an empty token sequence", ErrInvalidRequest, r.ID)
	}
	if !r.Role.IsRequestRole() {
		return fmt.Errorf("%w: request %s has unknown role %q", ErrInvalidRequest, r.ID, r.Role)
	}
	return nil
}

// RoutingDecision is the outcome of a successful Route call.
type RoutingDecision struct {
	RequestID     string    `json:"request_id"`
	WorkerID      string    `json:"worker_id"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Role          Role      `json:"role"`
	MatchedBlocks int       `json:"matched_blocks"`
	TotalBlocks   int       `json:"total_blocks"`
	Score         float64   `json:"score"`
	Timestamp     time.Time `json:"timestamp"`
}

// Completion is reported when a worker finishes (or abandons) a request.
type Completion struct {
	RequestID string `json:"request_id"`
	WorkerID  string `json:"worker_id,omitempty"`
	// FinalBlockHashes is the authoritative set of blocks the worker holds for
	// this request once it finished.
	FinalBlockHashes []uint64 `json:"final_block_hashes,omitempty"`
	Generation       uint64   `json:"generation"`
	// Aborted marks a cancelled request: the optimistic state is rolled back.
	Aborted bool `json:"aborted,omitempty"`
}

// WorkerSpec describes a worker at registration time.
type WorkerSpec struct {
	ID       string            `json:"id"`
	Role     Role              `json:"role"`
	Capacity int64             `json:"capacity,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type WorkerEventType string

const (
	WorkerRegister   WorkerEventType = "register"
	WorkerDeregister WorkerEventType = "deregister"
	WorkerHeartbeat  WorkerEventType = "heartbeat"
	WorkerDrain      WorkerEventType = "drain"
)

// WorkerEvent is a lifecycle event reported by the worker pool.
type WorkerEvent struct {
	Type     WorkerEventType `json:"type"`
	WorkerID string          `json:"worker_id,omitempty"`
	Worker   *WorkerSpec     `json:"worker,omitempty"`
	// Load is the load reported with a heartbeat. Nil keeps the previous value.
	Load *int64 `json:"load,omitempty"`
}

// ID returns the worker the event refers to.
func (e *WorkerEvent) ID() string {
	if e.WorkerID != "" {
		return e.WorkerID
	}
	if e.Worker != nil {
		return e.Worker.ID
	}
	return ""
}

type CacheEventType string

const (
	CacheBlocksStored  CacheEventType = "stored"
	CacheBlocksRemoved CacheEventType = "removed"
	CacheAllCleared    CacheEventType = "cleared"
)

// CacheEvent is a KV cache state change reported by a worker outside of
// request completion, e.g. evictions under memory pressure.
type CacheEvent struct {
	Type        CacheEventType `json:"type"`
	WorkerID    string         `json:"worker_id"`
	BlockHashes []uint64       `json:"block_hashes,omitempty"`
	Generation  uint64         `json:"generation"`
}

// Validate checks the event names a worker and a known change type.
func (e *CacheEvent) Validate() error {
	if e.WorkerID == "" {
		return fmt.Errorf("%w: cache event without worker id", ErrInvalidRequest)
	}
	switch e.Type {
	case CacheBlocksStored, CacheBlocksRemoved, CacheAllCleared:
		return nil
	default:
		return fmt.Errorf("%w: unknown cache event type %q", ErrInvalidRequest, e.Type)
	}
}
