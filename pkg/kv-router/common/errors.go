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

import "errors"

var (
	// ErrInvalidRequest is returned for malformed input. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoCapacityAvailable is returned when no eligible worker exists.
	// Callers may retry after a backoff.
	ErrNoCapacityAvailable = errors.New("no capacity available")
	// ErrWorkerUnreachable signals a routed request lost its worker.
	// Callers must reroute.
	ErrWorkerUnreachable = errors.New("worker unreachable")
	// ErrStaleEvent marks an out-of-order cache event. It is expected under
	// concurrency and only logged.
	ErrStaleEvent = errors.New("stale event")
	// ErrUnknownRequest is returned for completions of requests that are not in flight.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrUnknownWorker is returned for events about workers that are not registered.
	ErrUnknownWorker = errors.New("unknown worker")
)
