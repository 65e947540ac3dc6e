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

// Package handlers exposes the router's entry points over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/events"
	"github.com/volcano-sh/kv-router/pkg/kv-router/metrics"
	"github.com/volcano-sh/kv-router/pkg/kv-router/tokenizer"
)

// RequestRouter is the part of *router.Router served over HTTP.
type RequestRouter interface {
	Route(ctx context.Context, req *common.RequestUnit) (*common.RoutingDecision, error)
	OnCompletion(ctx context.Context, c common.Completion) error
	OnFailure(ctx context.Context, requestID, reason string) error
	OnWorkerEvent(ctx context.Context, ev common.WorkerEvent) error
	OnCacheEvent(ctx context.Context, ev common.CacheEvent) error
}

// RouteRequest is the body of POST /v1/route. Either TokenIDs or Prompt must
// be set; a prompt is only tokenized when no token ids are given.
type RouteRequest struct {
	RequestID string                `json:"request_id,omitempty"`
	Model     string                `json:"model,omitempty"`
	TokenIDs  []uint32              `json:"token_ids,omitempty"`
	Prompt    string                `json:"prompt,omitempty"`
	Role      string                `json:"role,omitempty"`
	Sampling  common.SamplingParams `json:"sampling"`
}

// FailureRequest is the body of POST /v1/failures.
type FailureRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// FailureResponse tells the caller the request has to be routed again.
type FailureResponse struct {
	RequestID string `json:"request_id"`
	Reroute   bool   `json:"reroute"`
	Message   string `json:"message"`
}

type Handler struct {
	router    RequestRouter
	tokenizer tokenizer.Tokenizer
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

type Option func(*Handler)

func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(h *Handler) { h.tokenizer = t }
}

// WithRateLimiter limits POST /v1/route. A nil limiter disables the limit.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(router RequestRouter, opts ...Option) *Handler {
	h := &Handler{router: router}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRateLimiter returns nil when perSecond is not positive.
func NewRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// RegisterRoutes adds the /v1 endpoints to r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/route", h.Route)
	v1.POST("/completions", h.Complete)
	v1.POST("/failures", h.Fail)
	v1.POST("/workers", h.WorkerEvent)
	v1.POST("/cache-events", h.CacheEvent)
}

// Route handles POST /v1/route
func (h *Handler) Route(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow() {
		if h.metrics != nil {
			h.metrics.RateLimitExceeded.WithLabelValues(c.FullPath()).Inc()
		}
		abortWithError(c, http.StatusTooManyRequests, errors.New("route rate limit exceeded"))
		return
	}

	var body RouteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err))
		return
	}

	req, err := h.requestUnit(&body)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}

	decision, err := h.router.Route(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) requestUnit(body *RouteRequest) (*common.RequestUnit, error) {
	role, err := common.ParseRole(body.Role)
	if err != nil {
		return nil, err
	}

	tokens := body.TokenIDs
	if len(tokens) == 0 && body.Prompt != "" {
		if h.tokenizer == nil {
			return nil, fmt.Errorf("%w: token_ids are required", common.ErrInvalidRequest)
		}
		if tokens, err = h.tokenizer.Encode(body.Prompt); err != nil {
			return nil, fmt.Errorf("failed to tokenize prompt: %w", err)
		}
	}

	id := body.RequestID
	if id == "" {
		id = uuid.New().String()
		klog.V(4).Infof("Generated request id %s", id)
	}

	return &common.RequestUnit{
		ID:          id,
		Model:       body.Model,
		Tokens:      tokens,
		Role:        role,
		Sampling:    body.Sampling,
		ArrivalTime: time.Now(),
	}, nil
}

// Complete handles POST /v1/completions
func (h *Handler) Complete(c *gin.Context) {
	var body common.Completion
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err))
		return
	}
	if err := h.router.OnCompletion(c.Request.Context(), body); err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": body.RequestID})
}

// Fail handles POST /v1/failures. A known request is always answered with
// reroute set.
func (h *Handler) Fail(c *gin.Context) {
	var body FailureRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err))
		return
	}

	err := h.router.OnFailure(c.Request.Context(), body.RequestID, body.Reason)
	if err != nil && !errors.Is(err, common.ErrWorkerUnreachable) {
		abortWithError(c, statusFor(err), err)
		return
	}

	resp := FailureResponse{RequestID: body.RequestID, Reroute: true}
	if err != nil {
		resp.Message = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// WorkerEvent handles POST /v1/workers
func (h *Handler) WorkerEvent(c *gin.Context) {
	var body common.WorkerEvent
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err))
		return
	}
	if err := h.router.OnWorkerEvent(c.Request.Context(), body); err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker_id": body.ID()})
}

// CacheEvent handles POST /v1/cache-events. The body is a single event or
// an array of events, applied in order. Malformed batches are rejected as a
// whole.
func (h *Handler) CacheEvent(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	evs, err := events.Decode(data)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", common.ErrInvalidRequest, err))
		return
	}
	for i := range evs {
		if err := evs[i].Validate(); err != nil {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("event %d: %w", i, err))
			return
		}
	}
	for i, ev := range evs {
		if err := h.router.OnCacheEvent(c.Request.Context(), ev); err != nil {
			// Earlier events stay applied, tell the caller where to resume.
			klog.V(4).Infof("Cache event %d of %d rejected: %v", i, len(evs), err)
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error(), "applied": i})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"applied": len(evs)})
}

// statusFor maps router errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnknownRequest), errors.Is(err, common.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, common.ErrNoCapacityAvailable), errors.Is(err, common.ErrWorkerUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		klog.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		klog.V(4).Infof("%s %s rejected with %d: %v", c.Request.Method, c.Request.URL.Path, code, err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
