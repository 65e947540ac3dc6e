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

package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/cache"
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/debug"
	"github.com/volcano-sh/kv-router/pkg/kv-router/events"
	"github.com/volcano-sh/kv-router/pkg/kv-router/handlers"
	"github.com/volcano-sh/kv-router/pkg/kv-router/hashing"
	"github.com/volcano-sh/kv-router/pkg/kv-router/metrics"
	"github.com/volcano-sh/kv-router/pkg/kv-router/router"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler"
	"github.com/volcano-sh/kv-router/pkg/kv-router/tokenizer"
	"github.com/volcano-sh/kv-router/pkg/kv-router/utils"
)

const gracefulShutdownTimeout = 15 * time.Second

type Server struct {
	options *Options
	config  *config.Configuration

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	router   *router.Router
	handler  *handlers.Handler

	ready atomic.Bool
}

// NewServer wires the router and its HTTP surface from cfg.
func NewServer(opts *Options, cfg *config.Configuration) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	index := cache.NewIndex(cfg.MaxBlocksPerWorker)
	workers := datastore.NewRegistry(nil, cfg.HeartbeatInterval.Duration, cfg.MissedHeartbeatThreshold)
	r := router.New(workers, index, scheduler.NewScheduler(index, cfg.Scheduler),
		router.WithMetrics(m),
		router.WithBlockProcessor(hashing.NewBlockProcessor(cfg.BlockSize, cfg.MaxBlocksPerRequest)),
		router.WithCompletionTimeout(cfg.CompletionTimeout.Duration),
		router.WithDecisionHistorySize(cfg.DecisionHistorySize),
		router.WithFailureNotifier(func(f router.Failure) {
			klog.Warningf("Request %s lost worker %s and must be rerouted: %v", f.RequestID, f.WorkerID, f.Err)
		}),
	)

	return &Server{
		options:  opts,
		config:   cfg,
		registry: reg,
		metrics:  m,
		router:   r,
		handler: handlers.NewHandler(r,
			handlers.WithTokenizer(tokenizer.NewTikToken(tokenizer.DefaultEncoding)),
			handlers.WithRateLimiter(handlers.NewRateLimiter(cfg.MaxRoutesPerSecond, cfg.RouteBurst)),
			handlers.WithMetrics(m),
		),
	}
}

// Engine builds the HTTP routes.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/healthz", "/readyz", "/metrics"), gin.Recovery())
	engine.Use(handlers.MetricsMiddleware(s.metrics))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
		})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		if s.ready.Load() {
			c.JSON(http.StatusOK, gin.H{
				"message": "router is ready",
			})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"message": "router is not ready",
			})
		}
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))

	s.handler.RegisterRoutes(engine)
	debug.NewDebugHandler(debug.NewRouterStore(s.router)).RegisterRoutes(engine)
	return engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.router.Run(ctx)
	}()

	s.startSubscriber(ctx, &wg)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    ":" + s.options.Port,
		Handler: s.Engine().Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.options.EnableTLS() {
			err = server.ListenAndServeTLS(s.options.TLSCertFile, s.options.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.ready.Store(true)
	klog.Infof("kv-router listening on :%s", s.options.Port)

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			klog.Errorf("listen failed: %v", err)
			return err
		}
	}

	// graceful shutdown
	s.ready.Store(false)
	klog.Info("Shutting down HTTP server ...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Server shutdown failed: %v", err)
		return err
	}
	klog.Info("HTTP server exited")
	return nil
}

// startSubscriber feeds KV events from redis when it is configured. A redis
// outage at startup disables the subscriber instead of failing the router.
func (s *Server) startSubscriber(ctx context.Context, wg *sync.WaitGroup) {
	client, err := utils.NewRedisClient(ctx, s.config.Redis)
	if err != nil {
		klog.Errorf("KV event subscriber disabled: %v", err)
		return
	}
	if client == nil {
		klog.Info("No redis configured, KV events are only accepted over HTTP")
		return
	}

	channels := s.config.Redis.Channels
	if len(channels) == 0 {
		channels = []string{config.DefaultRedisChannel}
	}
	sub := events.NewSubscriber(client, channels, s.router)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer client.Close()
		if err := sub.Run(ctx); err != nil {
			klog.Errorf("KV event subscriber stopped: %v", err)
		}
	}()
}
