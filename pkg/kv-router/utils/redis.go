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

package utils

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
)

const redisPingTimeout = 2 * time.Second

// LoadEnv returns the value of key, or defaultValue when it is unset or empty.
func LoadEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// RedisOptions builds client options from cfg. REDIS_HOST, REDIS_PORT and
// REDIS_PASSWORD take precedence over the file.
func RedisOptions(cfg config.RedisConfiguration) *redis.Options {
	host, port := "", "6379"
	if cfg.Address != "" {
		if h, p, err := net.SplitHostPort(cfg.Address); err == nil {
			host, port = h, p
		} else {
			host = cfg.Address
		}
	}
	host = LoadEnv("REDIS_HOST", host)
	port = LoadEnv("REDIS_PORT", port)

	addr := ""
	if host != "" {
		addr = net.JoinHostPort(host, port)
	}
	return &redis.Options{
		Addr:     addr,
		Password: LoadEnv("REDIS_PASSWORD", cfg.Password),
		DB:       cfg.DB,
	}
}

// NewRedisClient connects to redis and verifies the connection. It returns
// nil and no error when no address is configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfiguration) (*redis.Client, error) {
	opts := RedisOptions(cfg)
	if opts.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", opts.Addr, err)
	}
	klog.Infof("Redis connection to %s established", opts.Addr)
	return client, nil
}
