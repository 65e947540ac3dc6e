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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
)

func clearRedisEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "")
	t.Setenv("REDIS_PASSWORD", "")
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("KV_ROUTER_TEST_ENV", "value")
	assert.Equal(t, "value", LoadEnv("KV_ROUTER_TEST_ENV", "default"))

	t.Setenv("KV_ROUTER_TEST_ENV", "")
	assert.Equal(t, "default", LoadEnv("KV_ROUTER_TEST_ENV", "default"))
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name         string
		cfg          config.RedisConfiguration
		env          map[string]string
		wantAddr     string
		wantPassword string
	}{
		{
			name:     "unset",
			cfg:      config.RedisConfiguration{},
			wantAddr: "",
		},
		{
			name:     "address from file",
			cfg:      config.RedisConfiguration{Address: "redis:6380"},
			wantAddr: "redis:6380",
		},
		{
			name:     "host without port",
			cfg:      config.RedisConfiguration{Address: "redis"},
			wantAddr: "redis:6379",
		},
		{
			name:         "env overrides file",
			cfg:          config.RedisConfiguration{Address: "redis:6380", Password: "file"},
			env:          map[string]string{"REDIS_HOST": "other", "REDIS_PASSWORD": "env"},
			wantAddr:     "other:6380",
			wantPassword: "env",
		},
		{
			name:     "env alone enables redis",
			env:      map[string]string{"REDIS_HOST": "redis-server", "REDIS_PORT": "7000"},
			wantAddr: "redis-server:7000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRedisEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			opts := RedisOptions(tt.cfg)
			assert.Equal(t, tt.wantAddr, opts.Addr)
			assert.Equal(t, tt.wantPassword, opts.Password)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	clearRedisEnv(t)

	client, err := NewRedisClient(context.Background(), config.RedisConfiguration{})
	assert.NoError(t, err)
	assert.Nil(t, client)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()

	client, err = NewRedisClient(context.Background(), config.RedisConfiguration{Address: addr})
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.NoError(t, client.Close())

	mr.Close()
	_, err = NewRedisClient(context.Background(), config.RedisConfiguration{Address: addr})
	assert.Error(t, err)
}
