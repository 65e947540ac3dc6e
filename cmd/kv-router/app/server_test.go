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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: *NewOptions()},
		{name: "tls", opts: Options{Port: "8443", TLSCertFile: "tls.crt", TLSKeyFile: "tls.key"}},
		{name: "cert without key", opts: Options{Port: "8443", TLSCertFile: "tls.crt"}, wantErr: true},
		{name: "key without cert", opts: Options{Port: "8443", TLSKeyFile: "tls.key"}, wantErr: true},
		{name: "bad port", opts: Options{Port: "http"}, wantErr: true},
		{name: "port out of range", opts: Options{Port: "70000"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewCommandFlags(t *testing.T) {
	cmd := NewCommand()
	for _, name := range []string{"config", "port", "tls-cert", "tls-key", "v"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "8080", cmd.Flags().Lookup("port").DefValue)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultBlockSize, cfg.BlockSize)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blockSize: 4\nmaxRoutesPerSecond: 10\n"), 0o600))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BlockSize)
	assert.Equal(t, 10, cfg.RouteBurst)

	require.NoError(t, os.WriteFile(path, []byte("blockSize: -4\n"), 0o600))
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestEngine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.BlockSize = 4
	s := NewServer(NewOptions(), cfg)
	engine := s.Engine()

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(http.MethodGet, "/readyz", nil).Code)
	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/readyz", nil).Code)

	w := do(http.MethodPost, "/v1/workers", common.WorkerEvent{
		Type:   common.WorkerRegister,
		Worker: &common.WorkerSpec{ID: "worker-a", Role: common.RoleUnified},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(http.MethodPost, "/v1/route", map[string]any{"request_id": "r1", "token_ids": []uint32{1, 2, 3, 4}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"worker_id":"worker-a"`)

	w = do(http.MethodGet, "/debug/decisions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"r1"`)

	w = do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kv_router_routes_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
