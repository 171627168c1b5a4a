// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://pioneer:8094/pioneer", cfg.WorkerBaseURL)
	assert.Equal(t, "memory://", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Nil(t, cfg.StepTimeouts)
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_base_url: "http://worker.internal:9000"
database_url: "sqlite:///var/lib/discovery/discovery.db"
listen_addr: ":9090"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://worker.internal:9000", cfg.WorkerBaseURL)
	assert.Equal(t, "sqlite:///var/lib/discovery/discovery.db", cfg.DatabaseURL)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`worker_base_url: "http://from-file:9000"`), 0o644))

	t.Setenv("WORKER_BASE_URL", "http://from-env:9000")
	t.Setenv("DATABASE_URL", "sqlite:///tmp/discovery.db")
	t.Setenv("DISCOVERY_LISTEN_ADDR", ":7070")
	t.Setenv("DISCOVERY_STEP_TIMEOUT_FETCH_USER", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:9000", cfg.WorkerBaseURL)
	assert.Equal(t, "sqlite:///tmp/discovery.db", cfg.DatabaseURL)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.StepTimeouts["fetch_user"])
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownDatabaseScheme(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://localhost/discovery"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyWorkerBaseURL(t *testing.T) {
	cfg := Default()
	cfg.WorkerBaseURL = ""
	assert.Error(t, cfg.Validate())
}

func TestSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "sqlite:///var/lib/discovery/discovery.db"
	path, ok := cfg.SQLitePath()
	require.True(t, ok)
	assert.Equal(t, "/var/lib/discovery/discovery.db", path)

	cfg.DatabaseURL = "memory://"
	_, ok = cfg.SQLitePath()
	assert.False(t, ok)
	assert.True(t, cfg.IsMemory())
}
