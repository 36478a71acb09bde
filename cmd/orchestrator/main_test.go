package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestrator "github.com/jdziat/backtest-orchestrator"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", filepath.Join(t.TempDir(), "orchestrator.db"))
	t.Setenv("BROKER", "memory")
	t.Setenv("LOG_LEVEL", "error")
}

func runJSON(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out, orchestrator.WithMemoryProbe(nil)))
	var v map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	return v
}

func TestRun_BackfillThenStop(t *testing.T) {
	setupEnv(t)

	created := runJSON(t, "backfill", "-stock", "005930", "-days", "30")
	jobID, _ := created["job_id"].(string)
	require.NotEmpty(t, jobID)

	stopped := runJSON(t, "stop", "-id", jobID)
	assert.Equal(t, "collection", stopped["kind"])
}

func TestRun_ScanThenStop(t *testing.T) {
	setupEnv(t)

	created := runJSON(t, "scan", "-stock", "005930", "-months", "2")
	vJobID, _ := created["v_job_id"].(string)
	require.NotEmpty(t, vJobID)

	stopped := runJSON(t, "stop", "-id", vJobID)
	assert.Equal(t, "verification", stopped["kind"])
}

func TestRun_HealthAndReap(t *testing.T) {
	setupEnv(t)

	report := runJSON(t, "health")
	assert.Equal(t, "healthy", report["status"])

	res := runJSON(t, "reap")
	assert.Equal(t, float64(0), res["requeued"])
	assert.Equal(t, float64(0), res["failed"])
}

func TestRun_Errors(t *testing.T) {
	setupEnv(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, run(ctx, nil, &out))
	assert.Contains(t, out.String(), "usage")

	assert.ErrorContains(t, run(ctx, []string{"launch"}, &out), "unknown command")
	assert.ErrorContains(t, run(ctx, []string{"stop"}, &out), "-id is required")
	assert.Error(t, run(ctx, []string{"backfill", "-stock", "005930", "-days", "0"}, &out))
	assert.Error(t, run(ctx, []string{"backfill", "-bogus"}, &out))
}

func TestRun_ServeStopsOnCancel(t *testing.T) {
	setupEnv(t)
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		var out bytes.Buffer
		done <- run(ctx, []string{"serve"}, &out, orchestrator.WithMemoryProbe(nil))
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
