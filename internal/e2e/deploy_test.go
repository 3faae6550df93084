//go:build unix

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/deployd/internal/api"
	"github.com/mattjoyce/deployd/internal/config"
	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/mattjoyce/deployd/internal/dispatch"
	"github.com/mattjoyce/deployd/internal/events"
	"github.com/mattjoyce/deployd/internal/install"
	"github.com/mattjoyce/deployd/internal/log"
	"github.com/mattjoyce/deployd/internal/metrics"
	"github.com/mattjoyce/deployd/internal/storage"
	"github.com/mattjoyce/deployd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workerScript lives in each deployment's source directory. It records the
// load message, reports one application and idles until stopped.
const workerScript = `#!/bin/bash
read -r load <&3
printf '%s\n' "$load" > .load.json
printf '{"type":"getApplicationMetadata","data":{"%s":{"language_id":"bash","path":"%s","scripts":["worker.sh"]}}}\n' \
  "$APP_NAME" "$PWD" >&3
while read -r line <&3; do :; done
`

type stack struct {
	server *httptest.Server
	store  *deployment.Store
	coord  *dispatch.Coordinator
	hub    *events.Hub
}

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

func newStack(t *testing.T) *stack {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "deployd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(256)
	collector := metrics.NewCollector("e2e", false)
	sup := worker.New(worker.Config{
		Command:          "bash",
		Args:             []string{"worker.sh"},
		TerminationGrace: time.Second,
		Observer:         dispatch.LifecycleObserver{Events: hub, Metrics: collector},
	})

	// Only the marker step that bash can satisfy, so installs really run.
	installer := install.NewCommandInstaller(config.InstallConfig{
		Enabled: true,
		Timeout: 10 * time.Second,
		Steps: []config.InstallStep{
			{Marker: "install.sh", Command: []string{"bash", "install.sh"}},
		},
	})

	store := deployment.NewStore(db)
	coord := dispatch.New(dispatch.Deps{
		Deployments: store,
		Installer:   installer,
		Supervisor:  sup,
		Events:      hub,
		Metrics:     collector,
	}, dispatch.Options{
		HostID:       "e2e-host",
		ChannelEnv:   "NODE_CHANNEL_FD",
		ReadyTimeout: 10 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	srv := api.New(api.Config{Listen: "127.0.0.1:0"}, coord, hub, collector.Handler(), log.WithComponent("api"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{server: ts, store: store, coord: coord, hub: hub}
}

// provision writes a source directory holding the worker script and stores
// a deployment pointing at it.
func (s *stack) provision(t *testing.T, suffix string, env []deployment.EnvVar, extra map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(workerScript), 0o755))
	for name, body := range extra {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	_, err := s.store.Add(context.Background(), deployment.Deployment{
		Suffix:       suffix,
		ResourceType: deployment.ResourcePackage,
		Version:      "v1",
		Env:          env,
		SourcePath:   dir,
	})
	require.NoError(t, err)
	return dir
}

func (s *stack) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

type inspectBody struct {
	Applications []struct {
		Name         string `json:"name"`
		Path         string `json:"path"`
		DeploymentID string `json:"deployment_id"`
		State        string `json:"state"`
	} `json:"applications"`
	Workers []api.WorkerView `json:"workers"`
}

func (s *stack) inspect(t *testing.T) inspectBody {
	t.Helper()
	resp, err := http.Get(s.server.URL + "/inspect")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out inspectBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDeployEndToEnd(t *testing.T) {
	s := newStack(t)
	dir := s.provision(t, "demo", []deployment.EnvVar{
		{Name: "APP_NAME", Value: "hello"},
		{Name: "FLAG", Value: true},
	}, map[string]string{
		"install.sh": "echo installed > .installed\n",
	})

	code, body := s.post(t, "/deploy", map[string]any{"suffix": "demo"})
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.Equal(t, "e2e-host", body["prefix"])
	assert.Equal(t, "demo", body["suffix"])
	assert.Equal(t, "v1", body["version"])

	_, err := os.Stat(filepath.Join(dir, ".installed"))
	assert.NoError(t, err, "install step should run in the source path before spawn")

	var view inspectBody
	require.Eventually(t, func() bool {
		view = s.inspect(t)
		return len(view.Applications) == 1 && view.Applications[0].State == "ready"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hello", view.Applications[0].Name)
	assert.Equal(t, dir, view.Applications[0].Path)
	assert.Equal(t, "demo", view.Applications[0].DeploymentID)
	require.Len(t, view.Workers, 1)

	// The worker received the stored deployment verbatim as its load payload.
	raw, err := os.ReadFile(filepath.Join(dir, ".load.json"))
	require.NoError(t, err)
	var load struct {
		Type string                `json:"type"`
		Data deployment.Deployment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &load))
	assert.Equal(t, "loadFunctions", load.Type)
	assert.Equal(t, "demo", load.Data.ID)
	assert.Equal(t, dir, load.Data.SourcePath)

	code, body = s.post(t, "/undeploy", map[string]any{"suffix": "hello"})
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	require.Eventually(t, func() bool {
		v := s.inspect(t)
		return len(v.Applications) == 0 && len(v.Workers) == 0
	}, 5*time.Second, 20*time.Millisecond)

	var types []string
	for _, e := range s.hub.Since(0) {
		types = append(types, e.Type)
	}
	for _, want := range []string{events.DeployAccepted, events.WorkerSpawned, events.WorkerReady, events.AppRegistered, events.WorkerTerminated} {
		assert.Contains(t, types, want)
	}
}

func TestDeployUnknownSuffix(t *testing.T) {
	s := newStack(t)

	code, body := s.post(t, "/deploy", map[string]any{"suffix": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "fail", body["status"])
	assert.Equal(t, "Invalid deployment id: nope", body["message"])
	assert.Empty(t, s.inspect(t).Workers, "no worker for an unknown suffix")
}

func TestDeployInstallFailure(t *testing.T) {
	s := newStack(t)
	s.provision(t, "broken", nil, map[string]string{"install.sh": "echo missing dependency >&2; exit 3\n"})

	code, body := s.post(t, "/deploy", map[string]any{"suffix": "broken"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", body["status"])
	assert.Empty(t, s.inspect(t).Workers, "install failure prevents spawn")
}

func TestRedeployReplacesOwner(t *testing.T) {
	s := newStack(t)
	s.provision(t, "one", []deployment.EnvVar{{Name: "APP_NAME", Value: "shared"}}, nil)
	s.provision(t, "two", []deployment.EnvVar{{Name: "APP_NAME", Value: "shared"}}, nil)

	code, _ := s.post(t, "/deploy", map[string]any{"suffix": "one"})
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		v := s.inspect(t)
		return len(v.Applications) == 1 && v.Applications[0].DeploymentID == "one"
	}, 5*time.Second, 20*time.Millisecond)

	code, _ = s.post(t, "/deploy", map[string]any{"suffix": "two"})
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		v := s.inspect(t)
		return len(v.Applications) == 1 && v.Applications[0].DeploymentID == "two"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMetricsAndEventsEndpoints(t *testing.T) {
	s := newStack(t)
	s.provision(t, "demo", []deployment.EnvVar{{Name: "APP_NAME", Value: "m"}}, nil)

	code, _ := s.post(t, "/deploy", map[string]any{"suffix": "demo"})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.post(t, "/deploy", map[string]any{"suffix": "absent"})
	require.Equal(t, http.StatusBadRequest, code)

	require.Eventually(t, func() bool {
		return len(s.inspect(t).Applications) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(s.server.URL + "/metrics")
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	text := string(b)
	assert.Contains(t, text, `e2e_deploy_requests_total{outcome="accepted"} 1`)
	assert.Contains(t, text, `e2e_deploy_requests_total{outcome="rejected"} 1`)
	assert.Contains(t, text, `e2e_applications_registered 1`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/events", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The backlog is replayed first, so the accepted deploy is already there.
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 1024)
	for !strings.Contains(string(buf), events.DeployAccepted) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			t.Fatalf("event stream ended before %s: %v (got %q)", events.DeployAccepted, err, buf)
		}
	}
}
