//go:build unix

package worker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/mattjoyce/deployd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	received    []protocol.MessageType
	dropped     int
}

func (o *recordingObserver) Transition(_ *Handle, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
}

func (o *recordingObserver) Received(_ *Handle, t protocol.MessageType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, t)
}

func (o *recordingObserver) Dropped(*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) snapshot() ([]string, []protocol.MessageType, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...), append([]protocol.MessageType(nil), o.received...), o.dropped
}

// newScriptSupervisor runs workers as `bash -c <script>`.
func newScriptSupervisor(t *testing.T, script string, obs Observer) *Supervisor {
	t.Helper()
	s := New(Config{
		Command:          "bash",
		Args:             []string{"-c", script},
		TerminationGrace: 200 * time.Millisecond,
		Observer:         obs,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.StopAll(ctx)
	})
	return s
}

func testDeployment(t *testing.T) deployment.Deployment {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return deployment.Deployment{
		ID:           "demo",
		Suffix:       "demo",
		ResourceType: deployment.ResourcePackage,
		Version:      "v1",
		SourcePath:   dir,
	}
}

// drain collects messages until the channel closes.
func drain(t *testing.T, h *Handle) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-h.Messages():
			if !ok {
				<-h.Done()
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatal("timed out waiting for worker to exit")
		}
	}
}

// discard drains messages without a *testing.T, for use in goroutines.
func discard(h *Handle) {
	for range h.Messages() {
	}
}

const metadataScript = `
read -r load <&3
printf '%s\n' "$load" > load.json
printf '{"type":"getApplicationMetadata","data":{"app":{"language_id":"%s","path":"%s","scripts":["%s"]}}}\n' "$FLAG" "$PWD" "${HOME:-unset}" >&3
`

func TestSpawnEnvironmentAndWorkingDirectory(t *testing.T) {
	obs := &recordingObserver{}
	s := newScriptSupervisor(t, metadataScript, obs)
	dep := testDeployment(t)

	h, err := s.Spawn(context.Background(), dep, map[string]string{"FLAG": "true"})
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)
	assert.Equal(t, "demo", h.DeploymentID)
	assert.NotEmpty(t, h.ID)

	require.NoError(t, h.Send(protocol.NewLoad(dep)))

	msgs := drain(t, h)
	require.Len(t, msgs, 1)
	app := msgs[0].Metadata["app"]
	assert.Equal(t, "true", app.LanguageID, "FLAG must reach the worker as the string true")
	assert.Equal(t, dep.SourcePath, app.Path, "worker cwd must be the source path")
	assert.Equal(t, []string{"unset"}, app.Scripts, "worker env must be exactly the given env")

	load, err := os.ReadFile(filepath.Join(dep.SourcePath, "load.json"))
	require.NoError(t, err)
	assert.Contains(t, string(load), `"type":"loadFunctions"`)
	assert.Contains(t, string(load), `"suffix":"demo"`)

	assert.Equal(t, StateTerminated, h.State())
	assert.NoError(t, h.ExitErr())
	select {
	case <-h.Ready():
	default:
		t.Fatal("ready channel should be closed")
	}

	transitions, received, _ := obs.snapshot()
	assert.Equal(t, []string{"starting->spawned", "spawned->ready", "ready->terminated"}, transitions)
	assert.Equal(t, []protocol.MessageType{protocol.TypeMetadata}, received)
}

func TestWorkerFinalStates(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		wantState State
	}{
		{
			name:      "exit non-zero before ready",
			script:    `exit 2`,
			wantState: StateFailed,
		},
		{
			name:      "exit zero without reporting",
			script:    `read -r load <&3; exit 0`,
			wantState: StateFailed,
		},
		{
			name: "ready then non-zero exit",
			script: `read -r load <&3
echo '{"type":"getApplicationMetadata","data":{"app":{"language_id":"node"}}}' >&3
exit 3`,
			wantState: StateFailed,
		},
		{
			name: "ready then clean exit",
			script: `read -r load <&3
echo '{"type":"getApplicationMetadata","data":{"app":{"language_id":"node"}}}' >&3`,
			wantState: StateTerminated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScriptSupervisor(t, tt.script, nil)
			dep := testDeployment(t)

			h, err := s.Spawn(context.Background(), dep, nil)
			require.NoError(t, err)
			_ = h.Send(protocol.NewLoad(dep))

			drain(t, h)
			assert.Equal(t, tt.wantState, h.State())
			assert.True(t, h.State().Terminal())
		})
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	obs := &recordingObserver{}
	script := `read -r load <&3
echo 'not json' >&3
echo '{"type":"getApplicationMetadata","data":{}}' >&3
echo '{"type":"heartbeat","data":{}}' >&3
echo '{"type":"error","data":{"message":"warming up"}}' >&3
echo '{"type":"getApplicationMetadata","data":{"app":{"language_id":"node"}}}' >&3`
	s := newScriptSupervisor(t, script, obs)
	dep := testDeployment(t)

	h, err := s.Spawn(context.Background(), dep, nil)
	require.NoError(t, err)
	require.NoError(t, h.Send(protocol.NewLoad(dep)))

	msgs := drain(t, h)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.Equal(t, protocol.TypeMetadata, msgs[1].Type)

	_, _, dropped := obs.snapshot()
	assert.Equal(t, 3, dropped)
	assert.Equal(t, StateTerminated, h.State())
}

func TestOversizedChannelLineIsDropped(t *testing.T) {
	obs := &recordingObserver{}
	script := `read -r load <&3
{ head -c 1200000 /dev/zero | tr '\0' x; echo; } >&3
echo '{"type":"getApplicationMetadata","data":{"app":{"language_id":"node"}}}' >&3`
	s := newScriptSupervisor(t, script, obs)
	dep := testDeployment(t)

	h, err := s.Spawn(context.Background(), dep, nil)
	require.NoError(t, err)
	require.NoError(t, h.Send(protocol.NewLoad(dep)))

	msgs := drain(t, h)
	require.Len(t, msgs, 1, "metadata after the oversized line must still arrive")
	assert.Equal(t, protocol.TypeMetadata, msgs[0].Type)

	_, _, dropped := obs.snapshot()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, StateTerminated, h.State())
}

func TestLongOutputLinesDoNotBlockWorker(t *testing.T) {
	script := `read -r load <&3
head -c 300000 /dev/zero | tr '\0' a; echo
head -c 200000 /dev/zero | tr '\0' b; echo
head -c 200000 /dev/zero | tr '\0' c >&2; echo >&2
echo '{"type":"getApplicationMetadata","data":{"app":{"language_id":"node"}}}' >&3
while read -r line <&3; do :; done`
	s := newScriptSupervisor(t, script, nil)
	dep := testDeployment(t)

	h, err := s.Spawn(context.Background(), dep, nil)
	require.NoError(t, err)
	go discard(h)
	require.NoError(t, h.Send(protocol.NewLoad(dep)))

	select {
	case <-h.Ready():
	case <-time.After(10 * time.Second):
		t.Fatalf("worker stalled writing long output lines: state=%s", h.State())
	}

	h.Stop(200 * time.Millisecond)
	assert.Equal(t, StateTerminated, h.State())
}

func TestStopAfterReadyTerminates(t *testing.T) {
	script := `read -r load <&3
echo '{"type":"getApplicationMetadata","data":{"app":{"language_id":"node"}}}' >&3
while read -r line <&3; do :; done`
	s := newScriptSupervisor(t, script, nil)
	dep := testDeployment(t)

	h, err := s.Spawn(context.Background(), dep, nil)
	require.NoError(t, err)
	require.NoError(t, h.Send(protocol.NewLoad(dep)))

	go discard(h)
	select {
	case <-h.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never became ready")
	}
	require.Len(t, s.Workers(), 1)

	h.Stop(2 * time.Second)
	assert.Equal(t, StateTerminated, h.State())
	assert.Empty(t, s.Workers())
	assert.ErrorIs(t, h.Send(protocol.NewLoad(dep)), ErrClosed)
}

func TestStopEscalatesToKill(t *testing.T) {
	script := `trap '' TERM
read -r load <&3
while true; do read -r -t 1 line <&3; done`
	s := newScriptSupervisor(t, script, nil)
	dep := testDeployment(t)

	h, err := s.Spawn(context.Background(), dep, nil)
	require.NoError(t, err)
	go discard(h)

	start := time.Now()
	h.Stop(200 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, StateFailed, h.State(), "stopped before ready")
}

func TestStopAll(t *testing.T) {
	script := `while read -r line <&3; do :; done`
	s := newScriptSupervisor(t, script, nil)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Spawn(context.Background(), testDeployment(t), nil)
		require.NoError(t, err)
		go discard(h)
		handles = append(handles, h)
	}
	require.Len(t, s.Workers(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.StopAll(ctx))

	for _, h := range handles {
		<-h.Done()
	}
	assert.Empty(t, s.Workers())
}

func TestSpawnFailures(t *testing.T) {
	tests := []struct {
		name    string
		command string
		dir     string
	}{
		{name: "missing command", command: "/nonexistent/deployd-worker"},
		{name: "missing source path", command: "bash", dir: "/nonexistent/source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Command: tt.command, Args: []string{"-c", "exit 0"}})
			dep := testDeployment(t)
			if tt.dir != "" {
				dep.SourcePath = tt.dir
			}

			_, err := s.Spawn(context.Background(), dep, nil)
			var se *SpawnError
			require.True(t, errors.As(err, &se), "want SpawnError, got %v", err)
			assert.Equal(t, http.StatusInternalServerError, se.StatusCode())
			assert.True(t, strings.Contains(err.Error(), tt.command))
			assert.Empty(t, s.Workers())
		})
	}
}

func TestSpawnHonoursCancelledContext(t *testing.T) {
	s := New(Config{Command: "bash"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Spawn(ctx, testDeployment(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
