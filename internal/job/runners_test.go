package job

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRunnerSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := NewHTTPRunner(nil)
	d := Descriptor{Cycle: "1", Name: "a", SubmitNum: 1, Runtime: config.RuntimeSpec{Command: srv.URL}}

	require.NoError(t, r.Prepare(context.Background(), d))
	h, state, err := r.Submit(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "1/a/1", h.ID)
	assert.Equal(t, "succeeded", state.Phase)
	assert.Equal(t, true, state.Output["ok"])
}

func TestHTTPRunnerMapsErrorStatusToFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPRunner(nil)
	d := Descriptor{Cycle: "1", Name: "a", SubmitNum: 1, Runtime: config.RuntimeSpec{Command: srv.URL}}

	_, state, err := r.Submit(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "failed", state.Phase)
}

func TestHTTPRunnerPrepareRejectsEmptyCommand(t *testing.T) {
	r := NewHTTPRunner(nil)
	err := r.Prepare(context.Background(), Descriptor{})
	assert.Error(t, err)
}

func TestShellRunnerRejectsDisallowedCommand(t *testing.T) {
	r := NewShellRunner([]string{"echo"})
	d := Descriptor{Runtime: config.RuntimeSpec{Command: "rm -rf /"}}
	err := r.Prepare(context.Background(), d)
	assert.Error(t, err)
}

func TestShellRunnerAllowsAndRunsCommand(t *testing.T) {
	r := NewShellRunner([]string{"echo"})
	d := Descriptor{Cycle: "1", Name: "a", SubmitNum: 1, Runtime: config.RuntimeSpec{Command: "echo hello"}}
	require.NoError(t, r.Prepare(context.Background(), d))

	_, state, err := r.Submit(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", state.Phase)
	assert.Contains(t, state.Output["stdout"], "hello")
}

func TestUnimplementedRunnerAlwaysErrors(t *testing.T) {
	r := unimplementedRunner{kind: "model"}
	_, _, err := r.Submit(context.Background(), Descriptor{})
	assert.ErrorIs(t, err, ErrRunnerNotImplemented)
	assert.ErrorIs(t, r.Prepare(context.Background(), Descriptor{}), ErrRunnerNotImplemented)
	assert.ErrorIs(t, r.Kill(context.Background(), Handle{}), ErrRunnerNotImplemented)
}

func TestMultiRunnerRoutesByExecutionKind(t *testing.T) {
	m := NewMultiRunner(nil, "", nil, "")

	httpRunner, ok := m.RunnerFor("http")
	require.True(t, ok)
	_, isHTTP := httpRunner.(*HTTPRunner)
	assert.True(t, isHTTP)

	_, ok = m.RunnerFor("nonexistent")
	assert.False(t, ok)

	err := m.Prepare(context.Background(), Descriptor{Runtime: config.RuntimeSpec{ExecutionKind: "model"}})
	assert.ErrorIs(t, err, ErrRunnerNotImplemented)
}
