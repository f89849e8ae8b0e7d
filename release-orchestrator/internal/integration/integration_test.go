package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", Token: "svc-token", Retries: 2, Backoff: time.Millisecond})
	require.NoError(t, err)
	return c
}

func request(typ models.TaskType) orchestrator.ExecuteRequest {
	return orchestrator.ExecuteRequest{
		Release:   models.Release{ID: uuid.New(), Key: "app-9", AppVersion: "9.0.0"},
		Task:      models.ReleaseTask{ID: uuid.New(), Type: typ, Status: models.TaskStatusInProgress},
		Platforms: []models.Platform{models.PlatformAndroid},
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestExecutorCompleted(t *testing.T) {
	req := request(models.TaskForkBranch)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks/"+req.Task.ID.String()+"/execute", r.URL.Path)
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		var got orchestrator.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, req.Task.ID, got.Task.ID)
		_, _ = w.Write([]byte(`{"status":"COMPLETED","output":{"branchName":"release/9.0.0"},"externalId":"run-1"}`))
	})

	res, err := NewExecutor(c).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"branchName":"release/9.0.0"}`, string(res.Output))
	assert.Equal(t, "run-1", res.ExternalID)
	assert.False(t, res.Awaiting)
}

func TestExecutorRunStates(t *testing.T) {
	cases := []struct {
		body     string
		awaiting bool
		failure  bool
	}{
		{body: `{"status":"RUNNING","externalId":"r"}`},
		{body: `{"status":"AWAITING_CALLBACK","externalId":"ci-77"}`, awaiting: true},
		{body: `{"status":"FAILED","error":"merge conflict"}`, failure: true},
		{body: `{"status":"COMPLETED"}`, failure: true},
		{body: `{"status":"EXPLODED"}`, failure: true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(tc.body))
		})
		res, err := NewExecutor(c).Execute(context.Background(), request(models.TaskTriggerRegressionBuilds))
		if tc.failure {
			assert.True(t, apperrors.IsCode(err, apperrors.CodeTaskFailure), tc.body)
			continue
		}
		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.awaiting, res.Awaiting, tc.body)
		assert.Empty(t, res.Output)
	}
}

func TestExecutorRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"AWAITING_CALLBACK"}`))
	})
	res, err := NewExecutor(c).Execute(context.Background(), request(models.TaskCreateAABBuild))
	require.NoError(t, err)
	assert.True(t, res.Awaiting)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExecutorOutageKeepsTaskRunning(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	res, err := NewExecutor(c).Execute(context.Background(), request(models.TaskCreateRCTag))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Result{}, res)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExecutorClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown task type", http.StatusUnprocessableEntity)
	})
	_, err := NewExecutor(c).Execute(context.Background(), request(models.TaskCreateRCTag))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Equal(t, "unknown task type", statusErr.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCherryPicksQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/repos/commits", r.URL.Path)
		assert.Equal(t, "release/9.0.0", r.URL.Query().Get("branch"))
		if r.URL.Query().Get("after") == "v9.0.0-rc.1" {
			_, _ = w.Write([]byte(`{"commits":2}`))
			return
		}
		_, _ = w.Write([]byte(`{"commits":0}`))
	})
	picks := NewCherryPicks(c)
	rel := models.Release{ReleaseBranch: "release/9.0.0", BaseBranch: "main"}

	status, err := picks.Status(context.Background(), rel, nil)
	require.NoError(t, err)
	assert.True(t, status.Clean())

	tag := "v9.0.0-rc.1"
	status, err = picks.Status(context.Background(), rel, &models.RegressionCycle{Tag: &tag})
	require.NoError(t, err)
	assert.Equal(t, 2, status.Commits)
	assert.False(t, status.Clean())
}
