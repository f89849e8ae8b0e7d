package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
)

// Run states reported by the automation service.
const (
	RunCompleted        = "COMPLETED"
	RunRunning          = "RUNNING"
	RunAwaitingCallback = "AWAITING_CALLBACK"
	RunFailed           = "FAILED"
)

type runResponse struct {
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	ExternalID string          `json:"externalId,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Executor runs tasks through the automation service. The service is keyed by task
// id, so repeated polls of an IN_PROGRESS task return the same run.
type Executor struct {
	client *Client
}

func NewExecutor(c *Client) *Executor {
	return &Executor{client: c}
}

func (e *Executor) Execute(ctx context.Context, req orchestrator.ExecuteRequest) (orchestrator.Result, error) {
	path := fmt.Sprintf("/v1/tasks/%s/execute", url.PathEscape(req.Task.ID.String()))
	var resp runResponse
	err := e.client.do(ctx, http.MethodPost, path, req, &resp)
	if errors.Is(err, ErrUnavailable) {
		// An outage keeps the task IN_PROGRESS; the next tick polls again.
		e.client.logger.Warn("task left running, automation service unavailable",
			zap.String("task_id", req.Task.ID.String()),
			zap.String("task_type", string(req.Task.Type)),
			zap.Error(err))
		return orchestrator.Result{}, nil
	}
	if err != nil {
		return orchestrator.Result{}, err
	}

	switch resp.Status {
	case RunCompleted:
		if len(resp.Output) == 0 {
			return orchestrator.Result{}, apperrors.Newf(apperrors.CodeTaskFailure, "%s completed without output", req.Task.Type)
		}
		return orchestrator.Result{Output: resp.Output, ExternalID: resp.ExternalID}, nil
	case RunRunning:
		return orchestrator.Result{ExternalID: resp.ExternalID}, nil
	case RunAwaitingCallback:
		return orchestrator.Result{Awaiting: true, ExternalID: resp.ExternalID}, nil
	case RunFailed:
		msg := resp.Error
		if msg == "" {
			msg = "automation run failed"
		}
		return orchestrator.Result{}, apperrors.Newf(apperrors.CodeTaskFailure, "%s: %s", req.Task.Type, msg)
	}
	return orchestrator.Result{}, apperrors.Newf(apperrors.CodeTaskFailure, "unknown run status %q for %s", resp.Status, req.Task.Type)
}
