package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

// ExecuteRequest is handed to an Executor each time the orchestrator visits a started
// task. Executors must be idempotent per Task.ID: an IN_PROGRESS task is polled again
// on every tick until it reports an outcome.
type ExecuteRequest struct {
	Release   models.Release          `json:"release"`
	Task      models.ReleaseTask      `json:"task"`
	Cycle     *models.RegressionCycle `json:"cycle,omitempty"`
	Platforms []models.Platform       `json:"platforms"`
}

// Result is the outcome of one Execute call. With neither Output nor Awaiting set the
// task stays IN_PROGRESS and is polled on the next tick.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
	// Awaiting parks the task until a CI/CD callback or manual upload completes it.
	Awaiting   bool   `json:"awaiting,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

// Executor performs the external side effect of a task. A returned error fails the task.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (Result, error)
}

// Submitter opens store submissions for SUBMIT_TO_TARGET.
type Submitter interface {
	SubmitRelease(ctx context.Context, r models.Release, platforms []models.Platform, actor string) ([]models.Submission, error)
}

// LocalExecutor produces deterministic outputs without touching external systems.
// Build tasks are parked for a callback.
type LocalExecutor struct {
	// PassPercentage is reported by TRIGGER_AUTOMATION_RUNS.
	PassPercentage float64
	// NotesBaseURL prefixes generated release notes links.
	NotesBaseURL string
}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{PassPercentage: 100, NotesBaseURL: "https://releases.local"}
}

func (e *LocalExecutor) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	r, t := req.Release, req.Task
	short := t.ID.String()[:8]
	var out tasks.Output
	switch t.Type {
	case models.TaskForkBranch:
		out = &tasks.BranchOutput{BranchName: releaseBranch(r)}
	case models.TaskCreateProjectManagementTicket:
		out = &tasks.TicketOutput{TicketKeys: []string{strings.ToUpper(r.Key)}}
	case models.TaskCreateTestSuite, models.TaskResetTestSuite:
		out = &tasks.TestSuiteOutput{RunID: "run-" + short}
	case models.TaskCreateRCTag:
		suffix := short
		if req.Cycle != nil {
			suffix = req.Cycle.ScheduledAt.UTC().Format("20060102T1504")
		}
		out = &tasks.TagOutput{TagName: fmt.Sprintf("v%s-rc.%s", r.AppVersion, suffix)}
	case models.TaskCreateReleaseTag:
		out = &tasks.TagOutput{TagName: "v" + r.AppVersion}
	case models.TaskCreateReleaseNotes, models.TaskCreateFinalReleaseNotes:
		out = &tasks.ReleaseNotesOutput{NotesURL: fmt.Sprintf("%s/%s/notes/%s", e.NotesBaseURL, r.Key, short)}
	case models.TaskTriggerAutomationRuns:
		out = &tasks.AutomationRunsOutput{RunIDs: []string{"auto-" + short}, PassPercentage: e.PassPercentage}
	case models.TaskTriggerPreRegressionBuilds, models.TaskTriggerRegressionBuilds,
		models.TaskTriggerTestFlightBuild, models.TaskCreateAABBuild:
		return Result{Awaiting: true, ExternalID: "local-" + short}, nil
	default:
		return Result{}, fmt.Errorf("local executor cannot run %s", t.Type)
	}
	raw, err := tasks.MarshalOutput(t.Type, out)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: raw}, nil
}

func releaseBranch(r models.Release) string {
	if r.ReleaseBranch != "" {
		return r.ReleaseBranch
	}
	return "release/" + r.AppVersion
}
