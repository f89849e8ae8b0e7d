package models

type ReleaseType string

const (
	ReleaseTypeHotfix ReleaseType = "HOTFIX"
	ReleaseTypeMinor  ReleaseType = "MINOR"
	ReleaseTypeMajor  ReleaseType = "MAJOR"
)

type ReleaseStatus string

const (
	ReleaseStatusPending    ReleaseStatus = "PENDING"
	ReleaseStatusInProgress ReleaseStatus = "IN_PROGRESS"
	ReleaseStatusPaused     ReleaseStatus = "PAUSED"
	ReleaseStatusSubmitted  ReleaseStatus = "SUBMITTED"
	ReleaseStatusCompleted  ReleaseStatus = "COMPLETED"
	ReleaseStatusArchived   ReleaseStatus = "ARCHIVED"
)

// Stage is one of the ordered pipeline stages of a release.
type Stage string

const (
	StageKickoff        Stage = "KICKOFF"
	StageRegression     Stage = "REGRESSION"
	StagePostRegression Stage = "POST_REGRESSION"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageKickoff, StageRegression, StagePostRegression}

// Index returns the 1-based position of s, or 0 for an unknown stage.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Next returns the stage following s.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i == 0 || i >= len(Stages) {
		return "", false
	}
	return Stages[i], true
}

func (s Stage) Valid() bool { return s.Index() > 0 }

type StageStatus string

const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusInProgress StageStatus = "IN_PROGRESS"
	StageStatusCompleted  StageStatus = "COMPLETED"
)

type CronStatus string

const (
	CronStatusPending   CronStatus = "PENDING"
	CronStatusRunning   CronStatus = "RUNNING"
	CronStatusPaused    CronStatus = "PAUSED"
	CronStatusCompleted CronStatus = "COMPLETED"
)

type PauseType string

const (
	PauseTypeNone                 PauseType = "NONE"
	PauseTypeAwaitingStageTrigger PauseType = "AWAITING_STAGE_TRIGGER"
	PauseTypeUserRequested        PauseType = "USER_REQUESTED"
	PauseTypeTaskFailure          PauseType = "TASK_FAILURE"
)

type TaskStatus string

const (
	TaskStatusPending             TaskStatus = "PENDING"
	TaskStatusInProgress          TaskStatus = "IN_PROGRESS"
	TaskStatusAwaitingCallback    TaskStatus = "AWAITING_CALLBACK"
	TaskStatusAwaitingManualBuild TaskStatus = "AWAITING_MANUAL_BUILD"
	TaskStatusCompleted           TaskStatus = "COMPLETED"
	TaskStatusFailed              TaskStatus = "FAILED"
	TaskStatusSkipped             TaskStatus = "SKIPPED"
)

// Done reports whether the status lets successors start.
func (s TaskStatus) Done() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// Awaiting reports whether the task waits on external input.
func (s TaskStatus) Awaiting() bool {
	return s == TaskStatusAwaitingCallback || s == TaskStatusAwaitingManualBuild
}

type TaskType string

const (
	TaskForkBranch                    TaskType = "FORK_BRANCH"
	TaskCreateProjectManagementTicket TaskType = "CREATE_PROJECT_MANAGEMENT_TICKET"
	TaskCreateTestSuite               TaskType = "CREATE_TEST_SUITE"
	TaskTriggerPreRegressionBuilds    TaskType = "TRIGGER_PRE_REGRESSION_BUILDS"
	TaskResetTestSuite                TaskType = "RESET_TEST_SUITE"
	TaskCreateRCTag                   TaskType = "CREATE_RC_TAG"
	TaskCreateReleaseNotes            TaskType = "CREATE_RELEASE_NOTES"
	TaskTriggerRegressionBuilds       TaskType = "TRIGGER_REGRESSION_BUILDS"
	TaskTriggerAutomationRuns         TaskType = "TRIGGER_AUTOMATION_RUNS"
	TaskCreateReleaseTag              TaskType = "CREATE_RELEASE_TAG"
	TaskCreateFinalReleaseNotes       TaskType = "CREATE_FINAL_RELEASE_NOTES"
	TaskTriggerTestFlightBuild        TaskType = "TRIGGER_TEST_FLIGHT_BUILD"
	TaskCreateAABBuild                TaskType = "CREATE_AAB_BUILD"
	TaskSubmitToTarget                TaskType = "SUBMIT_TO_TARGET"
)

type CycleStatus string

const (
	CycleStatusNotStarted CycleStatus = "NOT_STARTED"
	CycleStatusInProgress CycleStatus = "IN_PROGRESS"
	CycleStatusDone       CycleStatus = "DONE"
	CycleStatusAbandoned  CycleStatus = "ABANDONED"
)

// Active reports whether the cycle can still receive task activity.
func (s CycleStatus) Active() bool {
	return s == CycleStatusNotStarted || s == CycleStatusInProgress
}

type Platform string

const (
	PlatformAndroid Platform = "ANDROID"
	PlatformIOS     Platform = "IOS"
	PlatformWeb     Platform = "WEB"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return true
	}
	return false
}

// BuildMode decides how build tasks wait for artifacts. It is fixed per release.
type BuildMode string

const (
	BuildModeCICD   BuildMode = "CI_CD"
	BuildModeManual BuildMode = "MANUAL"
)

type BuildStage string

const (
	BuildStagePreRegression BuildStage = "PRE_REGRESSION"
	BuildStageRegression    BuildStage = "REGRESSION"
	BuildStagePreRelease    BuildStage = "PRE_RELEASE"
)

type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "PENDING"
	SubmissionInReview  SubmissionStatus = "IN_REVIEW"
	SubmissionApproved  SubmissionStatus = "APPROVED"
	SubmissionLive      SubmissionStatus = "LIVE"
	SubmissionPaused    SubmissionStatus = "PAUSED"
	SubmissionHalted    SubmissionStatus = "HALTED"
	SubmissionRejected  SubmissionStatus = "REJECTED"
	SubmissionCancelled SubmissionStatus = "CANCELLED"
)

// AllowsResubmission reports whether a new submission may replace this one.
func (s SubmissionStatus) AllowsResubmission() bool {
	return s == SubmissionRejected || s == SubmissionCancelled
}

// Terminal reports whether no further transition is possible.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionHalted || s == SubmissionRejected || s == SubmissionCancelled
}
