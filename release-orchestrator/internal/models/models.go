package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PlatformTarget struct {
	Platform Platform `json:"platform"`
	Target   string   `json:"target"`
}

type Release struct {
	ID                uuid.UUID        `json:"id"`
	Key               string           `json:"key"`
	TenantID          string           `json:"tenantId"`
	Type              ReleaseType      `json:"type"`
	Status            ReleaseStatus    `json:"status"`
	CurrentStage      Stage            `json:"currentStage"`
	AppVersion        string           `json:"appVersion"`
	BaseBranch        string           `json:"baseBranch"`
	ReleaseBranch     string           `json:"releaseBranch"`
	KickoffDate       time.Time        `json:"kickoffDate"`
	TargetReleaseDate *time.Time       `json:"targetReleaseDate,omitempty"`
	Targets           []PlatformTarget `json:"targets"`
	PilotID           string           `json:"pilotId,omitempty"`
	OwnerID           string           `json:"ownerId,omitempty"`
	BuildMode         BuildMode        `json:"buildMode"`
	TestPassThreshold float64          `json:"testPassThreshold"`
	PMApprovedBy      *string          `json:"pmApprovedBy,omitempty"`
	PMApprovedAt      *time.Time       `json:"pmApprovedAt,omitempty"`
	ArchivedAt        *time.Time       `json:"archivedAt,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Platforms returns the distinct platforms the release targets, in declaration order.
func (r Release) Platforms() []Platform {
	seen := map[Platform]bool{}
	var out []Platform
	for _, t := range r.Targets {
		if !seen[t.Platform] {
			seen[t.Platform] = true
			out = append(out, t.Platform)
		}
	}
	return out
}

func (r Release) HasPlatform(p Platform) bool {
	for _, t := range r.Targets {
		if t.Platform == p {
			return true
		}
	}
	return false
}

// CronLock is the lease state stored on a CronJob row. A zero Holder means unlocked.
type CronLock struct {
	Holder     string        `json:"holder,omitempty"`
	Token      uuid.UUID     `json:"token,omitempty"`
	AcquiredAt time.Time     `json:"acquiredAt,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

func (l CronLock) Held() bool { return l.Holder != "" }

// ExpiresAt is when an unreleased lock becomes reclaimable.
func (l CronLock) ExpiresAt() time.Time { return l.AcquiredAt.Add(l.Timeout) }

type CronJob struct {
	ID                     uuid.UUID       `json:"id"`
	ReleaseID              uuid.UUID       `json:"releaseId"`
	Stage1Status           StageStatus     `json:"stage1Status"`
	Stage2Status           StageStatus     `json:"stage2Status"`
	Stage3Status           StageStatus     `json:"stage3Status"`
	CronStatus             CronStatus      `json:"cronStatus"`
	PauseType              PauseType       `json:"pauseType"`
	Lock                   CronLock        `json:"lock"`
	StageData              json.RawMessage `json:"stageData,omitempty"`
	AutoTransitionToStage2 bool            `json:"autoTransitionToStage2"`
	AutoTransitionToStage3 bool            `json:"autoTransitionToStage3"`
	Version                int64           `json:"version"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

func (c CronJob) StageStatus(s Stage) StageStatus {
	switch s {
	case StageKickoff:
		return c.Stage1Status
	case StageRegression:
		return c.Stage2Status
	case StagePostRegression:
		return c.Stage3Status
	}
	return ""
}

func (c *CronJob) SetStageStatus(s Stage, st StageStatus) {
	switch s {
	case StageKickoff:
		c.Stage1Status = st
	case StageRegression:
		c.Stage2Status = st
	case StagePostRegression:
		c.Stage3Status = st
	}
}

// ActiveStage returns the first stage that is IN_PROGRESS.
func (c CronJob) ActiveStage() (Stage, bool) {
	for _, s := range Stages {
		if c.StageStatus(s) == StageStatusInProgress {
			return s, true
		}
	}
	return "", false
}

// NextPendingStage returns the first stage still PENDING.
func (c CronJob) NextPendingStage() (Stage, bool) {
	for _, s := range Stages {
		if c.StageStatus(s) == StageStatusPending {
			return s, true
		}
	}
	return "", false
}

// AutoTransitionTo reports whether completing the stage before s starts s automatically.
func (c CronJob) AutoTransitionTo(s Stage) bool {
	switch s {
	case StageRegression:
		return c.AutoTransitionToStage2
	case StagePostRegression:
		return c.AutoTransitionToStage3
	}
	return false
}

type ReleaseTask struct {
	ID          uuid.UUID       `json:"id"`
	ReleaseID   uuid.UUID       `json:"releaseId"`
	CycleID     *uuid.UUID      `json:"cycleId,omitempty"`
	Type        TaskType        `json:"type"`
	Stage       Stage           `json:"stage"`
	Order       int             `json:"order"`
	Status      TaskStatus      `json:"status"`
	Conclusion  *string         `json:"conclusion,omitempty"`
	ExternalID  *string         `json:"externalId,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// SlotConfig toggles optional tasks for the cycle a slot produces.
type SlotConfig struct {
	AutomationRuns bool `json:"automationRuns"`
	ReleaseNotes   bool `json:"releaseNotes"`
}

type RegressionSlot struct {
	ID          uuid.UUID  `json:"id"`
	ReleaseID   uuid.UUID  `json:"releaseId"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	Config      SlotConfig `json:"config"`
	CycleID     *uuid.UUID `json:"cycleId,omitempty"`
	ConsumedAt  *time.Time `json:"consumedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (s RegressionSlot) Consumed() bool { return s.CycleID != nil }

type RegressionCycle struct {
	ID            uuid.UUID   `json:"id"`
	ReleaseID     uuid.UUID   `json:"releaseId"`
	Status        CycleStatus `json:"status"`
	IsLatest      bool        `json:"isLatest"`
	Tag           *string     `json:"tag,omitempty"`
	SlotID        *uuid.UUID  `json:"slotId,omitempty"`
	ScheduledAt   time.Time   `json:"scheduledAt"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	AbandonReason *string     `json:"abandonReason,omitempty"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type Build struct {
	ID                uuid.UUID  `json:"id"`
	ReleaseID         uuid.UUID  `json:"releaseId"`
	TaskID            *uuid.UUID `json:"taskId,omitempty"`
	CycleID           *uuid.UUID `json:"cycleId,omitempty"`
	Platform          Platform   `json:"platform"`
	Stage             BuildStage `json:"stage"`
	ArtifactPath      *string    `json:"artifactPath,omitempty"`
	TestflightNumber  *string    `json:"testflightNumber,omitempty"`
	InternalTrackLink *string    `json:"internalTrackLink,omitempty"`
	VersionCode       *int64     `json:"versionCode,omitempty"`
	WorkflowStatus    *string    `json:"workflowStatus,omitempty"`
	JobURL            *string    `json:"jobUrl,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func (b Build) Consumed() bool { return b.TaskID != nil }

type SubmissionAction struct {
	Action         string           `json:"action"`
	FromStatus     SubmissionStatus `json:"fromStatus"`
	ToStatus       SubmissionStatus `json:"toStatus"`
	FromPercentage float64          `json:"fromPercentage"`
	ToPercentage   float64          `json:"toPercentage"`
	Reason         string           `json:"reason,omitempty"`
	Actor          string           `json:"actor"`
	At             time.Time        `json:"at"`
}

type Submission struct {
	ID                uuid.UUID          `json:"id"`
	ReleaseID         uuid.UUID          `json:"releaseId"`
	Platform          Platform           `json:"platform"`
	BuildID           *uuid.UUID         `json:"buildId,omitempty"`
	Status            SubmissionStatus   `json:"status"`
	RolloutPercentage float64            `json:"rolloutPercentage"`
	InitialRollout    *float64           `json:"initialRollout,omitempty"`
	PhasedRelease     bool               `json:"phasedRelease"`
	VersionCode       *int64             `json:"versionCode,omitempty"`
	IsActive          bool               `json:"isActive"`
	ActionHistory     []SubmissionAction `json:"actionHistory"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}
