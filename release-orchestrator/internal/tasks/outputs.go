package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// Output is the type-specific payload a task stores on completion.
type Output interface {
	Validate() error
}

type BranchOutput struct {
	BranchName string `json:"branchName"`
	CommitSHA  string `json:"commitSha,omitempty"`
}

func (o *BranchOutput) Validate() error {
	if o.BranchName == "" {
		return fmt.Errorf("branchName required")
	}
	return nil
}

type TicketOutput struct {
	TicketKeys []string `json:"ticketKeys"`
	TicketURL  string   `json:"ticketUrl,omitempty"`
}

func (o *TicketOutput) Validate() error {
	if len(o.TicketKeys) == 0 {
		return fmt.Errorf("at least one ticket key required")
	}
	return nil
}

type TestSuiteOutput struct {
	RunID    string `json:"runId"`
	SuiteURL string `json:"suiteUrl,omitempty"`
}

func (o *TestSuiteOutput) Validate() error {
	if o.RunID == "" {
		return fmt.Errorf("runId required")
	}
	return nil
}

type TagOutput struct {
	TagName    string `json:"tagName"`
	ReleaseURL string `json:"releaseUrl,omitempty"`
}

func (o *TagOutput) Validate() error {
	if o.TagName == "" {
		return fmt.Errorf("tagName required")
	}
	return nil
}

type ReleaseNotesOutput struct {
	NotesURL string `json:"notesUrl"`
}

func (o *ReleaseNotesOutput) Validate() error {
	if o.NotesURL == "" {
		return fmt.Errorf("notesUrl required")
	}
	return nil
}

type BuildRef struct {
	Platform          models.Platform `json:"platform"`
	BuildID           string          `json:"buildId"`
	ArtifactPath      string          `json:"artifactPath,omitempty"`
	JobURL            string          `json:"jobUrl,omitempty"`
	TestflightNumber  string          `json:"testflightNumber,omitempty"`
	InternalTrackLink string          `json:"internalTrackLink,omitempty"`
	VersionCode       int64           `json:"versionCode,omitempty"`
}

type BuildsOutput struct {
	Builds []BuildRef `json:"builds"`
}

func (o *BuildsOutput) Validate() error {
	if len(o.Builds) == 0 {
		return fmt.Errorf("at least one build required")
	}
	seen := map[models.Platform]bool{}
	for _, b := range o.Builds {
		if !b.Platform.Valid() {
			return fmt.Errorf("invalid platform %q", b.Platform)
		}
		if seen[b.Platform] {
			return fmt.Errorf("duplicate build for platform %s", b.Platform)
		}
		seen[b.Platform] = true
	}
	sort.Slice(o.Builds, func(i, j int) bool { return o.Builds[i].Platform < o.Builds[j].Platform })
	return nil
}

type AutomationRunsOutput struct {
	RunIDs         []string `json:"runIds"`
	PassPercentage float64  `json:"passPercentage"`
}

func (o *AutomationRunsOutput) Validate() error {
	if o.PassPercentage < 0 || o.PassPercentage > 100 {
		return fmt.Errorf("passPercentage must be within [0,100]")
	}
	return nil
}

type SubmissionRef struct {
	Platform     models.Platform `json:"platform"`
	SubmissionID string          `json:"submissionId"`
}

type SubmissionOutput struct {
	Submissions []SubmissionRef `json:"submissions"`
}

func (o *SubmissionOutput) Validate() error {
	for _, s := range o.Submissions {
		if s.SubmissionID == "" {
			return fmt.Errorf("submissionId required for %s", s.Platform)
		}
	}
	return nil
}

// outputRegistry maps every task type to a constructor for its output variant.
var outputRegistry = map[models.TaskType]func() Output{
	models.TaskForkBranch:                    func() Output { return &BranchOutput{} },
	models.TaskCreateProjectManagementTicket: func() Output { return &TicketOutput{} },
	models.TaskCreateTestSuite:               func() Output { return &TestSuiteOutput{} },
	models.TaskResetTestSuite:                func() Output { return &TestSuiteOutput{} },
	models.TaskTriggerPreRegressionBuilds:    func() Output { return &BuildsOutput{} },
	models.TaskTriggerRegressionBuilds:       func() Output { return &BuildsOutput{} },
	models.TaskTriggerTestFlightBuild:        func() Output { return &BuildsOutput{} },
	models.TaskCreateAABBuild:                func() Output { return &BuildsOutput{} },
	models.TaskCreateRCTag:                   func() Output { return &TagOutput{} },
	models.TaskCreateReleaseTag:              func() Output { return &TagOutput{} },
	models.TaskCreateReleaseNotes:            func() Output { return &ReleaseNotesOutput{} },
	models.TaskCreateFinalReleaseNotes:       func() Output { return &ReleaseNotesOutput{} },
	models.TaskTriggerAutomationRuns:         func() Output { return &AutomationRunsOutput{} },
	models.TaskSubmitToTarget:                func() Output { return &SubmissionOutput{} },
}

// KnownType reports whether t is part of the closed task type enumeration.
func KnownType(t models.TaskType) bool {
	_, ok := outputRegistry[t]
	return ok
}

// NormalizeOutput decodes raw into the variant registered for taskType, validates it
// and returns its canonical encoding.
func NormalizeOutput(taskType models.TaskType, raw json.RawMessage) (json.RawMessage, error) {
	ctor, ok := outputRegistry[taskType]
	if !ok {
		return nil, apperrors.Validation("unknown task type %q", taskType)
	}
	out := ctor()
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperrors.Validation("output required for %s", taskType)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeValidation, fmt.Sprintf("decode %s output", taskType))
	}
	if err := out.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeValidation, fmt.Sprintf("invalid %s output", taskType))
	}
	canonical, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", taskType, err)
	}
	return canonical, nil
}

// MarshalOutput validates a typed output against taskType and encodes it.
func MarshalOutput(taskType models.TaskType, out Output) (json.RawMessage, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", taskType, err)
	}
	return NormalizeOutput(taskType, raw)
}

// DecodeOutput decodes a stored output into its registered variant.
func DecodeOutput(taskType models.TaskType, raw json.RawMessage) (Output, error) {
	ctor, ok := outputRegistry[taskType]
	if !ok {
		return nil, apperrors.Validation("unknown task type %q", taskType)
	}
	out := ctor()
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", taskType, err)
	}
	return out, nil
}
