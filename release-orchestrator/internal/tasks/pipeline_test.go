package tasks

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

func TestDefaultPipelineParses(t *testing.T) {
	p, err := DefaultPipeline()
	require.NoError(t, err)

	kickoff := p.StageTasks(models.StageKickoff)
	require.NotEmpty(t, kickoff)
	assert.Equal(t, models.TaskForkBranch, kickoff[0].Type)

	stage, ok := p.StageOf(models.TaskTriggerRegressionBuilds)
	require.True(t, ok)
	assert.Equal(t, models.StageRegression, stage)

	def, ok := p.BuildTaskFor(models.BuildStagePreRelease, models.PlatformIOS)
	require.True(t, ok)
	assert.Equal(t, models.TaskTriggerTestFlightBuild, def.Type)

	def, ok = p.BuildTaskFor(models.BuildStagePreRelease, models.PlatformAndroid)
	require.True(t, ok)
	assert.Equal(t, models.TaskCreateAABBuild, def.Type)
}

func TestParsePipelineRejectsUnknownTask(t *testing.T) {
	_, err := ParsePipeline([]byte(`
stages:
  - stage: KICKOFF
    tasks:
      - type: MAKE_COFFEE
regressionCycle:
  - type: CREATE_RC_TAG
`))
	assert.Error(t, err)
}

func TestParsePipelineRejectsDuplicates(t *testing.T) {
	_, err := ParsePipeline([]byte(`
stages:
  - stage: KICKOFF
    tasks:
      - type: FORK_BRANCH
regressionCycle:
  - type: FORK_BRANCH
`))
	assert.Error(t, err)
}

func TestRequiredPlatformsAndSlotFlags(t *testing.T) {
	p := MustDefaultPipeline()
	release := models.Release{Targets: []models.PlatformTarget{{Platform: models.PlatformAndroid, Target: "PLAY_STORE"}}}

	tf, _ := p.Def(models.TaskTriggerTestFlightBuild)
	assert.Empty(t, tf.RequiredPlatforms(release))

	builds, _ := p.Def(models.TaskTriggerRegressionBuilds)
	assert.Equal(t, []models.Platform{models.PlatformAndroid}, builds.RequiredPlatforms(release))

	automation, _ := p.Def(models.TaskTriggerAutomationRuns)
	assert.False(t, automation.EnabledBy(models.SlotConfig{}))
	assert.True(t, automation.EnabledBy(models.SlotConfig{AutomationRuns: true}))
}

func TestNewCycleTasksAreOrdered(t *testing.T) {
	p := MustDefaultPipeline()
	releaseID, cycleID := uuid.New(), uuid.New()
	created := p.NewCycleTasks(releaseID, cycleID)
	require.Len(t, created, len(p.RegressionCycle))
	for i, task := range created {
		assert.Equal(t, i, task.Order)
		assert.Equal(t, cycleID, *task.CycleID)
		assert.Equal(t, models.StageRegression, task.Stage)
		assert.Equal(t, models.TaskStatusPending, task.Status)
	}
}
