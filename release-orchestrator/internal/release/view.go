package release

import (
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// View is the read model returned by the API. Phase is recomputed on every build.
type View struct {
	Release     models.Release           `json:"release"`
	CronJob     models.CronJob           `json:"cronJob"`
	Phase       Phase                    `json:"phase"`
	Tasks       []models.ReleaseTask     `json:"tasks"`
	Cycles      []models.RegressionCycle `json:"cycles"`
	Slots       []models.RegressionSlot  `json:"slots"`
	Builds      []models.Build           `json:"builds"`
	Submissions []models.Submission      `json:"submissions"`
}

// BuildView assembles the view and derives the phase from the latest cycle.
func BuildView(r models.Release, job models.CronJob, tasks []models.ReleaseTask, cycles []models.RegressionCycle) View {
	v := View{Release: r, CronJob: job, Tasks: tasks, Cycles: cycles}
	v.Phase = DerivePhase(InputFor(r, job, LatestCycle(cycles)))
	return v
}

// LatestCycle returns the cycle flagged isLatest, if any.
func LatestCycle(cycles []models.RegressionCycle) *models.RegressionCycle {
	for i := range cycles {
		if cycles[i].IsLatest {
			return &cycles[i]
		}
	}
	return nil
}
