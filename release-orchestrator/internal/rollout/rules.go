package rollout

import (
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/apperrors"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// platformRules holds what each store allows on a live submission.
type platformRules struct {
	// canUpdate gates updateRollout before any other validation.
	canUpdate func(s models.Submission) error
	// validTarget checks a requested percentage that is already within [0,100].
	validTarget func(s models.Submission, target float64) error
	canPause    func(s models.Submission) error
	canHalt     func(s models.Submission) error
	// liveRollout is the percentage a submission starts at when the store makes it LIVE.
	liveRollout func(s models.Submission) float64
}

var rulesByPlatform = map[models.Platform]platformRules{
	models.PlatformAndroid: {
		canUpdate:   allow,
		validTarget: func(models.Submission, float64) error { return nil },
		canPause: func(models.Submission) error {
			return apperrors.InvalidPlatformOperation("pause and resume are not supported on ANDROID; use halt or update the rollout")
		},
		canHalt: allow,
		liveRollout: func(s models.Submission) float64 {
			if s.InitialRollout == nil {
				return 100
			}
			return *s.InitialRollout
		},
	},
	models.PlatformIOS: {
		canUpdate: func(s models.Submission) error {
			if !s.PhasedRelease {
				return apperrors.InvalidPlatformOperation("IOS submission %s is not a phased release; rollout is fixed at 100%%", s.ID)
			}
			return nil
		},
		validTarget: func(s models.Submission, target float64) error {
			if target != 100 {
				return apperrors.InvalidPlatformOperation("IOS phased release can only be advanced to 100%%, got %g", target)
			}
			return nil
		},
		canPause: func(s models.Submission) error {
			if !s.PhasedRelease {
				return apperrors.InvalidPlatformOperation("pause and resume require a phased IOS release")
			}
			return nil
		},
		canHalt: func(models.Submission) error {
			return apperrors.InvalidPlatformOperation("halt is not supported on IOS")
		},
		liveRollout: func(s models.Submission) float64 {
			if s.PhasedRelease {
				return 1
			}
			return 100
		},
	},
}

func allow(models.Submission) error { return nil }

func rulesFor(p models.Platform) (platformRules, error) {
	r, ok := rulesByPlatform[p]
	if !ok {
		return platformRules{}, apperrors.InvalidPlatformOperation("platform %s has no store rollout", p)
	}
	return r, nil
}

// storeTransitions lists the moves a store status webhook may make.
var storeTransitions = map[models.SubmissionStatus][]models.SubmissionStatus{
	models.SubmissionPending:  {models.SubmissionInReview, models.SubmissionCancelled},
	models.SubmissionInReview: {models.SubmissionApproved, models.SubmissionRejected, models.SubmissionCancelled},
	models.SubmissionApproved: {models.SubmissionLive},
}

func canStoreTransition(from, to models.SubmissionStatus) bool {
	for _, next := range storeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
