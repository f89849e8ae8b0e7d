package integration

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/approval"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// CherryPicks asks the automation service how many commits landed on the release
// branch after the reference cycle's RC tag.
type CherryPicks struct {
	client *Client
}

func NewCherryPicks(c *Client) *CherryPicks {
	return &CherryPicks{client: c}
}

func (c *CherryPicks) Status(ctx context.Context, r models.Release, since *models.RegressionCycle) (approval.CherryPickStatus, error) {
	q := url.Values{}
	q.Set("branch", r.ReleaseBranch)
	q.Set("base", r.BaseBranch)
	if since != nil && since.Tag != nil {
		q.Set("after", *since.Tag)
	}
	var out approval.CherryPickStatus
	if err := c.client.do(ctx, http.MethodGet, "/v1/repos/commits?"+q.Encode(), nil, &out); err != nil {
		return approval.CherryPickStatus{}, err
	}
	return out, nil
}
