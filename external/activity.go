package external

import (
	"encoding/json"
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/util"
	"github.com/ethereum/go-ethereum/common"
)

const activityMaxBodySize = 10 * 1024 * 1024

// ActivityFeedClient reads recognized governance activity (votes cast,
// proposals made) from an external indexer. Each observation maps to an
// automatic heartbeat for the acting credential holder.
type ActivityFeedClient struct {
	url string
}

func NewActivityFeedClient(url string) *ActivityFeedClient {
	return &ActivityFeedClient{url: url}
}

// feedRecord is the indexer's wire format.
type feedRecord struct {
	Identity  string `json:"identity"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
}

// GetRecentActivity fetches and decodes the feed. Records with unknown
// roles are skipped; the feed may index roles this registry does not
// manage.
func (c *ActivityFeedClient) GetRecentActivity() ([]models.ActivityRecord, error) {
	body, err := util.HTTPLimitedGet(c.url, activityMaxBodySize)
	if err != nil {
		return nil, err
	}

	var raw []feedRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	records := make([]models.ActivityRecord, 0, len(raw))
	for _, r := range raw {
		role, err := models.ParseRole(r.Role)
		if err != nil {
			continue
		}
		records = append(records, models.ActivityRecord{
			Identity:  common.HexToAddress(r.Identity),
			Role:      role,
			Timestamp: time.Unix(r.Timestamp, 0),
		})
	}
	return records, nil
}
