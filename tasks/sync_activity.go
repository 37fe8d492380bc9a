package tasks

import (
	"time"

	"github.com/attestry/registry-api/external"
	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/services"
	"go.uber.org/zap"
)

// SyncActivityTask periodically pulls the external activity feed and
// applies each new observation as a heartbeat for the acting credential
// holder. The holder does not have to call heartbeat itself as long as
// it keeps participating.
type SyncActivityTask struct {
	feedURL string
	svc     *services.Service
	seen    *models.ActivityRegistry
	done    chan bool
	logger  *zap.Logger
}

func NewSyncActivityTask(
	feedURL string,
	svc *services.Service,
	seen *models.ActivityRegistry,
	logger *zap.Logger,
) *SyncActivityTask {
	return &SyncActivityTask{
		feedURL,
		svc,
		seen,
		make(chan bool),
		logger,
	}
}

func (t *SyncActivityTask) sync() error {
	feed := external.NewActivityFeedClient(t.feedURL)
	records, err := feed.GetRecentActivity()
	if err != nil {
		t.logger.Warn("Failed to fetch activity feed", zap.Error(err))
		return err
	}

	applied := 0
	for _, r := range records {
		if t.seen.Has(r) {
			continue
		}
		if err := t.svc.RecordActivity(r.Identity, r.Role); err != nil {
			// Paused or transient; leave the record unseen so the next
			// sync retries it.
			t.logger.Warn("Failed to apply activity heartbeat",
				zap.String("identity", r.Identity.Hex()),
				zap.String("role", r.Role.String()),
				zap.Error(err))
			continue
		}
		t.seen.Add([]models.ActivityRecord{r})
		applied++
	}

	if applied > 0 {
		t.logger.Info("Applied activity heartbeats", zap.Int("count", applied))
	}
	t.seen.LastUpdated = time.Now()
	return nil
}

func (t *SyncActivityTask) Run() {
	ticker := time.NewTicker(time.Duration(1) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.logger.Info("Activity sync task stopped")
			return
		case <-ticker.C:
			if err := t.sync(); err != nil {
				// Retry quickly after a feed failure.
				ticker.Reset(time.Duration(30) * time.Second)
			} else {
				ticker.Reset(time.Duration(300) * time.Second)
			}
		}
	}
}

func (t *SyncActivityTask) Stop() error {
	t.done <- true
	return nil
}
