// Package schedule runs daily ingestion on a cron cadence for the
// daemon mode.
package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guarzo/carmarket/internal/ingest"
	"github.com/guarzo/carmarket/internal/model"
)

// Scheduler triggers an ingestion run for the current civil date on
// every cron tick. Overlapping runs are harmless: the snapshot
// duplicate guard turns the second into a no-op.
type Scheduler struct {
	cron *cron.Cron
	orch *ingest.Orchestrator
}

// New creates a scheduler around the orchestrator.
func New(orch *ingest.Orchestrator) *Scheduler {
	return &Scheduler{cron: cron.New(), orch: orch}
}

// Start registers the cron spec and begins ticking. Runs are bounded by
// ctx; Start returns immediately.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		date := time.Now().Format(model.SnapshotDateFormat)
		log.Printf("[schedule] starting ingestion for %s", date)
		reports := s.orch.RunIngestion(ctx, date)
		for platform, r := range reports {
			log.Printf("[schedule] %s finished %s: %d snapshotted, %d pages (%d failed)",
				platform, r.State, r.Snapshotted, r.Pages, r.FailedPages)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule: bad cron spec %q: %w", spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the ticker and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
