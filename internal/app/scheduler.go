/**
 * @description
 * Cron wiring for the service's periodic jobs: the pending-settlement
 * reconciliation and the money drop expiry sweep. Schedules come from
 * configuration so operators can tune cadence without a rebuild.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the service's background jobs on cron schedules.
type Scheduler struct {
	svc  *Service
	cron *cron.Cron
}

// NewScheduler registers the reconciliation and drop expiry jobs.
func NewScheduler(svc *Service, reconcileSpec, dropExpirySpec string) (*Scheduler, error) {
	c := cron.New()

	if _, err := c.AddFunc(reconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := svc.ReconcilePendingSettlements(ctx); err != nil {
			log.Printf("level=error component=scheduler job=reconcile msg=\"run failed\" err=%v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register reconcile job: %w", err)
	}

	if _, err := c.AddFunc(dropExpirySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := svc.ProcessExpiredMoneyDrops(ctx); err != nil {
			log.Printf("level=error component=scheduler job=drop_expiry msg=\"run failed\" err=%v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register drop expiry job: %w", err)
	}

	return &Scheduler{svc: svc, cron: c}, nil
}

// Start begins executing registered jobs on their schedules.
func (s *Scheduler) Start() {
	log.Printf("level=info component=scheduler msg=\"starting\"")
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("level=info component=scheduler msg=\"stopped\"")
}
