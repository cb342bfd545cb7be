package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/lifecycle"
	"github.com/festiq/festiq/pkg/metrics"
	"github.com/festiq/festiq/pkg/models"
)

// CronManager manages the scheduled lifecycle sweep.
type CronManager struct {
	cron      *cron.Cron
	db        *gorm.DB
	runner    *lifecycle.Runner
	campaigns []lifecycle.Campaign
	metrics   *metrics.Metrics
	interval  time.Duration
	budget    time.Duration
	logger    *log.Logger
}

// NewCronManager creates a new cron manager. budget caps one full sweep run;
// it should stay below interval so runs never overlap.
func NewCronManager(db *gorm.DB, runner *lifecycle.Runner, campaigns []lifecycle.Campaign, m *metrics.Metrics, interval, budget time.Duration, logger *log.Logger) *CronManager {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if budget <= 0 || budget >= interval {
		budget = interval - time.Minute
	}

	return &CronManager{
		cron:      cron.New(),
		db:        db,
		runner:    runner,
		campaigns: campaigns,
		metrics:   m,
		interval:  interval,
		budget:    budget,
		logger:    logger,
	}
}

// SetupJobs configures all scheduled jobs.
func (cm *CronManager) SetupJobs() error {
	cm.logger.Println("Setting up cron jobs...")

	_, err := cm.cron.AddFunc(fmt.Sprintf("@every %s", cm.interval), func() {
		cm.logger.Println("🕐 Running lifecycle sweep...")

		ctx, cancel := context.WithTimeout(context.Background(), cm.budget)
		defer cancel()

		reports, err := cm.RunOnce(ctx)
		if err != nil {
			cm.logger.Printf("❌ Lifecycle sweep failed: %v", err)
			return
		}

		var sent, advanced int
		for _, r := range reports {
			sent += r.Sent
			advanced += r.Advanced
		}
		cm.logger.Printf("✅ Lifecycle sweep completed: %d reports, %d sent, %d advanced", len(reports), sent, advanced)
	})
	if err != nil {
		return err
	}

	cm.logger.Println("✅ Cron jobs configured successfully")
	cm.logger.Printf("  - Every %s: lifecycle sweep (budget %s)", cm.interval, cm.budget)

	return nil
}

// RunOnce sweeps every campaign for every organization, returning one report
// per (org, campaign). Also backs the HTTP scheduler trigger. A failure in
// one org's sweep is reported but does not stop the others.
func (cm *CronManager) RunOnce(ctx context.Context) ([]lifecycle.Report, error) {
	var orgs []models.Organization
	if err := cm.db.WithContext(ctx).Order("id").Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	var reports []lifecycle.Report
	for _, org := range orgs {
		for _, campaign := range cm.campaigns {
			if err := ctx.Err(); err != nil {
				return reports, err
			}

			report, err := cm.runner.Sweep(ctx, org.ID, campaign)
			if err != nil {
				cm.logger.Printf("⚠️ Sweep failed for org %d campaign %s: %v", org.ID, campaign.Name(), err)
				continue
			}
			cm.metrics.SweepCompleted(report.Campaign, report.Advanced)
			reports = append(reports, *report)
		}
	}

	return reports, nil
}

// Start starts the cron scheduler.
func (cm *CronManager) Start() {
	cm.logger.Println("🚀 Starting cron scheduler...")
	cm.cron.Start()
}

// Stop stops the cron scheduler.
func (cm *CronManager) Stop() {
	cm.logger.Println("🛑 Stopping cron scheduler...")
	cm.cron.Stop()
}
