package lifecycle

import (
	"context"
	"time"

	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/settings"
)

// Record is the campaign-neutral view of one lifecycle row.
type Record struct {
	ID                uint
	OrganizationID    uint
	EventID           uint
	Email             string
	Name              string
	Status            string
	NotificationCount int
	Unsubscribed      bool
	CreatedAt         time.Time
}

// Snapshot is a fresh re-read of a record's machine state, taken immediately
// before dispatch.
type Snapshot struct {
	Status            string
	NotificationCount int
	Unsubscribed      bool
}

// Campaign is one record family driven through the shared sweep: abandoned
// carts and announcement signups. The runner owns the state machine; the
// campaign owns the model-specific queries and the email.
type Campaign interface {
	// Name identifies the campaign in logs and metrics.
	Name() string

	// Sequence returns the campaign's configured step sequence for an org.
	Sequence(ctx context.Context, orgID uint) (settings.SequenceSettings, error)

	// Promote moves pending records older than the grace cutoff to abandoned
	// and returns how many rows moved.
	Promote(ctx context.Context, orgID uint, cutoff time.Time) (int64, error)

	// Expire moves abandoned records created before the horizon to expired
	// and returns how many rows moved.
	Expire(ctx context.Context, orgID uint, horizon time.Time) (int64, error)

	// Eligible returns abandoned records sitting at the given step pointer,
	// capped at limit.
	Eligible(ctx context.Context, orgID uint, stepIndex, limit int) ([]Record, error)

	// Anchor resolves a step's delay anchor for a record. ok is false when
	// the anchor time is not yet known (event has no on-sale time).
	Anchor(ctx context.Context, rec Record, anchor string) (time.Time, bool, error)

	// Suppress reports whether the record is no longer actionable (event
	// cancelled or past, contact already purchased). A non-empty status is
	// the terminal state the record should move to.
	Suppress(ctx context.Context, rec Record) (terminalStatus string, err error)

	// Refresh re-reads the record's machine state.
	Refresh(ctx context.Context, id uint) (Snapshot, error)

	// MarkStatus moves the record to a terminal status.
	MarkStatus(ctx context.Context, id uint, status string) error

	// Dispatch sends the step's email.
	Dispatch(ctx context.Context, rec Record, step settings.StepConfig, stepIndex int) error

	// Advance moves the step pointer from fromStep to fromStep+1 with a
	// conditional update guarded by status and current pointer value. The
	// affected-row count reports win or loss.
	Advance(ctx context.Context, id uint, fromStep int) (bool, error)
}

// Report summarizes one sweep of one campaign for one org.
type Report struct {
	Campaign   string
	Promoted   int64
	Expired    int64
	Sent       int
	Advanced   int
	Skipped    int
	Suppressed int
	Failed     int
}

// Runner executes the sweep. It guarantees at-least-once step execution with
// at-most-one-successful-advance per step: a duplicate send after a crash
// between dispatch and advance is accepted, a double advance is not.
type Runner struct {
	batchSize int
	log       logger.Logger
	now       func() time.Time
}

// NewRunner creates a sweep runner. batchSize caps records per step per run.
func NewRunner(batchSize int, log logger.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = logger.Default()
	}
	return &Runner{batchSize: batchSize, log: log, now: time.Now}
}

// Sweep runs one pass of a campaign for one org: promotion, expiry, then
// per-step processing in step order.
func (r *Runner) Sweep(ctx context.Context, orgID uint, c Campaign) (*Report, error) {
	report := &Report{Campaign: c.Name()}

	cfg, err := c.Sequence(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return report, nil
	}

	now := r.now()

	// Pending records inside the grace window are left alone so a checkout
	// completed moments after cart creation never draws a recovery email.
	promoted, err := c.Promote(ctx, orgID, now.Add(-cfg.Grace()))
	if err != nil {
		return nil, err
	}
	report.Promoted = promoted

	expired, err := c.Expire(ctx, orgID, now.Add(-cfg.Expiry()))
	if err != nil {
		return nil, err
	}
	report.Expired = expired

	for stepIndex, step := range cfg.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.runStep(ctx, orgID, c, step, stepIndex, now, report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (r *Runner) runStep(ctx context.Context, orgID uint, c Campaign, step settings.StepConfig, stepIndex int, now time.Time, report *Report) error {
	records, err := c.Eligible(ctx, orgID, stepIndex, r.batchSize)
	if err != nil {
		return err
	}

	for _, rec := range records {
		anchorAt, ok, err := c.Anchor(ctx, rec, step.Anchor)
		if err != nil {
			r.log.Error("lifecycle: anchor resolution failed", "campaign", c.Name(), "record_id", rec.ID, "error", err)
			report.Failed++
			continue
		}
		if !ok || now.Before(anchorAt.Add(step.Delay())) {
			// Not due yet; the record stays at this step.
			continue
		}

		terminal, err := c.Suppress(ctx, rec)
		if err != nil {
			r.log.Error("lifecycle: suppression check failed", "campaign", c.Name(), "record_id", rec.ID, "error", err)
			report.Failed++
			continue
		}
		if terminal != "" {
			if err := c.MarkStatus(ctx, rec.ID, terminal); err != nil {
				r.log.Error("lifecycle: failed to mark record", "campaign", c.Name(), "record_id", rec.ID, "status", terminal, "error", err)
				report.Failed++
				continue
			}
			report.Suppressed++
			continue
		}

		// Opted-out contacts and merchant-disabled steps advance without a
		// send, so the record can still reach later steps.
		if !step.Enabled || rec.Unsubscribed {
			if r.advance(ctx, c, rec.ID, stepIndex, report) {
				report.Skipped++
			}
			continue
		}

		// Fresh re-read right before the send: the record may have been
		// recovered or unsubscribed since the eligibility query.
		snap, err := c.Refresh(ctx, rec.ID)
		if err != nil {
			r.log.Error("lifecycle: refresh failed", "campaign", c.Name(), "record_id", rec.ID, "error", err)
			report.Failed++
			continue
		}
		if snap.NotificationCount != stepIndex {
			continue
		}
		if snap.Unsubscribed {
			if r.advance(ctx, c, rec.ID, stepIndex, report) {
				report.Skipped++
			}
			continue
		}
		if snap.Status != models.LifecycleStatusAbandoned {
			continue
		}

		if err := c.Dispatch(ctx, rec, step, stepIndex); err != nil {
			// No advance on failure; the record stays eligible for retry on
			// the next sweep.
			r.log.Warn("lifecycle: dispatch failed", "campaign", c.Name(), "record_id", rec.ID, "step", stepIndex, "error", err)
			report.Failed++
			continue
		}
		report.Sent++

		r.advance(ctx, c, rec.ID, stepIndex, report)
	}

	return nil
}

func (r *Runner) advance(ctx context.Context, c Campaign, id uint, fromStep int, report *Report) bool {
	won, err := c.Advance(ctx, id, fromStep)
	if err != nil {
		r.log.Error("lifecycle: pointer advance failed", "campaign", c.Name(), "record_id", id, "step", fromStep, "error", err)
		report.Failed++
		return false
	}
	if !won {
		// A concurrent sweep advanced the record first. Losing the
		// compare-and-swap is the normal outcome of a race, not an error.
		return false
	}
	report.Advanced++
	return true
}
