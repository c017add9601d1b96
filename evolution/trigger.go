package evolution

import (
	"context"

	"go.uber.org/zap"

	"github.com/acehq/ace/auth"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/playbook"
)

// triggerInsertAttempts bounds the conflict/read-back loop. More than one
// retry only happens when an active job finishes in the window between the
// failed insert and the read-back.
const triggerInsertAttempts = 3

// TriggerResult reports which job a trigger resolved to
type TriggerResult struct {
	Job   *Job `json:"job"`
	IsNew bool `json:"is_new"` // false = an active job already existed
}

// Coordinator serializes evolution triggers. Any number of concurrent
// callers converge on the playbook's single active job: the first insert
// wins, everyone else reads the winner back.
type Coordinator struct {
	playbooks  *playbook.Store
	jobs       *Store
	authorizer auth.Authorizer
	wake       chan<- struct{}
	logger     *zap.SugaredLogger
}

// NewCoordinator creates a trigger coordinator. wake may be nil; when set,
// a successful trigger nudges the worker pool without blocking.
func NewCoordinator(playbooks *playbook.Store, jobs *Store, authorizer auth.Authorizer, wake chan<- struct{}, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		playbooks:  playbooks,
		jobs:       jobs,
		authorizer: authorizer,
		wake:       wake,
		logger:     logger,
	}
}

// Trigger requests evolution of a playbook. Idempotent while a job is
// active: re-triggering returns the existing job with IsNew=false. The
// ErrConflict produced by a lost insert race never reaches the caller.
func (c *Coordinator) Trigger(ctx context.Context, caller, playbookID string) (*TriggerResult, error) {
	ok, err := c.authorizer.MayTrigger(ctx, caller, playbookID)
	if err != nil {
		return nil, errors.Wrap(err, "authorization check failed")
	}
	if !ok {
		return nil, errors.WithDetail(errors.ErrUnauthorized,
			"caller "+caller+" may not trigger playbook "+playbookID)
	}

	pb, err := c.playbooks.Get(playbookID)
	if err != nil {
		return nil, err
	}
	if !pb.IsActive() {
		return nil, errors.WithDetail(errors.ErrNotFound, "playbook "+playbookID+" is archived")
	}

	for attempt := 0; attempt < triggerInsertAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job := NewJob(pb.ID, pb.CurrentVersionID)
		err := c.jobs.CreateJob(job)
		if err == nil {
			c.logger.Infow("Evolution job queued",
				"job_id", job.ID,
				"playbook_id", pb.ID,
				"caller", caller,
			)
			c.wakeWorkers()
			return &TriggerResult{Job: job, IsNew: true}, nil
		}
		if !errors.IsConflict(err) {
			return nil, err
		}

		// Lost the insert race - the winner's job is the result
		active, err := c.jobs.GetActiveJob(pb.ID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			c.logger.Debugw("Trigger resolved to existing active job",
				"job_id", active.ID,
				"playbook_id", pb.ID,
				"caller", caller,
			)
			return &TriggerResult{Job: active, IsNew: false}, nil
		}

		// The conflicting job finished between insert and read-back; retry
	}

	return nil, errors.Newf("could not queue evolution job for playbook %s", playbookID)
}

// wakeWorkers nudges the worker pool without blocking
func (c *Coordinator) wakeWorkers() {
	if c.wake == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
