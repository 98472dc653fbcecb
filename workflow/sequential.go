package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"poflow.merchantry.io/model"
	"poflow.merchantry.io/stage"
)

// runSequential drives stages back-to-back inside one invocation,
// consulting the processing budget at every boundary. When the remaining
// budget cannot cover the next stage's estimated cost, the remainder is
// deferred to queued mode at the current pointer. One retry enqueue from
// handleFailure re-enters here with a fresh budget, because the recorded
// mode is still sequential.
func (o *Orchestrator) runSequential(ctx context.Context, exec *model.WorkflowExecution, from model.StageName) error {
	deadline := o.now().Add(o.budget)
	current := from
	var carry *stage.Envelope

	for current != "" {
		if carry != nil {
			// Boundary refresh: a failure write from anywhere is the
			// cancellation signal, and it only exists in the database.
			fresh, err := o.store.GetExecution(ctx, exec.WorkflowID)
			if err != nil {
				return err
			}
			exec = fresh
		}
		if err := o.guard(exec, current); err != nil {
			o.log.WithError(err).WithField("workflow", exec.WorkflowID).Info("sequential run stopped")
			return nil
		}

		if remaining := deadline.Sub(o.now()); remaining < stage.EstimatedCost[current] {
			return o.deferToQueued(ctx, exec, current, remaining)
		}

		res, err := o.executeStage(ctx, exec, current, carry)
		if err != nil {
			if errors.Is(err, errSuperseded) {
				return nil
			}
			return o.handleFailure(ctx, exec, current, err)
		}

		carry = res.Next
		current, _ = model.NextStage(current)
	}
	return nil
}

// deferToQueued flips the execution to queued mode and parks the current
// stage on its queue. From here on the workflow advances one queue job per
// stage.
func (o *Orchestrator) deferToQueued(ctx context.Context, exec *model.WorkflowExecution, current model.StageName, remaining time.Duration) error {
	exec.SetMode(model.ModeQueued)
	if err := o.store.SaveMetadata(ctx, exec.WorkflowID, exec.Metadata); err != nil {
		return err
	}
	if _, err := o.queues.Enqueue(ctx, string(current), StageJob{WorkflowID: exec.WorkflowID, Stage: current}); err != nil {
		return err
	}
	sequentialDeferralsCounter.Inc()
	o.log.WithFields(logrus.Fields{
		"workflow":     exec.WorkflowID,
		"stage":        current,
		"remaining":    remaining.String(),
		"stageCost":    stage.EstimatedCost[current].String(),
		"pipelineLeft": stage.RemainingCost(current).String(),
	}).Info("sequential budget exhausted, deferring to queued mode")
	return nil
}
