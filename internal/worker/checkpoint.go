package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/task"
)

const (
	pausePollMin = 250 * time.Millisecond
	pausePollMax = 2 * time.Second
)

// reach emits a checkpoint: bump the sequence, persist the milestone,
// publish the deduped event, then honor a matching pause request by
// suspending until it clears. Returns an error only when the task was
// cancelled out from under the worker while paused.
func (w *Worker) reach(ctx context.Context, t *task.Task, cp task.Checkpoint) error {
	seq := t.CheckpointSeq + 1
	if ok := w.patch(ctx, t, t.Status, &task.Patch{
		LastCheckpoint: task.Ptr(cp),
		CheckpointSeq:  task.Ptr(seq),
	}); !ok {
		return fmt.Errorf("record checkpoint %s", cp)
	}
	w.events.Publish(events.NewCheckpointEvent(t.ID, seq, string(cp)))

	if err := w.refresh(ctx, t); err != nil {
		return nil
	}
	if !t.PauseRequested {
		return nil
	}
	if t.PauseAtCheckpoint != "" && t.PauseAtCheckpoint != cp {
		return nil
	}
	return w.pauseAt(ctx, t, cp)
}

// pauseAt suspends the worker at a checkpoint, polling the pause flag
// with exponential backoff until it clears or the task is cancelled.
func (w *Worker) pauseAt(ctx context.Context, t *task.Task, cp task.Checkpoint) error {
	w.patch(ctx, t, t.Status, &task.Patch{
		PausedAtCheckpoint: task.Ptr(cp),
	})
	w.events.Publish(events.NewEvent(events.EventPauseReached, t.ID, events.PauseData{
		Reason: "checkpoint",
	}))
	w.logger.Info("paused at checkpoint", "task", t.ID, "checkpoint", cp)

	interval := pausePollMin
	for {
		if err := w.sleep(ctx, jittered(interval)); err != nil {
			return err
		}
		if err := w.refresh(ctx, t); err != nil {
			return err
		}
		// External status mutation while paused is a cooperative
		// cancellation of this pass.
		if t.Status != task.StatusInProgress {
			return fmt.Errorf("task left in-progress while paused at %s", cp)
		}
		if !t.PauseRequested {
			break
		}
		interval *= 2
		if interval > pausePollMax {
			interval = pausePollMax
		}
	}

	w.patch(ctx, t, t.Status, &task.Patch{
		PausedAtCheckpoint: task.Ptr(task.Checkpoint("")),
	})
	w.logger.Info("resumed from checkpoint pause", "task", t.ID, "checkpoint", cp)
	return nil
}

// jittered spreads poll intervals by up to a quarter either way.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 4
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int63n(spread))
}
