package engine

import (
	"nurtura/models"
)

// The step clock is durable by construction: the single pending wake for a
// step is the wake_at column, written in the same transaction as the state
// that requires it. Rescheduling overwrites it, cancellation nulls it, and a
// restart loses nothing: wakes already in the past fire on the next poll
// instead of being dropped.

// PollDueWakes fires the time condition for every step whose wake is due.
// Returns the number of steps evaluated.
func (e *Engine) PollDueWakes() int {
	now := e.now()
	var steps []models.StepInstance
	err := e.db.
		Where("state IN ?", []string{models.StepWaitingTime, models.StepWaitingBoth}).
		Where("wake_at IS NOT NULL AND wake_at <= ?", now).
		Find(&steps).Error
	if err != nil {
		e.logger.WithError(err).Error("polling due wakes")
		return 0
	}

	for i := range steps {
		e.applyTimeElapsed(&steps[i], now)
	}
	return len(steps)
}

// PollDueRetries re-dispatches READY steps whose retry backoff has elapsed.
// Each step is claimed with a version-checked update before the send, so two
// workers polling the same store never double-dispatch.
func (e *Engine) PollDueRetries() int {
	now := e.now()
	var steps []models.StepInstance
	err := e.db.
		Where("state = ?", models.StepReady).
		Where("next_attempt_at IS NOT NULL AND next_attempt_at <= ?", now).
		Find(&steps).Error
	if err != nil {
		e.logger.WithError(err).Error("polling due retries")
		return 0
	}

	dispatched := 0
	for i := range steps {
		step := &steps[i]
		if err := stepUpdate(e.db, step, map[string]interface{}{
			"next_attempt_at": nil,
		}); err != nil {
			continue // another worker claimed it
		}
		step.NextAttemptAt = nil
		e.dispatchStep(step)
		dispatched++
	}
	return dispatched
}
