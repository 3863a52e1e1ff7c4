package engine

import (
	"errors"
	"fmt"
	"time"

	"nurtura/models"

	"github.com/sirupsen/logrus"
)

// startStep takes a freshly materialized (PENDING) step instance into its
// initial waiting state. Malformed snapshots are skipped immediately so a
// single bad step never blocks the chain.
func (e *Engine) startStep(step *models.StepInstance) {
	if err := validateSnapshot(step); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"enrollment_id":  step.EnrollmentID,
			"sequence_order": step.SequenceOrder,
		}).Warn("malformed step definition, skipping")
		e.skipStep(step, err.Error())
		return
	}

	now := e.now()
	fields := map[string]interface{}{}
	var state string
	switch step.TimingMode {
	case models.TimingFixedDuration:
		state = models.StepWaitingTime
	case models.TimingWaitForTrigger:
		state = models.StepWaitingTrigger
	case models.TimingEitherOr, models.TimingBoth:
		state = models.StepWaitingBoth
	}
	fields["state"] = state

	if models.NeedsTime(step.TimingMode) {
		wake := step.StepStartedAt.Add(step.Delay())
		fields["wake_at"] = wake
		step.WakeAt = &wake
	}

	if err := stepUpdate(e.db, step, fields); err != nil {
		if !errors.Is(err, ErrStale) {
			e.logger.WithError(err).Error("initializing step instance")
		}
		return
	}
	step.State = state
	e.notifyStep(step, state)

	// Zero-delay time legs are already due; evaluate without waiting a tick.
	if step.WakeAt != nil && !step.WakeAt.After(now) {
		e.applyTimeElapsed(step, now)
	}
}

// validateSnapshot checks a chain step's captured definition at
// enrollment-open time (error taxonomy class "definition errors").
func validateSnapshot(step *models.StepInstance) error {
	switch step.TimingMode {
	case models.TimingFixedDuration, models.TimingWaitForTrigger,
		models.TimingEitherOr, models.TimingBoth:
	default:
		return fmt.Errorf("unknown timing mode %q", step.TimingMode)
	}

	if step.DelayDays < 0 || step.DelayHours < 0 {
		return fmt.Errorf("negative delay (%dd %dh)", step.DelayDays, step.DelayHours)
	}

	hasTemplate := step.TemplateID != nil
	hasInline := step.Subject != "" && step.BodyHTML != ""
	if hasTemplate == hasInline {
		if hasTemplate {
			return errors.New("step has both template and inline content")
		}
		return errors.New("step has neither template nor inline content")
	}

	if models.NeedsTrigger(step.TimingMode) {
		if step.WaitTriggerType == "" {
			return fmt.Errorf("timing mode %s requires a wait trigger", step.TimingMode)
		}
		if err := step.WaitTriggerConfig.Validate(step.WaitTriggerType); err != nil {
			return err
		}
	}
	return nil
}

// applyTimeElapsed records the time condition on a waiting step and, if the
// timing mode is now satisfied, moves it to READY and dispatches it.
func (e *Engine) applyTimeElapsed(step *models.StepInstance, now time.Time) {
	if step.State != models.StepWaitingTime && step.State != models.StepWaitingBoth {
		return // already transitioned; re-delivered wakes are no-ops
	}
	if !models.NeedsTime(step.TimingMode) || step.TimeConditionMetAt != nil {
		return
	}
	if !e.enrollmentActive(step.EnrollmentID) {
		return
	}

	fields := map[string]interface{}{
		"time_condition_met_at": now,
		"wake_at":               nil,
	}
	ready := false
	switch step.TimingMode {
	case models.TimingFixedDuration, models.TimingEitherOr:
		// For either_or the time leg winning drops the trigger leg: leaving
		// the waiting states ends event matching for this step.
		ready = true
	case models.TimingBoth:
		ready = step.TriggerConditionMetAt != nil
	}
	if ready {
		fields["state"] = models.StepReady
	}

	if err := stepUpdate(e.db, step, fields); err != nil {
		if !errors.Is(err, ErrStale) {
			e.logger.WithError(err).Error("applying time condition")
		}
		return
	}
	step.TimeConditionMetAt = &now
	step.WakeAt = nil
	if ready {
		step.State = models.StepReady
		e.notifyStep(step, models.StepReady)
		e.dispatchStep(step)
	}
}

// handleWaitTriggers fans a trigger event out to every waiting step of the
// contact whose wait trigger matches. An event with no matching step is
// expected traffic and matches nothing.
func (e *Engine) handleWaitTriggers(ev Event) {
	var steps []models.StepInstance
	err := e.db.
		Joins("JOIN enrollments ON enrollments.id = step_instances.enrollment_id").
		Where("enrollments.status = ?", models.EnrollmentActive).
		Where("enrollments.contact_id = ?", ev.ContactID).
		Where("step_instances.state IN ?", []string{models.StepWaitingTrigger, models.StepWaitingBoth}).
		Where("step_instances.wait_trigger_type = ?", string(ev.Type)).
		Find(&steps).Error
	if err != nil {
		e.logger.WithError(err).Error("loading waiting steps for event")
		return
	}

	for i := range steps {
		step := &steps[i]
		if !e.matchesTrigger(step, ev) {
			continue
		}
		e.applyTriggerEvent(step, ev)
	}
}

// matchesTrigger checks the event payload against the step's captured wait
// trigger config.
func (e *Engine) matchesTrigger(step *models.StepInstance, ev Event) bool {
	switch step.WaitTriggerType {
	case models.WaitEmailOpened, models.WaitLinkClicked, models.WaitEmailReplied:
		// The event must reference the email sent by the previous step of
		// this enrollment; for step 1 that is the primary send (step 0).
		var prev models.StepInstance
		err := e.db.Where("enrollment_id = ? AND sequence_order = ?",
			step.EnrollmentID, step.SequenceOrder-1).First(&prev).Error
		if err != nil || prev.MessageID == "" {
			return false
		}
		return ev.MessageID == prev.MessageID
	case models.WaitTagAdded:
		return ev.TagID == step.WaitTriggerConfig.TagID
	case models.WaitStatusChanged:
		cfg := step.WaitTriggerConfig
		if ev.ToStatus != cfg.ToStatus {
			return false
		}
		return cfg.FromStatus == "" || cfg.FromStatus == ev.FromStatus
	case models.WaitAppointmentBooked:
		// Any appointment booked for the contact satisfies the condition;
		// the query is already contact-scoped.
		return true
	}
	return false
}

// applyTriggerEvent records the trigger condition on a waiting step and, if
// the timing mode is now satisfied, moves it to READY and dispatches it.
func (e *Engine) applyTriggerEvent(step *models.StepInstance, ev Event) {
	if step.State != models.StepWaitingTrigger && step.State != models.StepWaitingBoth {
		return
	}
	if !models.NeedsTrigger(step.TimingMode) || step.TriggerConditionMetAt != nil {
		return
	}
	if !e.enrollmentActive(step.EnrollmentID) {
		return
	}

	now := e.now()

	// Tie-break: when the time leg is also due at evaluation time, the time
	// condition is treated as having occurred first (deterministic ordering
	// for races between wake polls and event delivery).
	timeDue := step.TimeConditionMetAt == nil &&
		step.WakeAt != nil && !step.WakeAt.After(now)

	fields := map[string]interface{}{}
	ready := false
	switch step.TimingMode {
	case models.TimingWaitForTrigger:
		fields["trigger_condition_met_at"] = now
		ready = true
	case models.TimingEitherOr:
		if timeDue {
			fields["time_condition_met_at"] = *step.WakeAt
		} else {
			fields["trigger_condition_met_at"] = now
		}
		// Either leg winning cancels the pending wake.
		fields["wake_at"] = nil
		ready = true
	case models.TimingBoth:
		fields["trigger_condition_met_at"] = now
		if timeDue {
			fields["time_condition_met_at"] = *step.WakeAt
			fields["wake_at"] = nil
			ready = true
		} else {
			ready = step.TimeConditionMetAt != nil
		}
	}
	if ready {
		fields["state"] = models.StepReady
	}

	if err := stepUpdate(e.db, step, fields); err != nil {
		if !errors.Is(err, ErrStale) {
			e.logger.WithError(err).Error("applying trigger condition")
		}
		return
	}
	if ready {
		step.State = models.StepReady
		e.notifyStep(step, models.StepReady)
		e.dispatchStep(step)
	}
}

// enrollmentActive is the check-then-act guard: no non-cancel transition may
// be applied once the enrollment has been cancelled or completed.
func (e *Engine) enrollmentActive(enrollmentID uint) bool {
	var count int64
	if err := e.db.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", enrollmentID, models.EnrollmentActive).
		Count(&count).Error; err != nil {
		e.logger.WithError(err).Error("checking enrollment status")
		return false
	}
	return count > 0
}

// notifyStep reports a step transition through the enrollment hook.
func (e *Engine) notifyStep(step *models.StepInstance, state string) {
	if e.onTransition == nil {
		return
	}
	var enr models.Enrollment
	if err := e.db.First(&enr, step.EnrollmentID).Error; err != nil {
		return
	}
	e.notify(&enr, step.SequenceOrder, state)
}
