package engine

import (
	"errors"
	"fmt"

	"nurtura/models"

	"github.com/badoux/checkmail"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PermanentError marks a dispatch failure that retrying cannot fix
// (unresolvable content, invalid address, provider rejection of the message
// itself). Mailer implementations wrap with Permanent().
type PermanentError struct {
	Err error
}

func (p *PermanentError) Error() string { return p.Err.Error() }
func (p *PermanentError) Unwrap() error { return p.Err }

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is a non-retryable dispatch failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// dispatchStep resolves a READY step's content and hands it to the mailer.
// No step lock is held across the send: the READY state was already
// persisted, and the outcome is recorded under a fresh version check.
func (e *Engine) dispatchStep(step *models.StepInstance) {
	if step.State != models.StepReady {
		return
	}

	var enr models.Enrollment
	if err := e.db.First(&enr, step.EnrollmentID).Error; err != nil {
		e.logger.WithError(err).Error("loading enrollment for dispatch")
		return
	}
	if enr.Status != models.EnrollmentActive {
		return
	}

	subject, body, err := e.resolveContent(step, enr.ContactID)
	if err != nil {
		e.failStep(step, &enr, err)
		return
	}

	var contact models.Contact
	if err := e.db.First(&contact, enr.ContactID).Error; err != nil {
		e.failStep(step, &enr, Permanent(fmt.Errorf("loading contact %d: %w", enr.ContactID, err)))
		return
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		e.failStep(step, &enr, Permanent(fmt.Errorf("invalid recipient address %q: %w", contact.Email, err)))
		return
	}

	messageID := uuid.New().String()
	if err := e.mailer.Send(&contact, subject, body, messageID); err != nil {
		e.failStep(step, &enr, err)
		return
	}

	e.finalizeStep(step, models.StepSent, messageID, "")
}

// resolveContent returns the step's email content: rendered template if one
// is referenced, inline subject/body otherwise. Resolution failures are
// permanent; a missing template will not appear on retry.
func (e *Engine) resolveContent(step *models.StepInstance, contactID uint) (string, string, error) {
	if step.TemplateID != nil {
		subject, body, err := e.resolver.Resolve(*step.TemplateID, contactID)
		if err != nil {
			return "", "", Permanent(fmt.Errorf("resolving template %d: %w", *step.TemplateID, err))
		}
		return subject, body, nil
	}
	if step.Subject == "" || step.BodyHTML == "" {
		return "", "", Permanent(errors.New("step has no content source"))
	}
	return step.Subject, step.BodyHTML, nil
}

// failStep routes a dispatch failure: permanent errors skip the step at
// once, transient ones schedule a retry until the backoff ladder runs out.
func (e *Engine) failStep(step *models.StepInstance, enr *models.Enrollment, sendErr error) {
	log := e.logger.WithError(sendErr).WithFields(logrus.Fields{
		"enrollment_id":  step.EnrollmentID,
		"sequence_order": step.SequenceOrder,
		"attempt":        step.AttemptCount + 1,
	})

	if IsPermanent(sendErr) {
		log.Warn("permanent dispatch failure, skipping step")
		sentry.CaptureException(sendErr)
		e.finalizeStep(step, models.StepSkipped, "", sendErr.Error())
		return
	}

	attempt := step.AttemptCount + 1
	if attempt > len(e.backoff) {
		log.Warn("dispatch retries exhausted, skipping step")
		sentry.CaptureException(fmt.Errorf("dispatch retries exhausted: %w", sendErr))
		e.finalizeStep(step, models.StepSkipped, "",
			fmt.Sprintf("retries exhausted: %s", sendErr.Error()))
		return
	}

	nextAttempt := e.now().Add(e.backoff[attempt-1])
	log.WithField("next_attempt_at", nextAttempt).Warn("dispatch failed, retry scheduled")
	if err := stepUpdate(e.db, step, map[string]interface{}{
		"attempt_count":   attempt,
		"next_attempt_at": nextAttempt,
		"last_error":      sendErr.Error(),
	}); err != nil && !errors.Is(err, ErrStale) {
		e.logger.WithError(err).Error("recording dispatch failure")
	}
}

// finalizeStep records a terminal outcome (SENT or SKIPPED) and advances the
// enrollment: bump the step pointer, materialize the next instance from the
// current definition, or complete the chain. Advancement happens in the same
// transaction as the terminal write, so the next instance exists before any
// evaluation can reference it.
func (e *Engine) finalizeStep(step *models.StepInstance, state, messageID, skipReason string) {
	now := e.now()
	var (
		enr       models.Enrollment
		next      *models.StepInstance
		completed bool
	)

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&enr, step.EnrollmentID).Error; err != nil {
			return err
		}
		if enr.Status != models.EnrollmentActive {
			return ErrStale
		}

		fields := map[string]interface{}{
			"state":           state,
			"wake_at":         nil,
			"next_attempt_at": nil,
		}
		if state == models.StepSent {
			fields["sent_at"] = now
			fields["message_id"] = messageID
		} else {
			fields["skip_reason"] = skipReason
		}
		if err := stepUpdate(tx, step, fields); err != nil {
			return err
		}

		// Denormalized per-definition counters, step 0 has no definition row.
		if step.SequenceOrder > 0 {
			counter := "sent_count"
			if state == models.StepSkipped {
				counter = "skipped_count"
			}
			tx.Model(&models.SequenceStep{}).
				Where("autoresponder_id = ? AND sequence_order = ?", enr.AutoresponderID, step.SequenceOrder).
				Update(counter, gorm.Expr(counter+" + 1"))
		}

		var a models.Autoresponder
		if err := tx.First(&a, enr.AutoresponderID).Error; err != nil {
			return err
		}

		enr.CurrentStepIndex = step.SequenceOrder
		updates := map[string]interface{}{"current_step_index": enr.CurrentStepIndex}

		var def models.SequenceStep
		chainOver := !a.SequenceEnabled && step.SequenceOrder == 0
		if !chainOver {
			err := tx.Where("autoresponder_id = ? AND sequence_order = ?",
				a.ID, step.SequenceOrder+1).First(&def).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				chainOver = true
			} else if err != nil {
				return err
			}
		}

		if chainOver {
			completed = true
			updates["status"] = models.EnrollmentCompleted
			updates["completed_at"] = now
			enr.Status = models.EnrollmentCompleted
		} else {
			next = &models.StepInstance{
				EnrollmentID:      enr.ID,
				SequenceOrder:     def.SequenceOrder,
				State:             models.StepPending,
				TimingMode:        def.TimingMode,
				DelayDays:         def.DelayDays,
				DelayHours:        def.DelayHours,
				WaitTriggerType:   def.WaitTriggerType,
				WaitTriggerConfig: def.WaitTriggerConfig,
				TemplateID:        def.TemplateID,
				Subject:           def.Subject,
				BodyHTML:          def.BodyHTML,
				StepStartedAt:     now,
			}
			if err := tx.Create(next).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.Enrollment{}).Where("id = ?", enr.ID).Updates(updates).Error
	})
	if err != nil {
		if !errors.Is(err, ErrStale) {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"enrollment_id":  step.EnrollmentID,
				"sequence_order": step.SequenceOrder,
			}).Error("recording step outcome")
		}
		return
	}

	step.State = state
	e.notify(&enr, step.SequenceOrder, state)
	if completed {
		e.logger.WithField("enrollment_id", enr.ID).Info("enrollment completed")
		e.notify(&enr, step.SequenceOrder, models.EnrollmentCompleted)
		return
	}
	if next != nil {
		e.startStep(next)
	}
}

// skipStep marks a step SKIPPED and advances the chain.
func (e *Engine) skipStep(step *models.StepInstance, reason string) {
	e.finalizeStep(step, models.StepSkipped, "", reason)
}
